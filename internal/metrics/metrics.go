// Package metrics holds the prometheus collectors shared by the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "botfleet"

var (
	WorkerProvisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_provisions_total",
		Help:      "Worker provision attempts by result.",
	}, []string{"result"})

	WorkerTeardowns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_teardowns_total",
		Help:      "Workers torn down.",
	})

	LiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_workers",
		Help:      "Workers currently provisioning or running.",
	})

	MonitorRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_restarts_total",
		Help:      "Recovery actions taken by the health monitor.",
	}, []string{"kind"})

	MonitorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_sweeps_total",
		Help:      "Health sweeps by result.",
	}, []string{"result"})

	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_messages_total",
		Help:      "Inbound messages by pipeline outcome.",
	}, []string{"outcome"})

	AssistantLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assistant_reply_seconds",
		Help:      "Time spent waiting for the assistant reply.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_deleted_total",
		Help:      "Rows removed by the retention sweeper.",
	}, []string{"category"})

	ProcessCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_cpu_percent",
		Help:      "Orchestrator cpu usage.",
	})

	ProcessRSS = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_rss_mb",
		Help:      "Orchestrator resident memory in MB.",
	})
)
