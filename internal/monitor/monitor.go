// Package monitor keeps tenant workers healthy with a periodic sweep.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/metrics"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/internal/supervisor"
	"github.com/talkincode/botfleet/internal/workerclient"
	"go.uber.org/zap"
)

// Supervisor is the subset of the worker supervisor the monitor drives.
type Supervisor interface {
	ProvisionIfActive(ctx context.Context, tenantID int64) (supervisor.WorkerInfo, error)
	Teardown(ctx context.Context, tenantID int64) error
	Status(tenantID int64) supervisor.WorkerInfo
	MarkRunning(tenantID int64)
}

// Prober talks to a worker's control endpoints.
type Prober interface {
	Health(ctx context.Context, port int) error
	Status(ctx context.Context, port int) (workerclient.Status, error)
	ForceRestart(ctx context.Context, port int) error
}

type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Cooldown     time.Duration
	PairingGrace time.Duration
	ErrorBackoff time.Duration
	Concurrency  int
}

// Action is what a single tenant check ended up doing.
type Action string

const (
	ActionNone         Action = "none"
	ActionCooldown     Action = "cooldown"
	ActionRestart      Action = "restart"
	ActionForceRestart Action = "force_restart"
	ActionWaiting      Action = "waiting_pairing"
	ActionSkipped      Action = "skipped"
)

// Monitor probes every active tenant's worker, restarting unreachable ones
// and nudging workers that stay unpaired.
type Monitor struct {
	opts     Options
	tenants  store.TenantRepository
	sup      Supervisor
	prober   Prober
	cooldown *cache.Cache
	unpaired *cache.Cache
	pool     *ants.Pool
	now      func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func New(opts Options, tenants store.TenantRepository, sup Supervisor, prober Prober) (*Monitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 45 * time.Second
	}
	if opts.PairingGrace <= 0 {
		opts.PairingGrace = time.Minute
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	pool, err := ants.NewPool(opts.Concurrency, ants.WithPanicHandler(func(p interface{}) {
		zap.L().Error("monitor: probe panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create probe pool")
	}
	return &Monitor{
		opts:     opts,
		tenants:  tenants,
		sup:      sup,
		prober:   prober,
		cooldown: cache.New(opts.Cooldown, 2*opts.Cooldown),
		unpaired: cache.New(10*opts.PairingGrace, 10*opts.PairingGrace),
		pool:     pool,
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start runs the sweep loop in the background until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop(ctx)
	zap.L().Info("monitor: started",
		zap.Duration("interval", m.opts.Interval),
		zap.Duration("cooldown", m.opts.Cooldown))
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	if m.started.Load() {
		<-m.done
	}
	m.pool.Release()
	zap.L().Info("monitor: stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	timer := time.NewTimer(m.opts.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-timer.C:
		}

		next := m.opts.Interval
		if err := m.safeSweep(ctx); err != nil {
			zap.L().Error("monitor: sweep failed, backing off",
				zap.Duration("backoff", m.opts.ErrorBackoff),
				zap.Error(err))
			next = m.opts.ErrorBackoff
		}
		timer.Reset(next)
	}
}

func (m *Monitor) safeSweep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panic: %v", r)
		}
	}()
	_, err = m.Sweep(ctx)
	return err
}

// Sweep checks every active tenant once. A failing tenant never stops the
// others; only a failure to list tenants is returned.
func (m *Monitor) Sweep(ctx context.Context) (map[int64]Action, error) {
	tenants, err := m.tenants.ListByStatus(ctx, domain.TenantStatusActive)
	if err != nil {
		metrics.MonitorSweeps.WithLabelValues("error").Inc()
		return nil, errors.Wrap(err, "list active tenants")
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		actions = make(map[int64]Action, len(tenants))
	)
	for _, t := range tenants {
		t := t
		wg.Add(1)
		task := func() {
			defer wg.Done()
			action := m.checkSafely(ctx, t)
			mu.Lock()
			actions[t.ID] = action
			mu.Unlock()
		}
		if err := m.pool.Submit(task); err != nil {
			zap.L().Warn("monitor: pool rejected probe, running inline", zap.Int64("tenant_id", t.ID), zap.Error(err))
			task()
		}
	}
	wg.Wait()
	metrics.MonitorSweeps.WithLabelValues("ok").Inc()
	return actions, nil
}

func (m *Monitor) checkSafely(ctx context.Context, t *domain.Tenant) (action Action) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("monitor: tenant check panicked", zap.Int64("tenant_id", t.ID), zap.Any("panic", r))
			action = ActionNone
		}
	}()
	return m.check(ctx, t)
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (m *Monitor) check(ctx context.Context, t *domain.Tenant) Action {
	k := key(t.ID)
	if _, cooling := m.cooldown.Get(k); cooling {
		return ActionCooldown
	}

	info := m.sup.Status(t.ID)
	if !info.Running {
		return m.restart(ctx, t, "not_running", nil)
	}

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	if err := m.prober.Health(pctx, info.Port); err != nil {
		return m.restart(ctx, t, "unreachable", err)
	}
	m.sup.MarkRunning(t.ID)

	st, err := m.prober.Status(pctx, info.Port)
	if err != nil {
		zap.L().Debug("monitor: status probe failed", zap.Int64("tenant_id", t.ID), zap.Error(err))
		return ActionNone
	}
	if st.Connected || st.HasPairingCode {
		m.unpaired.Delete(k)
		return ActionNone
	}

	now := m.now()
	first, seen := m.unpaired.Get(k)
	if !seen {
		m.unpaired.SetDefault(k, now)
		return ActionWaiting
	}
	if now.Sub(first.(time.Time)) < m.opts.PairingGrace {
		return ActionWaiting
	}

	zap.L().Warn("monitor: worker stuck without pairing code, forcing restart",
		zap.Int64("tenant_id", t.ID),
		zap.Int("port", info.Port))
	if err := m.prober.ForceRestart(pctx, info.Port); err != nil {
		zap.L().Warn("monitor: force restart failed", zap.Int64("tenant_id", t.ID), zap.Error(err))
	}
	m.unpaired.Delete(k)
	m.cooldown.SetDefault(k, now)
	metrics.MonitorRestarts.WithLabelValues("force_restart").Inc()
	return ActionForceRestart
}

// restart tears the worker down and provisions it again, unless the tenant
// was disconnected or deleted since the sweep listed it.
func (m *Monitor) restart(ctx context.Context, t *domain.Tenant, reason string, cause error) Action {
	zap.L().Warn("monitor: restarting worker",
		zap.Int64("tenant_id", t.ID),
		zap.String("tenant", t.Name),
		zap.String("reason", reason),
		zap.Error(cause))

	m.cooldown.SetDefault(key(t.ID), m.now())
	m.unpaired.Delete(key(t.ID))
	metrics.MonitorRestarts.WithLabelValues(reason).Inc()

	if err := m.sup.Teardown(ctx, t.ID); err != nil {
		zap.L().Error("monitor: teardown failed", zap.Int64("tenant_id", t.ID), zap.Error(err))
	}
	// the sweep snapshot may be stale; the tenant is re-read under its lock
	if _, err := m.sup.ProvisionIfActive(ctx, t.ID); err != nil {
		if errors.Is(err, supervisor.ErrTenantInactive) || errors.Is(err, store.ErrNotFound) {
			zap.L().Info("monitor: tenant left active state, not provisioning",
				zap.Int64("tenant_id", t.ID),
				zap.Error(err))
			return ActionSkipped
		}
		zap.L().Error("monitor: provision failed", zap.Int64("tenant_id", t.ID), zap.Error(err))
	}
	return ActionRestart
}
