// Package worker is the per tenant messaging process spawned by the
// supervisor. It owns one whatsmeow session, exposes the http control
// contract and forwards chat traffic to the orchestrator callbacks.
package worker

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// ConfigFile is written into the worker directory by the supervisor.
const ConfigFile = "worker.json"

type Config struct {
	TenantID        int64         `json:"tenant_id,string"`
	Name            string        `json:"name"`
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	Dir             string        `json:"-"`
	CallbackURL     string        `json:"callback_url"`
	CallbackToken   string        `json:"callback_token,omitempty"`
	CallbackTimeout time.Duration `json:"-"`
	Shared          bool          `json:"shared"`
	Concurrency     int           `json:"concurrency"`
	LogMode         string        `json:"-"`
}

// DeviceDSN is the sqlite store holding the paired device keys.
func (c *Config) DeviceDSN() string {
	return "file:" + filepath.Join(c.Dir, "session.db") + "?_foreign_keys=on&_busy_timeout=5000"
}

// LoadConfig reads worker.json from dir (when present) and applies the
// environment set by the supervisor on top of it.
func LoadConfig(dir string) (*Config, error) {
	cfg := &Config{
		Host:            "127.0.0.1",
		CallbackTimeout: 60 * time.Second,
		Concurrency:     8,
		LogMode:         "production",
	}
	if v := os.Getenv("WORKER_DIR"); v != "" {
		dir = v
	}
	if dir == "" {
		dir = "."
	}
	cfg.Dir = dir

	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	switch {
	case err == nil:
		if err := jsoniter.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", ConfigFile)
		}
	case !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "read %s", ConfigFile)
	}

	applyEnv(cfg)
	if cfg.Port <= 0 {
		return nil, errors.New("worker port is not set (CLIENT_PORT)")
	}
	if cfg.CallbackURL == "" {
		return nil, errors.New("callback url is not set (FASTAPI_URL)")
	}
	if !cfg.Shared && cfg.TenantID == 0 {
		return nil, errors.New("tenant id is not set (CLIENT_ID)")
	}
	cfg.CallbackURL = strings.TrimRight(cfg.CallbackURL, "/")
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLIENT_ID"); v != "" {
		cfg.TenantID = cast.ToInt64(v)
	}
	if v := os.Getenv("CLIENT_PORT"); v != "" {
		cfg.Port = cast.ToInt(v)
	}
	if v := os.Getenv("CLIENT_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("WORKER_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("FASTAPI_URL"); v != "" {
		cfg.CallbackURL = v
	}
	if v := os.Getenv("BOTFLEET_CALLBACK_TOKEN"); v != "" {
		cfg.CallbackToken = v
	}
	if v := os.Getenv("WORKER_SHARED"); v != "" {
		cfg.Shared = cast.ToBool(v)
	}
	if v := os.Getenv("WORKER_CALLBACK_TIMEOUT"); v != "" {
		if d, err := cast.ToDurationE(v); err == nil && d > 0 {
			cfg.CallbackTimeout = d
		}
	}
	if v := os.Getenv("WORKER_LOG_MODE"); v != "" {
		cfg.LogMode = v
	}
}
