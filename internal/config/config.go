// Package config loads the execution engine's YAML configuration and
// overlays the ENGINE_* environment variables from spec §6, matching the
// teacher's struct-tag + time.Duration-string style. A fsnotify watcher
// hot-reloads the fields that don't pin a live connection (timeout policy
// matrix, worker count); the store DSN and adapter URLs require a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jordigilh/stagee/pkg/timeoutpolicy"
)

// TimeoutRow is one (sla_class, action_class) row of the matrix, expressed in
// the YAML's duration-string shape so operators can tune it without a
// redeploy (spec §3 seeded matrix).
type TimeoutRow struct {
	SLA         string        `yaml:"sla"`
	Action      string        `yaml:"action"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Config is the engine's full runtime configuration: the YAML file overlaid
// by the environment variables named in spec §6.
type Config struct {
	Store struct {
		DSN string `yaml:"dsn"`
	} `yaml:"store"`

	SecretStore struct {
		URL string `yaml:"url"`
	} `yaml:"secret_store"`

	AssetAdapter struct {
		URL string `yaml:"url"`
	} `yaml:"asset_adapter"`

	AutomationAdapter struct {
		URL string `yaml:"url"`
	} `yaml:"automation_adapter"`

	Workers struct {
		Count       int           `yaml:"count"`
		QueueBatch  int           `yaml:"queue_batch"`
		LeaseTTL    time.Duration `yaml:"lease_ttl"`
		LeaseBuffer time.Duration `yaml:"lease_buffer"`
	} `yaml:"workers"`

	RBAC struct {
		CacheTTL   time.Duration `yaml:"cache_ttl"`
		LRUSize    int           `yaml:"lru_size"`
		RedisAddr  string        `yaml:"redis_addr"`
		PolicyPath string        `yaml:"policy_path"`
	} `yaml:"rbac"`

	Dispatcher struct {
		ImmediateThreshold time.Duration `yaml:"immediate_threshold"`
	} `yaml:"dispatcher"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	TimeoutMatrix []TimeoutRow `yaml:"timeout_matrix"`
}

// Default returns a Config pre-loaded with the spec's seeded defaults (no
// YAML file, no environment overlay).
func Default() *Config {
	c := &Config{}
	c.Workers.Count = 4
	c.Workers.QueueBatch = 1
	c.Workers.LeaseTTL = 30 * time.Second
	c.Workers.LeaseBuffer = 2 * time.Second
	c.RBAC.CacheTTL = 60 * time.Second
	c.RBAC.LRUSize = 1000
	c.Dispatcher.ImmediateThreshold = 10 * time.Second
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return c
}

// Load reads path (if non-empty and it exists) and overlays the ENGINE_*
// environment variables from spec §6. An empty or missing path is not an
// error — the engine can run on environment variables and seeded defaults
// alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlayEnv(cfg)
	return cfg, nil
}

// overlayEnv applies the environment variables named in spec §6 on top of
// whatever the YAML file (or Default) set, environment taking precedence.
func overlayEnv(cfg *Config) {
	if v := os.Getenv("ENGINE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ENGINE_SECRET_STORE_URL"); v != "" {
		cfg.SecretStore.URL = v
	}
	if v := os.Getenv("ENGINE_ASSET_ADAPTER_URL"); v != "" {
		cfg.AssetAdapter.URL = v
	}
	if v := os.Getenv("ENGINE_AUTOMATION_ADAPTER_URL"); v != "" {
		cfg.AutomationAdapter.URL = v
	}
	if v := os.Getenv("ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("ENGINE_LEASE_BUFFER_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Workers.LeaseBuffer = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Matrix builds a timeoutpolicy.Matrix: the seeded spec rows overridden by
// any YAML-configured rows with a matching (sla, action) key.
func (c *Config) Matrix() *timeoutpolicy.Matrix {
	m := timeoutpolicy.NewSeeded()
	if len(c.TimeoutMatrix) == 0 {
		return m
	}
	rows := make([]timeoutpolicy.Policy, 0, len(c.TimeoutMatrix))
	seen := map[[2]string]bool{}
	for _, r := range c.TimeoutMatrix {
		seen[[2]string{r.SLA, r.Action}] = true
		maxAttempts := r.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		rows = append(rows, timeoutpolicy.Policy{
			SLA: timeoutpolicy.SLAClass(r.SLA), Action: timeoutpolicy.ActionClass(r.Action),
			StepTimeout: r.StepTimeout, ExecTimeout: r.ExecTimeout, MaxAttempts: maxAttempts,
		})
	}
	for _, sla := range []timeoutpolicy.SLAClass{timeoutpolicy.SLAFast, timeoutpolicy.SLAMedium, timeoutpolicy.SLALong} {
		for _, action := range []timeoutpolicy.ActionClass{timeoutpolicy.ActionRead, timeoutpolicy.ActionModify, timeoutpolicy.ActionDeploy} {
			if seen[[2]string{string(sla), string(action)}] {
				continue
			}
			if p, err := m.Lookup(sla, action); err == nil {
				rows = append(rows, p)
			}
		}
	}
	m.Load(rows)
	return m
}

// Watcher hot-reloads Workers.Count and TimeoutMatrix from path whenever it
// changes on disk; it never touches Store.DSN, the adapter URLs, or any
// field that pins a live connection — those require a process restart
// (spec §6 environment: connection settings are effectively immutable after
// boot in this engine).
type Watcher struct {
	path string
	mu   sync.Mutex
	cur  *Config
	fsw  *fsnotify.Watcher
}

// WatchFile starts watching path for changes, seeding Watcher with the
// initially loaded cfg. Call Close to stop watching.
func WatchFile(path string, cfg *Config) (*Watcher, error) {
	w := &Watcher{path: path, cur: cfg}
	if path == "" {
		return w, nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.fsw = fsw
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := Load(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.cur.Workers.Count = next.Workers.Count
			w.cur.TimeoutMatrix = next.TimeoutMatrix
			w.mu.Unlock()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the live (possibly hot-reloaded) configuration snapshot.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.cur
}

// Close stops the underlying fsnotify watcher, if one was started.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
