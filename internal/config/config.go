// Package config loads the YAML configuration for the lease-recovery system.
//
// File layout (configs/default.yaml):
//
//	ledger:    lease duration, commit guard, fencing, retry budget
//	worker:    pool size, lease polling rate, circuit breaker
//	faults:    crash injection switches for the worker session
//	clock:     virtual clock driver
//	wal:       write-ahead journal
//	snapshot:  snapshot file and retention
//	reconcile: periodic recovery sweep
//	metrics:   Prometheus endpoint
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure
type Config struct {
	Ledger struct {
		LeaseDuration           time.Duration `yaml:"lease_duration"`
		EnforceIdempotentCommit bool          `yaml:"enforce_idempotent_commit"`
		Fencing                 bool          `yaml:"fencing"`
		RetryBudget             int           `yaml:"retry_budget"` // 0 = unlimited
	} `yaml:"ledger"`

	Worker struct {
		WorkerCount      int           `yaml:"worker_count"`
		PollRate         float64       `yaml:"poll_rate"`
		PollBurst        int           `yaml:"poll_burst"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"worker"`

	Faults struct {
		CrashBeforeCommit          bool `yaml:"crash_before_commit"`
		CrashAfterCommitBeforeDone bool `yaml:"crash_after_commit_before_done"`
	} `yaml:"faults"`

	Clock struct {
		Tick         time.Duration `yaml:"tick"`
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"clock"`

	WAL struct {
		Path            string `yaml:"path"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
		SyncOnAppend    bool   `yaml:"sync_on_append"`
		CompressRotated bool   `yaml:"compress_rotated"`
	} `yaml:"wal"`

	Snapshot struct {
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
		RetentionCount  int    `yaml:"retention_count"`
	} `yaml:"snapshot"`

	Reconcile struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"reconcile"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	cfg := &Config{}
	cfg.Ledger.LeaseDuration = 30 * time.Second
	cfg.Ledger.EnforceIdempotentCommit = true

	cfg.Worker.WorkerCount = 4
	cfg.Worker.PollRate = 20
	cfg.Worker.PollBurst = 1
	cfg.Worker.BreakerThreshold = 5
	cfg.Worker.BreakerCooldown = time.Second

	cfg.Clock.Tick = 100 * time.Millisecond
	cfg.Clock.TickInterval = 100 * time.Millisecond

	cfg.WAL.Path = "data/ledger.wal"
	cfg.WAL.BufferSize = 100
	cfg.WAL.FlushIntervalMs = 1000
	cfg.WAL.SyncOnAppend = true

	cfg.Snapshot.Path = "data/ledger.snapshot.json"
	cfg.Snapshot.IntervalSeconds = 30
	cfg.Snapshot.RetentionCount = 3

	cfg.Reconcile.IntervalSeconds = 5

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads path and overlays it on Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.Ledger.LeaseDuration <= 0:
		return fmt.Errorf("%w: ledger.lease_duration must be positive, got %s", ErrInvalidConfig, c.Ledger.LeaseDuration)
	case c.Ledger.RetryBudget < 0:
		return fmt.Errorf("%w: ledger.retry_budget must not be negative", ErrInvalidConfig)
	case c.Worker.WorkerCount <= 0:
		return fmt.Errorf("%w: worker.worker_count must be positive, got %d", ErrInvalidConfig, c.Worker.WorkerCount)
	case c.Worker.PollRate < 0:
		return fmt.Errorf("%w: worker.poll_rate must not be negative", ErrInvalidConfig)
	case c.Clock.Tick < 0:
		return fmt.Errorf("%w: clock.tick must not be negative", ErrInvalidConfig)
	case c.Clock.Tick > 0 && c.Clock.TickInterval <= 0:
		return fmt.Errorf("%w: clock.tick_interval must be positive when clock.tick is set", ErrInvalidConfig)
	case c.WAL.Path == "":
		return fmt.Errorf("%w: wal.path is required", ErrInvalidConfig)
	case c.Snapshot.Path == "":
		return fmt.Errorf("%w: snapshot.path is required", ErrInvalidConfig)
	case c.Snapshot.RetentionCount < 0:
		return fmt.Errorf("%w: snapshot.retention_count must not be negative", ErrInvalidConfig)
	case c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535):
		return fmt.Errorf("%w: metrics.port out of range: %d", ErrInvalidConfig, c.Metrics.Port)
	}
	return nil
}

// SessionFaults combines the crash switches with the ledger's commit guard.
func (c *Config) SessionFaults() types.Faults {
	return types.Faults{
		CrashBeforeCommit:          c.Faults.CrashBeforeCommit,
		CrashAfterCommitBeforeDone: c.Faults.CrashAfterCommitBeforeDone,
		EnforceIdempotentCommit:    c.Ledger.EnforceIdempotentCommit,
	}
}

// FlushInterval is wal.flush_interval_ms as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.WAL.FlushIntervalMs) * time.Millisecond
}

// SnapshotInterval is snapshot.interval_seconds as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshot.IntervalSeconds) * time.Second
}

// ReconcileInterval is reconcile.interval_seconds as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}
