package config

import (
	"sort"
	"time"

	"github.com/aristath/officed/internal/backend"
	"github.com/aristath/officed/internal/pool"
)

// WorkerConfig describes the CLI process behind every session.
type WorkerConfig struct {
	Command         string            `json:"command"`                 // executable, "claude" by default
	Args            []string          `json:"args,omitempty"`          // placed before the protocol flags
	Env             map[string]string `json:"env,omitempty"`           // added to the daemon's environment
	Model           string            `json:"model,omitempty"`         // --model override
	SystemPrompt    string            `json:"system_prompt,omitempty"` // --system-prompt
	SkipPermissions bool              `json:"skip_permissions"`
}

// PoolConfig sizes each project's pool. Durations are in milliseconds.
type PoolConfig struct {
	MinPoolSize           int   `json:"min_pool_size"`
	MaxPoolSize           int   `json:"max_pool_size"`
	IdleTimeoutMS         int64 `json:"idle_timeout_ms"`
	HealthCheckIntervalMS int64 `json:"health_check_interval_ms"`
}

// Config is the top-level configuration.
type Config struct {
	Worker         WorkerConfig `json:"worker"`
	Pool           PoolConfig   `json:"pool"`
	TaskTimeoutMS  int64        `json:"task_timeout_ms"`
	ReadyTimeoutMS int64        `json:"ready_timeout_ms"`
	KillGraceMS    int64        `json:"kill_grace_ms"`
	TasksDir       string       `json:"tasks_dir"`
	DBPath         string       `json:"db_path"`
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// TaskTimeout is the per-task deadline.
func (c *Config) TaskTimeout() time.Duration {
	return millis(c.TaskTimeoutMS)
}

// BackendConfig converts the worker section into launch settings.
func (c *Config) BackendConfig() backend.Config {
	keys := make([]string, 0, len(c.Worker.Env))
	for k := range c.Worker.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Worker.Env[k])
	}

	return backend.Config{
		Command:         c.Worker.Command,
		Args:            append([]string(nil), c.Worker.Args...),
		Env:             env,
		Model:           c.Worker.Model,
		SystemPrompt:    c.Worker.SystemPrompt,
		SkipPermissions: c.Worker.SkipPermissions,
		ReadyTimeout:    millis(c.ReadyTimeoutMS),
		KillGrace:       millis(c.KillGraceMS),
	}
}

// PoolSettings converts the pool section. The stop timeout is derived from
// the kill grace so a graceful stop can always reach SIGKILL.
func (c *Config) PoolSettings() pool.Config {
	stop := 2 * millis(c.KillGraceMS)
	if stop <= 0 {
		stop = pool.DefaultConfig().StopTimeout
	}
	return pool.Config{
		MinPoolSize:         c.Pool.MinPoolSize,
		MaxPoolSize:         c.Pool.MaxPoolSize,
		IdleTimeout:         millis(c.Pool.IdleTimeoutMS),
		HealthCheckInterval: millis(c.Pool.HealthCheckIntervalMS),
		StopTimeout:         stop,
	}
}
