package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks sizes, intervals and the worker command.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Worker.Command) == "" {
		problems = append(problems, "worker.command must not be empty")
	}
	if c.Pool.MinPoolSize < 0 {
		problems = append(problems, "pool.min_pool_size must not be negative")
	}
	if c.Pool.MaxPoolSize < 1 {
		problems = append(problems, "pool.max_pool_size must be at least 1")
	}
	if c.Pool.MinPoolSize > c.Pool.MaxPoolSize {
		problems = append(problems, fmt.Sprintf("pool.min_pool_size (%d) exceeds pool.max_pool_size (%d)",
			c.Pool.MinPoolSize, c.Pool.MaxPoolSize))
	}

	intervals := []struct {
		name  string
		value int64
	}{
		{"pool.idle_timeout_ms", c.Pool.IdleTimeoutMS},
		{"pool.health_check_interval_ms", c.Pool.HealthCheckIntervalMS},
		{"task_timeout_ms", c.TaskTimeoutMS},
		{"ready_timeout_ms", c.ReadyTimeoutMS},
		{"kill_grace_ms", c.KillGraceMS},
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			problems = append(problems, iv.name+" must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
