package config

import (
	"path/filepath"
)

// DefaultConfig returns the built-in configuration. home is the user's
// home directory used to anchor the default paths.
func DefaultConfig(home string) *Config {
	return &Config{
		Worker: WorkerConfig{
			Command: "claude",
			Env: map[string]string{
				"CLAUDE_CODE_EXPERIMENTAL_AGENT_TEAMS": "1",
			},
			SkipPermissions: true,
		},
		Pool: PoolConfig{
			MinPoolSize:           1,
			MaxPoolSize:           5,
			IdleTimeoutMS:         15 * 60 * 1000,
			HealthCheckIntervalMS: 30 * 1000,
		},
		TaskTimeoutMS:  10 * 60 * 1000,
		ReadyTimeoutMS: 30 * 1000,
		KillGraceMS:    5 * 1000,
		TasksDir:       filepath.Join(home, ".claude", "tasks"),
		DBPath:         filepath.Join(home, ".officed", "officed.db"),
	}
}
