package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalConfig  string
		projectConfig string
		check         func(t *testing.T, cfg *Config)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Worker.Command != "claude" {
					t.Errorf("worker command = %q, want claude", cfg.Worker.Command)
				}
				if cfg.Pool.MinPoolSize != 1 || cfg.Pool.MaxPoolSize != 5 {
					t.Errorf("pool sizes = %d/%d, want 1/5", cfg.Pool.MinPoolSize, cfg.Pool.MaxPoolSize)
				}
				if cfg.TaskTimeout() != 10*time.Minute {
					t.Errorf("task timeout = %v, want 10m", cfg.TaskTimeout())
				}
			},
		},
		{
			name:         "Global only - overrides scalar and keeps the rest",
			globalConfig: `{"pool": {"max_pool_size": 8}, "worker": {"model": "opus"}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Pool.MaxPoolSize != 8 {
					t.Errorf("max pool size = %d, want 8", cfg.Pool.MaxPoolSize)
				}
				if cfg.Pool.MinPoolSize != 1 {
					t.Errorf("min pool size = %d, want default 1", cfg.Pool.MinPoolSize)
				}
				if cfg.Worker.Model != "opus" || cfg.Worker.Command != "claude" {
					t.Errorf("worker = %+v", cfg.Worker)
				}
			},
		},
		{
			name:          "Env entries merge per key",
			globalConfig:  `{"worker": {"env": {"A": "1"}}}`,
			projectConfig: `{"worker": {"env": {"B": "2"}}}`,
			check: func(t *testing.T, cfg *Config) {
				env := cfg.Worker.Env
				if env["A"] != "1" || env["B"] != "2" || env["CLAUDE_CODE_EXPERIMENTAL_AGENT_TEAMS"] != "1" {
					t.Errorf("env = %v", env)
				}
			},
		},
		{
			name:          "Project overrides global - project wins",
			globalConfig:  `{"worker": {"args": ["--a", "--b"]}, "task_timeout_ms": 1000}`,
			projectConfig: `{"worker": {"args": ["--c"]}, "task_timeout_ms": 2000}`,
			check: func(t *testing.T, cfg *Config) {
				if len(cfg.Worker.Args) != 1 || cfg.Worker.Args[0] != "--c" {
					t.Errorf("args = %v, want [--c]", cfg.Worker.Args)
				}
				if cfg.TaskTimeoutMS != 2000 {
					t.Errorf("task timeout ms = %d, want 2000", cfg.TaskTimeoutMS)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != "" {
				globalPath = filepath.Join(tmpDir, "global.json")
				writeFile(t, globalPath, tt.globalConfig)
			}
			projectPath := ""
			if tt.projectConfig != "" {
				projectPath = filepath.Join(tmpDir, "project.json")
				writeFile(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load("/home/test", globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
			if err := cfg.Validate(); err != nil {
				t.Errorf("loaded config failed validation: %v", err)
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()
	globalPath := filepath.Join(tmpDir, "global.json")
	writeFile(t, globalPath, "{invalid json")

	_, err := Load("/home/test", globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/home/test", "/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}

	if cfg.TasksDir != filepath.Join("/home/test", ".claude", "tasks") {
		t.Errorf("tasks dir = %q", cfg.TasksDir)
	}
	if cfg.DBPath != filepath.Join("/home/test", ".officed", "officed.db") {
		t.Errorf("db path = %q", cfg.DBPath)
	}
}

func TestBackendConfig(t *testing.T) {
	cfg := DefaultConfig("/home/test")
	cfg.Worker.Env["ZED"] = "z"
	cfg.Worker.Args = []string{"--x"}

	bc := cfg.BackendConfig()
	if len(bc.Env) != 2 || bc.Env[0] != "CLAUDE_CODE_EXPERIMENTAL_AGENT_TEAMS=1" || bc.Env[1] != "ZED=z" {
		t.Errorf("env = %v, want sorted KEY=VALUE pairs", bc.Env)
	}
	if !bc.SkipPermissions || bc.ReadyTimeout != 30*time.Second || bc.KillGrace != 5*time.Second {
		t.Errorf("unexpected backend config %+v", bc)
	}

	bc.Args[0] = "--mutated"
	if cfg.Worker.Args[0] != "--x" {
		t.Error("BackendConfig shares the args slice")
	}

	pc := cfg.PoolSettings()
	if pc.IdleTimeout != 15*time.Minute || pc.HealthCheckInterval != 30*time.Second || pc.StopTimeout != 10*time.Second {
		t.Errorf("unexpected pool config %+v", pc)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty command", func(c *Config) { c.Worker.Command = "  " }},
		{"negative min", func(c *Config) { c.Pool.MinPoolSize = -1 }},
		{"zero max", func(c *Config) { c.Pool.MaxPoolSize = 0; c.Pool.MinPoolSize = 0 }},
		{"min above max", func(c *Config) { c.Pool.MinPoolSize = 6 }},
		{"zero idle timeout", func(c *Config) { c.Pool.IdleTimeoutMS = 0 }},
		{"negative health interval", func(c *Config) { c.Pool.HealthCheckIntervalMS = -5 }},
		{"zero task timeout", func(c *Config) { c.TaskTimeoutMS = 0 }},
		{"zero kill grace", func(c *Config) { c.KillGraceMS = 0 }},
	}

	if err := DefaultConfig("/home/test").Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("/home/test")
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	cfg := DefaultConfig("/home/test")
	cfg.Pool.MinPoolSize = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("min pool size 0 should be allowed: %v", err)
	}
}
