package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/officed/internal/config"
)

var (
	verbose bool
	logger  = slog.Default()
)

// homeDirFunc returns the user's home directory, replaceable in tests.
var homeDirFunc = os.UserHomeDir

var rootCmd = &cobra.Command{
	Use:   "officed",
	Short: "Run agent tasks on pools of persistent worker sessions",
	Long: `officed keeps a warm pool of worker sessions per project and runs
team tasks on them, tracking each task record from pending to completed
or blocked.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = newLogger(verbose)
		slog.SetDefault(logger)
	},
}

func init() {
	cobra.OnInitialize(initViper)

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	flags.String("config", "", "Global config file (default ~/.officed/config.json)")
	flags.String("tasks-dir", "", "Task records root (default ~/.claude/tasks)")
	flags.String("db", "", "SQLite database path, or :memory: for a throwaway one (default ~/.officed/officed.db)")
	flags.String("worker", "", "Worker executable")
	flags.String("model", "", "Worker model override")
	flags.Int("min-pool", 0, "Sessions kept warm per project")
	flags.Int("max-pool", 0, "Session cap per project")
	bindFlags()
}

// bindFlags maps persistent flags onto their config keys.
func bindFlags() {
	flags := rootCmd.PersistentFlags()
	bind := map[string]string{
		"config":             "config",
		"tasks_dir":          "tasks-dir",
		"db_path":            "db",
		"worker.command":     "worker",
		"worker.model":       "model",
		"pool.min_pool_size": "min-pool",
		"pool.max_pool_size": "max-pool",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initViper() {
	viper.SetEnvPrefix("OFFICED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig layers the JSON config files, then OFFICED_* environment
// variables and flags, and validates the result.
func loadConfig() (*config.Config, error) {
	home, err := homeDirFunc()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	global, project := config.DefaultPaths(home)
	if path := viper.GetString("config"); path != "" {
		global = path
	}

	cfg, err := config.Load(home, global, project)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if viper.IsSet("tasks_dir") {
		cfg.TasksDir = viper.GetString("tasks_dir")
	}
	if viper.IsSet("db_path") {
		cfg.DBPath = viper.GetString("db_path")
	}
	if viper.IsSet("worker.command") {
		cfg.Worker.Command = viper.GetString("worker.command")
	}
	if viper.IsSet("worker.model") {
		cfg.Worker.Model = viper.GetString("worker.model")
	}
	if viper.IsSet("pool.min_pool_size") {
		cfg.Pool.MinPoolSize = viper.GetInt("pool.min_pool_size")
	}
	if viper.IsSet("pool.max_pool_size") {
		cfg.Pool.MaxPoolSize = viper.GetInt("pool.max_pool_size")
	}
	if viper.IsSet("task_timeout_ms") {
		cfg.TaskTimeoutMS = viper.GetInt64("task_timeout_ms")
	}
}
