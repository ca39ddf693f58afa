package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/officed/internal/backend"
	"github.com/aristath/officed/internal/config"
	"github.com/aristath/officed/internal/dispatcher"
	"github.com/aristath/officed/internal/events"
	"github.com/aristath/officed/internal/orchestrator"
	"github.com/aristath/officed/internal/persistence"
	"github.com/aristath/officed/internal/pool"
	"github.com/aristath/officed/internal/taskstore"
)

// app holds the daemon's shared dependencies for one command invocation.
type app struct {
	cfg      *config.Config
	projects *persistence.SQLiteStore
	tasks    *taskstore.Store
	bus      *events.EventBus
	procs    *backend.ProcessManager
	pools    *pool.Manager
	svc      *orchestrator.Service
}

// openApp loads configuration and opens the stores. Pools are created
// lazily, so commands that never dispatch spawn no workers.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	projects, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		projects: projects,
		tasks:    taskstore.New(cfg.TasksDir),
		bus:      events.NewEventBus(),
		procs:    backend.NewProcessManager(),
	}
	a.pools = pool.NewManager(pool.ManagerConfig{
		Pool:     cfg.PoolSettings(),
		Resolver: projects,
		Factory:  pool.BackendFactory(cfg.BackendConfig(), a.procs),
		Logger:   logger,
		OnChange: orchestrator.SessionNotifier(a.bus),
	})
	logger.Debug("stores opened", "tasks_dir", a.tasks.Root(), "db", cfg.DBPath)
	a.svc = orchestrator.NewService(orchestrator.Config{
		Pools:      a.pools,
		Tasks:      a.tasks,
		History:    projects,
		Bus:        a.bus,
		Logger:     logger,
		Dispatcher: []dispatcher.Option{dispatcher.WithTimeout(cfg.TaskTimeout())},
	})
	return a, nil
}

// memoryDB selects a throwaway database that lives for one invocation.
const memoryDB = ":memory:"

func openStore(ctx context.Context, path string) (*persistence.SQLiteStore, error) {
	if path == memoryDB {
		return persistence.NewMemoryStore(ctx)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return persistence.NewSQLiteStore(ctx, path)
}

// close stops every session, flushes pending writes and closes the stores.
func (a *app) close(ctx context.Context) {
	a.svc.Shutdown(ctx)
	if n := a.bus.Dropped(); n > 0 {
		logger.Debug("slow subscribers missed events", "dropped", n)
	}
	a.bus.Close()
	if err := a.projects.Close(); err != nil {
		logger.Warn("closing database failed", "error", err)
	}
}

// resolveProject accepts a project id, a registered path or an empty
// string, which registers the working directory on first use.
func (a *app) resolveProject(ctx context.Context, ref string) (persistence.Project, error) {
	if ref == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return persistence.Project{}, fmt.Errorf("getting working directory: %w", err)
		}
		return a.projects.EnsureDefaultProject(ctx, cwd)
	}
	if p, err := a.projects.GetProject(ctx, ref); err == nil {
		return p, nil
	}
	return a.projects.GetProjectByPath(ctx, ref)
}
