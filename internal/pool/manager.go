package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/officed/internal/registry"
)

// ErrProjectNotFound is returned when the resolver does not know a project.
var ErrProjectNotFound = errors.New("project not found")

// ProjectResolver maps a project id to the directory its workers run in.
type ProjectResolver interface {
	ProjectDir(ctx context.Context, projectID string) (dir string, ok bool, err error)
}

// ProjectResolverFunc adapts a function to ProjectResolver.
type ProjectResolverFunc func(ctx context.Context, projectID string) (string, bool, error)

func (f ProjectResolverFunc) ProjectDir(ctx context.Context, projectID string) (string, bool, error) {
	return f(ctx, projectID)
}

// ManagerConfig configures every pool the manager creates. ProjectDir in
// Pool is ignored; it comes from the resolver.
type ManagerConfig struct {
	Pool     Config
	Resolver ProjectResolver
	Factory  Factory
	Listener Listener
	Logger   *slog.Logger
	// OnChange is called with the project id after any session transition.
	OnChange func(projectID string)
}

// Entry pairs a project's pool with its registry.
type Entry struct {
	ProjectID string
	Pool      *Pool
	Registry  *registry.Registry
}

// ProjectSession is a session annotated with its owning project.
type ProjectSession struct {
	ProjectID string `json:"projectId"`
	registry.SessionInfo
}

// Manager owns one pool per project, created lazily on first use.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	pools map[string]*Entry
	group singleflight.Group
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func(string) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		pools:  make(map[string]*Entry),
	}
}

// SetListener installs the receiver of session events for pools created
// from now on.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Listener = l
}

// GetOrCreatePool returns the project's pool, creating and starting it on
// first use. Concurrent first calls for one project build a single pool.
func (m *Manager) GetOrCreatePool(ctx context.Context, projectID string) (*Entry, error) {
	if entry, ok := m.GetPool(projectID); ok {
		return entry, nil
	}

	v, err, _ := m.group.Do(projectID, func() (interface{}, error) {
		if entry, ok := m.GetPool(projectID); ok {
			return entry, nil
		}

		dir, ok, err := m.cfg.Resolver.ProjectDir(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("resolve project %s: %w", projectID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}

		m.mu.Lock()
		if m.ctx.Err() != nil {
			m.mu.Unlock()
			return nil, ErrShuttingDown
		}
		cfg := m.cfg.Pool
		cfg.ProjectDir = dir
		reg := registry.New()
		logger := m.logger.With("project_id", projectID)
		p := New(cfg, reg, m.cfg.Factory, m.cfg.Listener,
			WithLogger(logger),
			WithOnChange(func() { m.cfg.OnChange(projectID) }),
		)
		entry := &Entry{ProjectID: projectID, Pool: p, Registry: reg}
		m.pools[projectID] = entry
		m.mu.Unlock()

		logger.Info("pool created", "dir", dir, "min", cfg.MinPoolSize, "max", cfg.MaxPoolSize)
		p.Start(m.ctx)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// GetPool looks up an existing pool without creating one.
func (m *Manager) GetPool(projectID string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.pools[projectID]
	return entry, ok
}

// StopPool shuts a project's pool down and forgets it. Unknown projects
// are ignored.
func (m *Manager) StopPool(ctx context.Context, projectID string) {
	m.mu.Lock()
	entry, ok := m.pools[projectID]
	delete(m.pools, projectID)
	m.mu.Unlock()

	if !ok {
		return
	}
	entry.Pool.Shutdown(ctx)
	m.logger.Info("pool stopped", "project_id", projectID)
}

// AllSessions flattens every project's sessions into one list.
func (m *Manager) AllSessions() []ProjectSession {
	var out []ProjectSession
	for _, entry := range m.entries() {
		for _, s := range entry.Registry.All() {
			out = append(out, ProjectSession{ProjectID: entry.ProjectID, SessionInfo: s})
		}
	}
	return out
}

// AllStats returns per-project session counts.
func (m *Manager) AllStats() map[string]registry.Stats {
	out := make(map[string]registry.Stats)
	for _, entry := range m.entries() {
		out[entry.ProjectID] = entry.Pool.Stats()
	}
	return out
}

func (m *Manager) entries() []*Entry {
	m.mu.RLock()
	out := make([]*Entry, 0, len(m.pools))
	for _, entry := range m.pools {
		out = append(out, entry)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Shutdown stops every pool concurrently and clears the map. It always
// completes; pools clean up after themselves on failure.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.cancel()
	pools := m.pools
	m.pools = make(map[string]*Entry)
	m.mu.Unlock()

	var g errgroup.Group
	for _, entry := range pools {
		entry := entry
		g.Go(func() error {
			entry.Pool.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Debug("pool manager shut down", "pools", len(pools))
}
