package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/officed/internal/backend"
	"github.com/aristath/officed/internal/registry"
)

var (
	// ErrCapacity is returned by SpawnNew when the pool is at maxPoolSize.
	ErrCapacity = errors.New("max pool size reached")
	// ErrExhausted is returned by GetOrSpawn when no idle session exists
	// and the pool is at capacity.
	ErrExhausted = errors.New("no sessions available")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("pool is shutting down")
)

// Config sizes and paces one project's pool. It is fixed at creation.
type Config struct {
	MinPoolSize         int
	MaxPoolSize         int
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	ProjectDir          string
	StopTimeout         time.Duration // bound on each graceful stop during eviction and shutdown
}

// DefaultConfig returns the pool sizing used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MinPoolSize:         1,
		MaxPoolSize:         5,
		IdleTimeout:         15 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		StopTimeout:         10 * time.Second,
	}
}

// Handle is the pool's view of a supervised worker.
type Handle interface {
	Start() error
	Send(prompt string) bool
	Stop(ctx context.Context) error
	Kill()
	Alive() bool
	PID() int
}

// Factory builds a worker handle for a new session.
type Factory func(sessionID, projectDir string, observer backend.Observer) Handle

// BackendFactory launches real workers from cfg, tracked by pm.
func BackendFactory(cfg backend.Config, pm *backend.ProcessManager) Factory {
	return func(sessionID, projectDir string, observer backend.Observer) Handle {
		c := cfg
		c.WorkDir = projectDir
		return backend.NewProcess(sessionID, c, observer, pm)
	}
}

// Listener receives session events that matter above the pool. Calls come
// from worker reader goroutines and must not block.
type Listener interface {
	SessionOutput(sessionID, data string, stream backend.Stream)
	TaskComplete(sessionID string, key registry.TaskKey)
	SessionDied(sessionID string)
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithOnChange registers a hook invoked after any session transition.
func WithOnChange(fn func()) Option {
	return func(p *Pool) { p.onChange = fn }
}

// Pool owns the live worker handles for one project and keeps the number
// of sessions between MinPoolSize and MaxPoolSize.
type Pool struct {
	cfg      Config
	registry *registry.Registry
	factory  Factory
	listener Listener
	breaker  *gobreaker.TwoStepCircuitBreaker
	logger   *slog.Logger
	onChange func()
	now      func() time.Time

	mu           sync.Mutex // guards handles and shuttingDown; serializes spawn admission
	handles      map[string]Handle
	pending      map[string]func(success bool) // spawn outcomes not yet reported to the breaker
	shuttingDown bool

	cancel context.CancelFunc
	loop   sync.WaitGroup
}

// New creates a pool. Call Start to begin maintenance.
func New(cfg Config, reg *registry.Registry, factory Factory, listener Listener, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg,
		registry: reg,
		factory:  factory,
		listener: listener,
		logger:   slog.Default(),
		onChange: func() {},
		now:      time.Now,
		handles:  make(map[string]Handle),
		pending:  make(map[string]func(bool)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.listener == nil {
		p.listener = nopListener{}
	}
	p.breaker = newSpawnBreaker(cfg.ProjectDir, p.logger)
	p.logger = p.logger.With("project_dir", cfg.ProjectDir)
	return p
}

// Registry exposes the pool's session registry.
func (p *Pool) Registry() *registry.Registry {
	return p.registry
}

// Config returns the pool's configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Start launches the health-check loop and performs an initial replenishment.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	if p.cfg.HealthCheckInterval > 0 {
		p.loop.Add(1)
		go func() {
			defer p.loop.Done()
			ticker := time.NewTicker(p.cfg.HealthCheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.HealthCheck(ctx)
				}
			}
		}()
	}

	p.replenish()
}

// SpawnNew registers a session in the starting state and launches its
// worker. The returned session becomes idle once the worker is ready.
//
// A spawn counts as a success for the spawn breaker only once the worker
// reports ready. A worker that exits while still starting counts as a
// failure, the same as one that cannot be launched.
func (p *Pool) SpawnNew() (registry.SessionInfo, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return registry.SessionInfo{}, ErrShuttingDown
	}
	if p.registry.Count() >= p.cfg.MaxPoolSize {
		p.mu.Unlock()
		return registry.SessionInfo{}, fmt.Errorf("%w (%d)", ErrCapacity, p.cfg.MaxPoolSize)
	}
	done, err := p.breaker.Allow()
	if err != nil {
		p.mu.Unlock()
		return registry.SessionInfo{}, fmt.Errorf("spawn session: %w", err)
	}

	id := uuid.NewString()
	info, err := p.registry.Register(id, p.cfg.ProjectDir)
	if err != nil {
		p.mu.Unlock()
		done(true)
		return registry.SessionInfo{}, err
	}
	h := p.factory(id, p.cfg.ProjectDir, sessionObserver{pool: p})
	p.handles[id] = h
	p.pending[id] = done
	p.mu.Unlock()

	if err := h.Start(); err != nil {
		p.settle(id, false)
		p.discard(id)
		p.notify()
		return registry.SessionInfo{}, fmt.Errorf("spawn session: %w", err)
	}

	if pid := h.PID(); pid != 0 {
		if updated, err := p.registry.UpdatePID(id, pid); err == nil {
			info = updated
		}
	}
	p.logger.Debug("session spawned", "session_id", id, "pid", info.PID)
	p.notify()
	return info, nil
}

// settle reports a spawn's outcome to the breaker once.
func (p *Pool) settle(id string, success bool) {
	p.mu.Lock()
	done, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if ok {
		done(success)
	}
}

// AcquireIdle returns the most recently active idle session.
func (p *Pool) AcquireIdle() (registry.SessionInfo, bool) {
	idle := p.registry.Idle()
	if len(idle) == 0 {
		return registry.SessionInfo{}, false
	}
	best := idle[0]
	for _, s := range idle[1:] {
		if s.LastActiveAt.After(best.LastActiveAt) {
			best = s
		}
	}
	return best, true
}

// GetOrSpawn prefers an idle session, then a session that is still
// starting, and otherwise spawns one. It returns ErrExhausted when the pool
// is at capacity with nothing idle or starting.
func (p *Pool) GetOrSpawn() (registry.SessionInfo, error) {
	if info, ok := p.AcquireIdle(); ok {
		return info, nil
	}
	if info, ok := p.acquireStarting(); ok {
		return info, nil
	}
	info, err := p.SpawnNew()
	if errors.Is(err, ErrCapacity) {
		return registry.SessionInfo{}, ErrExhausted
	}
	return info, err
}

// acquireStarting returns the newest session whose worker is still warming
// up. Starting sessions hold no task, and prompts sent before the worker
// is ready wait on its stdin.
func (p *Pool) acquireStarting() (registry.SessionInfo, bool) {
	starting := p.registry.Starting()
	if len(starting) == 0 {
		return registry.SessionInfo{}, false
	}
	return starting[len(starting)-1], true
}

func (p *Pool) handle(id string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[id]
	return h, ok
}

// SendToSession forwards a prompt to the session's worker.
func (p *Pool) SendToSession(id, prompt string) bool {
	h, ok := p.handle(id)
	if !ok {
		return false
	}
	if !h.Send(prompt) {
		return false
	}
	p.registry.Touch(id)
	return true
}

// CancelSession kills the session's worker immediately. The session is
// marked stopping so it cannot be acquired while the exit is processed.
func (p *Pool) CancelSession(id string) bool {
	h, ok := p.handle(id)
	if !ok {
		return false
	}
	p.registry.UpdateState(id, registry.StateStopping)
	h.Kill()
	p.notify()
	return true
}

// StopSession gracefully stops a session, unregisters it and replenishes.
func (p *Pool) StopSession(ctx context.Context, id string) error {
	h, ok := p.handle(id)
	if !ok {
		return nil
	}
	p.registry.UpdateState(id, registry.StateStopping)
	p.notify()

	err := h.Stop(ctx)
	p.discard(id)
	p.notify()
	p.replenish()
	if err != nil {
		return fmt.Errorf("stop session %s: %w", id, err)
	}
	return nil
}

// discard removes every trace of a session.
func (p *Pool) discard(id string) {
	p.settle(id, true)
	p.mu.Lock()
	delete(p.handles, id)
	p.mu.Unlock()
	if _, err := p.registry.UpdateState(id, registry.StateDead); err == nil {
		p.registry.Unregister(id)
	}
}

// HealthCheck reclassifies crashed sessions, evicts excess idle sessions
// and replenishes toward the floor.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	handles := make(map[string]Handle, len(p.handles))
	for id, h := range p.handles {
		handles[id] = h
	}
	p.mu.Unlock()

	for id, h := range handles {
		info, ok := p.registry.Get(id)
		if !ok {
			p.mu.Lock()
			delete(p.handles, id)
			p.mu.Unlock()
			continue
		}
		if !h.Alive() && info.State != registry.StateDead {
			p.logger.Warn("session found dead during health check", "session_id", id, "state", info.State)
			p.settle(id, info.State != registry.StateStarting)
			p.discard(id)
			p.listener.SessionDied(id)
			p.notify()
		}
	}

	p.evictIdle(ctx)
	p.replenish()
}

func (p *Pool) evictIdle(ctx context.Context) {
	if p.cfg.IdleTimeout <= 0 {
		return
	}

	idle := p.registry.Idle()
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActiveAt.Before(idle[j].LastActiveAt)
	})

	idleCount := len(idle)
	now := p.now()
	for _, s := range idle {
		if idleCount <= p.cfg.MinPoolSize {
			return
		}
		if now.Sub(s.LastActiveAt) <= p.cfg.IdleTimeout {
			continue
		}
		// Claim the session first; a dispatcher may have taken it meanwhile.
		if _, ok := p.registry.TransitionState(s.ID, registry.StateIdle, registry.StateStopping); !ok {
			continue
		}
		idleCount--
		p.logger.Info("evicting idle session", "session_id", s.ID, "idle_for", now.Sub(s.LastActiveAt).Round(time.Second))

		h, ok := p.handle(s.ID)
		if ok {
			stopCtx, cancel := p.stopContext(ctx)
			if err := h.Stop(stopCtx); err != nil {
				p.logger.Warn("idle eviction stop failed", "session_id", s.ID, "error", err)
				h.Kill()
			}
			cancel()
		}
		p.discard(s.ID)
		p.notify()
	}
}

func (p *Pool) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StopTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.StopTimeout)
	}
	return context.WithCancel(ctx)
}

// replenish tops the pool up toward MinPoolSize. Starting sessions count
// as pending idle capacity. Failures are logged and swallowed.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	st := p.registry.Stats()
	p.mu.Unlock()

	toCreate := min(p.cfg.MinPoolSize-(st.Idle+st.Starting), p.cfg.MaxPoolSize-st.Total)
	for i := 0; i < toCreate; i++ {
		if _, err := p.SpawnNew(); err != nil {
			switch {
			case errors.Is(err, ErrShuttingDown):
			case IsBreakerOpen(err):
				p.logger.Debug("replenishment skipped, spawn breaker open", "error", err)
			default:
				p.logger.Warn("replenishment spawn failed", "error", err)
			}
			return
		}
	}
}

// Stats counts the pool's sessions by state.
func (p *Pool) Stats() registry.Stats {
	return p.registry.Stats()
}

// Shutdown stops the health-check loop and stops every worker concurrently.
// Individual failures fall back to Kill and are logged; Shutdown itself
// always completes.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	cancel := p.cancel
	handles := make(map[string]Handle, len(p.handles))
	for id, h := range p.handles {
		handles[id] = h
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.loop.Wait()

	var g errgroup.Group
	for id, h := range handles {
		id, h := id, h
		p.registry.UpdateState(id, registry.StateStopping)
		g.Go(func() error {
			stopCtx, cancel := p.stopContext(ctx)
			defer cancel()
			if err := h.Stop(stopCtx); err != nil {
				h.Kill()
				return fmt.Errorf("session %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("pool shutdown incomplete", "error", err)
	}

	for id := range handles {
		p.discard(id)
	}
	p.notify()
}

func (p *Pool) notify() {
	p.onChange()
}

// sessionObserver adapts worker callbacks to pool bookkeeping.
type sessionObserver struct {
	pool *Pool
}

func (o sessionObserver) OnOutput(sessionID, data string, stream backend.Stream) {
	o.pool.listener.SessionOutput(sessionID, data, stream)
}

func (o sessionObserver) OnReady(sessionID string) {
	o.pool.settle(sessionID, true)
	if _, ok := o.pool.registry.TransitionState(sessionID, registry.StateStarting, registry.StateIdle); ok {
		o.pool.notify()
	}
}

// OnResult frees the session before the task is reported complete, so the
// task key can be dispatched again as soon as its end event is seen.
func (o sessionObserver) OnResult(sessionID, _ string) {
	p := o.pool
	info, ok := p.registry.Get(sessionID)
	if !ok {
		return
	}
	key, bound := info.CurrentTask()
	if !bound {
		return
	}
	if _, err := p.registry.ReleaseTask(sessionID); err != nil {
		// Cancelled or timed out in the meantime; that path owns the end.
		p.logger.Debug("release after result failed", "session_id", sessionID, "error", err)
		return
	}
	p.notify()
	p.listener.TaskComplete(sessionID, key)
}

func (o sessionObserver) OnExit(sessionID string, status backend.ExitStatus) {
	p := o.pool

	p.mu.Lock()
	delete(p.handles, sessionID)
	p.mu.Unlock()

	info, known := p.registry.Get(sessionID)
	// An exit before ready is a failed spawn. The floor is restored by the
	// next health check, never from here, so a worker that dies on launch
	// cannot fork-loop.
	p.settle(sessionID, !(known && info.State == registry.StateStarting))
	if known {
		p.registry.UpdateState(sessionID, registry.StateDead)
		p.registry.Unregister(sessionID)
		if info.State != registry.StateStopping {
			p.logger.Warn("session exited", "session_id", sessionID, "state", info.State,
				"code", status.Code, "signal", status.Signal)
		}
		p.listener.SessionDied(sessionID)
	}
	p.notify()
}

type nopListener struct{}

func (nopListener) SessionOutput(string, string, backend.Stream) {}
func (nopListener) TaskComplete(string, registry.TaskKey)        {}
func (nopListener) SessionDied(string)                           {}
