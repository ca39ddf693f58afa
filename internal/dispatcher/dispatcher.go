package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aristath/officed/internal/backend"
	"github.com/aristath/officed/internal/pool"
	"github.com/aristath/officed/internal/registry"
)

// maxAssignAttempts bounds retries when an acquired session is taken or
// dies before the task can be bound to it.
const maxAssignAttempts = 3

// execution is the dispatcher's record of one task key. It is created as a
// reservation before any I/O and becomes bound once a session is assigned.
type execution struct {
	key       registry.TaskKey
	agentName string
	projectID string
	sessionID string
	startedAt time.Time
	timer     *time.Timer
	bound     bool
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides the per-task timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) { disp.logger = l }
}

// Dispatcher maps (team, task) work onto pooled sessions and turns session
// events back into task events.
type Dispatcher struct {
	pools   *pool.Manager
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	out     *delivery

	mu        sync.Mutex
	active    map[registry.TaskKey]*execution
	bySession map[string]registry.TaskKey
	closed    bool
}

// New creates a dispatcher on top of pools and registers itself as the
// pools' listener. Events are delivered to handler.
func New(pools *pool.Manager, handler Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pools:     pools,
		timeout:   DefaultTaskTimeout,
		logger:    slog.Default(),
		now:       time.Now,
		active:    make(map[registry.TaskKey]*execution),
		bySession: make(map[string]registry.TaskKey),
	}
	for _, opt := range opts {
		opt(d)
	}
	if handler == nil {
		handler = NopHandler{}
	}
	d.out = newDelivery(handler, d.logger)
	pools.SetListener(d)
	return d
}

// Pools returns the underlying pool manager.
func (d *Dispatcher) Pools() *pool.Manager {
	return d.pools
}

// Dispatch binds the task to a session and forwards its prompt. A task key
// already in flight is rejected, never run twice.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	key := registry.NewTaskKey(req.TeamID, req.TaskID)
	reject := func(sessionID, reason string) Result {
		return Result{SessionID: sessionID, TaskKey: key, Reason: reason}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return reject("", ReasonShuttingDown)
	}
	if _, inFlight := d.active[key]; inFlight {
		d.mu.Unlock()
		return reject("", ReasonAlreadyRunning)
	}
	if req.ProjectID == "" {
		d.mu.Unlock()
		return reject("", ReasonNoProject)
	}
	exec := &execution{key: key, agentName: req.AgentName, projectID: req.ProjectID}
	d.active[key] = exec
	d.mu.Unlock()

	unreserve := func() {
		d.mu.Lock()
		if d.active[key] == exec {
			delete(d.active, key)
		}
		d.mu.Unlock()
	}

	entry, err := d.pools.GetOrCreatePool(ctx, req.ProjectID)
	if err != nil {
		unreserve()
		if errors.Is(err, pool.ErrProjectNotFound) {
			return reject("", ReasonProjectNotFound+req.ProjectID)
		}
		d.logger.Warn("pool unavailable", "project_id", req.ProjectID, "error", err)
		return reject("", fmt.Sprintf("Failed to open pool: %v", err))
	}

	info, err := d.acquire(entry, key, req.PreferNewSession)
	if err != nil {
		unreserve()
		switch {
		case errors.Is(err, pool.ErrExhausted), errors.Is(err, pool.ErrCapacity):
			return reject("", ReasonExhausted)
		case errors.Is(err, registry.ErrNotAssignable), errors.Is(err, registry.ErrSessionNotFound),
			errors.Is(err, registry.ErrTaskAlreadyBound):
			return reject(info.ID, fmt.Sprintf("Failed to assign task: %v", err))
		default:
			return reject("", fmt.Sprintf("Failed to spawn session: %v", err))
		}
	}

	d.mu.Lock()
	if d.active[key] != exec {
		// Shutdown cleared the reservation while we were acquiring.
		d.mu.Unlock()
		entry.Registry.ReleaseTask(info.ID)
		return reject(info.ID, ReasonShuttingDown)
	}
	exec.sessionID = info.ID
	exec.startedAt = d.now()
	exec.bound = true
	exec.timer = time.AfterFunc(d.timeout, func() { d.expire(exec) })
	d.bySession[info.ID] = key
	start := Start{
		AgentName: req.AgentName,
		ProjectID: req.ProjectID,
		SessionID: info.ID,
		StartedAt: exec.startedAt,
	}
	d.out.push(func(h Handler) { h.OnStart(key.TeamID, key.TaskID, start) })
	d.mu.Unlock()

	d.logger.Info("task dispatched", "task_key", key.String(), "session_id", info.ID, "project_id", req.ProjectID)

	if !entry.Pool.SendToSession(info.ID, req.Prompt) {
		d.mu.Lock()
		owned := d.finish(exec)
		if owned {
			d.emitEnd(key, messageSendFailed, End{ExitCode: 1})
		}
		d.mu.Unlock()
		if owned {
			if _, err := entry.Registry.ReleaseTask(info.ID); err != nil {
				d.logger.Debug("release after failed send", "session_id", info.ID, "error", err)
			}
		}
		return reject(info.ID, ReasonSendFailed)
	}

	return Result{SessionID: info.ID, TaskKey: key, Dispatched: true}
}

// acquire finds a session and binds key to it, retrying if the chosen
// session is taken or dies in between.
func (d *Dispatcher) acquire(entry *pool.Entry, key registry.TaskKey, preferNew bool) (registry.SessionInfo, error) {
	var lastErr error
	for attempt := 0; attempt < maxAssignAttempts; attempt++ {
		var info registry.SessionInfo
		var err error
		if preferNew {
			info, err = entry.Pool.SpawnNew()
		} else {
			info, err = entry.Pool.GetOrSpawn()
		}
		if err != nil {
			return registry.SessionInfo{}, err
		}

		bound, err := entry.Registry.AssignTask(info.ID, key)
		if err == nil {
			return bound, nil
		}
		lastErr = err
		if errors.Is(err, registry.ErrTaskAlreadyBound) {
			return info, err
		}
		d.logger.Debug("session lost before assignment, retrying", "session_id", info.ID, "error", err)
	}
	return registry.SessionInfo{}, lastErr
}

// finish drops exec's tracking and timer if it is still current. Caller
// holds d.mu.
func (d *Dispatcher) finish(exec *execution) bool {
	if d.active[exec.key] != exec {
		return false
	}
	if exec.timer != nil {
		exec.timer.Stop()
	}
	delete(d.active, exec.key)
	if exec.bound && d.bySession[exec.sessionID] == exec.key {
		delete(d.bySession, exec.sessionID)
	}
	return true
}

// emitEnd queues an optional stderr line followed by the end event. Caller
// holds d.mu.
func (d *Dispatcher) emitEnd(key registry.TaskKey, stderrLine string, end End) {
	if stderrLine != "" {
		d.out.push(func(h Handler) { h.OnOutput(key.TeamID, key.TaskID, stderrLine, backend.StreamStderr) })
	}
	d.out.push(func(h Handler) { h.OnEnd(key.TeamID, key.TaskID, end) })
}

// expire runs when a task's timeout fires.
func (d *Dispatcher) expire(exec *execution) {
	d.mu.Lock()
	if !d.finish(exec) {
		d.mu.Unlock()
		return
	}
	kill := d.claimSession(exec)
	d.emitEnd(exec.key, timeoutMessage(d.timeout), End{ExitCode: 1, Signal: SignalTerm})
	d.mu.Unlock()

	d.logger.Warn("task timed out", "task_key", exec.key.String(), "session_id", exec.sessionID, "timeout", d.timeout)
	kill()
}

// claimSession marks exec's session stopping, if it is still running
// exec's task, and returns the kill to run once d.mu is released. The
// binding is gone before the end event is queued, so the key can be
// dispatched again as soon as the end is seen. A session that was already
// released, and possibly rebound to other work, is left alone. Caller
// holds d.mu.
func (d *Dispatcher) claimSession(exec *execution) func() {
	entry, ok := d.pools.GetPool(exec.projectID)
	if !ok || !exec.bound {
		return func() {}
	}
	if _, ok := entry.Registry.StopTask(exec.sessionID, exec.key); !ok {
		return func() {}
	}
	return func() { entry.Pool.CancelSession(exec.sessionID) }
}

func timeoutMessage(timeout time.Duration) string {
	if timeout >= time.Minute && timeout%time.Minute == 0 {
		return fmt.Sprintf("Task timed out after %d minutes", int(timeout/time.Minute))
	}
	return fmt.Sprintf("Task timed out after %s", timeout)
}

// SessionOutput forwards a session's output to its bound task. Output from
// a session with no bound task is dropped.
func (d *Dispatcher) SessionOutput(sessionID, data string, stream backend.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key, ok := d.bySession[sessionID]
	if !ok {
		return
	}
	d.out.push(func(h Handler) { h.OnOutput(key.TeamID, key.TaskID, data, stream) })
}

// TaskComplete ends key successfully if it is still running on the
// session. The pool has already released the session.
func (d *Dispatcher) TaskComplete(sessionID string, key registry.TaskKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exec := d.active[key]
	if exec == nil || !exec.bound || exec.sessionID != sessionID {
		return
	}
	if d.finish(exec) {
		d.emitEnd(key, "", End{ExitCode: 0})
		d.logger.Info("task completed", "task_key", key.String(), "session_id", sessionID)
	}
}

// SessionDied fails the task bound to a session that went away.
func (d *Dispatcher) SessionDied(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var found *execution
	for _, exec := range d.active {
		if exec.bound && exec.sessionID == sessionID {
			found = exec
			break
		}
	}
	if found == nil || !d.finish(found) {
		return
	}
	d.emitEnd(found.key, messageSessionDied, End{ExitCode: 1})
	d.logger.Warn("task failed: session died", "task_key", found.key.String(), "session_id", sessionID)
}

// Cancel kills the session running the task and ends it with SIGTERM. It
// reports whether a running task was cancelled.
func (d *Dispatcher) Cancel(teamID, taskID string) bool {
	key := registry.NewTaskKey(teamID, taskID)

	d.mu.Lock()
	exec, ok := d.active[key]
	if !ok || !exec.bound {
		d.mu.Unlock()
		return false
	}
	d.finish(exec)
	kill := d.claimSession(exec)
	d.emitEnd(key, "", End{ExitCode: ExitNone, Signal: SignalTerm})
	d.mu.Unlock()

	d.logger.Info("task cancelled", "task_key", key.String(), "session_id", exec.sessionID)
	kill()
	return true
}

// IsDispatched reports whether the task is in flight.
func (d *Dispatcher) IsDispatched(teamID, taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[registry.NewTaskKey(teamID, taskID)]
	return ok
}

// SessionForTask returns the session running the task.
func (d *Dispatcher) SessionForTask(teamID, taskID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exec, ok := d.active[registry.NewTaskKey(teamID, taskID)]
	if !ok || !exec.bound {
		return "", false
	}
	return exec.sessionID, true
}

// Execution returns a snapshot of one bound task.
func (d *Dispatcher) Execution(teamID, taskID string) (Execution, bool) {
	d.mu.Lock()
	exec, ok := d.active[registry.NewTaskKey(teamID, taskID)]
	if !ok || !exec.bound {
		d.mu.Unlock()
		return Execution{}, false
	}
	out := exec.snapshot()
	d.mu.Unlock()

	d.resolvePID(&out)
	return out, true
}

// ActiveExecutions snapshots every bound task, with worker pids resolved
// through the owning pool.
func (d *Dispatcher) ActiveExecutions() []Execution {
	d.mu.Lock()
	out := make([]Execution, 0, len(d.active))
	for _, exec := range d.active {
		if exec.bound {
			out = append(out, exec.snapshot())
		}
	}
	d.mu.Unlock()

	for i := range out {
		d.resolvePID(&out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (exec *execution) snapshot() Execution {
	return Execution{
		TeamID:    exec.key.TeamID,
		TaskID:    exec.key.TaskID,
		AgentName: exec.agentName,
		ProjectID: exec.projectID,
		SessionID: exec.sessionID,
		StartedAt: exec.startedAt,
		Status:    "running",
	}
}

func (d *Dispatcher) resolvePID(ex *Execution) {
	if entry, ok := d.pools.GetPool(ex.ProjectID); ok {
		if info, ok := entry.Registry.Get(ex.SessionID); ok {
			ex.PID = info.PID
		}
	}
}

// Shutdown clears every pending timeout and tracking entry, shuts down all
// pools and flushes queued events. No end events are emitted for tasks
// that were still running.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, exec := range d.active {
		if exec.timer != nil {
			exec.timer.Stop()
		}
	}
	d.active = make(map[registry.TaskKey]*execution)
	d.bySession = make(map[string]registry.TaskKey)
	d.mu.Unlock()

	d.pools.Shutdown(ctx)
	d.out.close()
}
