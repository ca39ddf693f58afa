package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory bookkeeping of session state for one pool.
// It never holds process handles and performs no I/O; every method
// holds the lock for exactly one logical operation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionInfo
	last     time.Time
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*SessionInfo),
		now:      time.Now,
	}
}

// stamp returns a timestamp that never goes backwards. Caller holds r.mu.
func (r *Registry) stamp() time.Time {
	t := r.now()
	if t.Before(r.last) {
		t = r.last
	}
	r.last = t
	return t
}

// Register creates a new session in the starting state.
func (r *Registry) Register(id, projectDir string) (SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	now := r.stamp()
	info := &SessionInfo{
		ID:           id,
		ProjectDir:   projectDir,
		State:        StateStarting,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	r.sessions[id] = info
	return *info, nil
}

// UpdateState moves a session to any non-busy state and clears its task
// binding. Use AssignTask to make a session busy.
func (r *Registry) UpdateState(id string, state State) (SessionInfo, error) {
	if !state.Valid() || state == StateBusy {
		return SessionInfo{}, fmt.Errorf("%w: %s -> %q", ErrInvalidTransition, id, state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	info.State = state
	info.task = nil
	info.LastActiveAt = r.stamp()
	return *info, nil
}

// TransitionState moves a session from one non-busy state to another only
// if it is currently in from. ok is false when the session is missing or
// in a different state.
func (r *Registry) TransitionState(id string, from, to State) (SessionInfo, bool) {
	if to == StateBusy || !to.Valid() {
		return SessionInfo{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok || info.State != from {
		return SessionInfo{}, false
	}
	info.State = to
	info.task = nil
	info.LastActiveAt = r.stamp()
	return *info, true
}

// StopTask moves a busy session to stopping, but only while it is still
// bound to key. The binding is cleared so the key can be bound again at
// once.
func (r *Registry) StopTask(id string, key TaskKey) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok || info.State != StateBusy || info.task == nil || *info.task != key {
		return SessionInfo{}, false
	}
	info.State = StateStopping
	info.task = nil
	info.LastActiveAt = r.stamp()
	return *info, true
}

// UpdatePID records the OS process id once the worker is spawned.
func (r *Registry) UpdatePID(id string, pid int) (SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	info.PID = pid
	return *info, nil
}

// AssignTask binds key to the session and makes it busy. Only idle or
// starting sessions accept a task, and a key may be bound to one session
// at a time.
func (r *Registry) AssignTask(id string, key TaskKey) (SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if info.State != StateIdle && info.State != StateStarting {
		return SessionInfo{}, fmt.Errorf("%w: %s is %s", ErrNotAssignable, id, info.State)
	}
	for otherID, other := range r.sessions {
		if other.task != nil && *other.task == key {
			return SessionInfo{}, fmt.Errorf("%w: %s on %s", ErrTaskAlreadyBound, key, otherID)
		}
	}

	bound := key
	info.State = StateBusy
	info.task = &bound
	info.LastActiveAt = r.stamp()
	return *info, nil
}

// ReleaseTask returns a busy session to idle, clears the binding and
// counts the release.
func (r *Registry) ReleaseTask(id string) (SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if info.State != StateBusy {
		return SessionInfo{}, fmt.Errorf("%w: %s is %s", ErrNotBusy, id, info.State)
	}
	info.State = StateIdle
	info.task = nil
	info.TotalTasksCompleted++
	info.LastActiveAt = r.stamp()
	return *info, nil
}

// Touch refreshes lastActiveAt without changing state.
func (r *Registry) Touch(id string) (SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	info.LastActiveAt = r.stamp()
	return *info, nil
}

// Unregister removes the session. It reports whether anything was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}

// All returns every session ordered by creation time.
func (r *Registry) All() []SessionInfo {
	return r.filter(func(*SessionInfo) bool { return true })
}

// Idle returns the idle sessions ordered by creation time.
func (r *Registry) Idle() []SessionInfo {
	return r.filter(func(s *SessionInfo) bool { return s.State == StateIdle })
}

// Starting returns the sessions whose workers are not ready yet, ordered
// by creation time.
func (r *Registry) Starting() []SessionInfo {
	return r.filter(func(s *SessionInfo) bool { return s.State == StateStarting })
}

// Busy returns the busy sessions ordered by creation time.
func (r *Registry) Busy() []SessionInfo {
	return r.filter(func(s *SessionInfo) bool { return s.State == StateBusy })
}

// ByTask finds the session currently bound to key.
func (r *Registry) ByTask(key TaskKey) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, info := range r.sessions {
		if info.task != nil && *info.task == key {
			return *info, true
		}
	}
	return SessionInfo{}, false
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats counts sessions by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{Total: len(r.sessions)}
	for _, info := range r.sessions {
		switch info.State {
		case StateIdle:
			st.Idle++
		case StateBusy:
			st.Busy++
		case StateStarting:
			st.Starting++
		case StateStopping:
			st.Stopping++
		}
	}
	return st
}

func (r *Registry) filter(keep func(*SessionInfo) bool) []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		if keep(info) {
			out = append(out, *info)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
