package registry

import (
	"encoding/json"
	"errors"
	"time"
)

// State is the externally visible lifecycle state of a session.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
	StateDead     State = "dead"
)

// Valid reports whether s is one of the five known states.
func (s State) Valid() bool {
	switch s {
	case StateStarting, StateIdle, StateBusy, StateStopping, StateDead:
		return true
	}
	return false
}

// Alive reports whether a session in this state still owns a live worker.
func (s State) Alive() bool {
	return s != StateStopping && s != StateDead
}

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already registered")
	ErrNotAssignable     = errors.New("session not assignable")
	ErrNotBusy           = errors.New("session is not busy")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTaskAlreadyBound  = errors.New("task already bound to another session")
)

const taskKeySeparator = ":"

// TaskKey identifies one unit of work: a task within a team.
// It is the unit of dispatch identity.
type TaskKey struct {
	TeamID string
	TaskID string
}

// NewTaskKey builds a TaskKey from its parts.
func NewTaskKey(teamID, taskID string) TaskKey {
	return TaskKey{TeamID: teamID, TaskID: taskID}
}

// String renders the key as "team:task" for logs and display. Keys are
// compared as structs and never parsed back, so ids containing the
// separator stay distinct.
func (k TaskKey) String() string {
	return k.TeamID + taskKeySeparator + k.TaskID
}

// SessionInfo describes one worker slot. Values handed out by the
// registry are copies; mutating them has no effect on the registry.
type SessionInfo struct {
	ID                  string
	ProjectDir          string
	PID                 int // 0 until the worker has been spawned
	State               State
	CreatedAt           time.Time
	LastActiveAt        time.Time
	TotalTasksCompleted int

	// task is set iff State == StateBusy.
	task *TaskKey
}

// CurrentTask returns the bound task key. ok is false unless the session is busy.
func (s SessionInfo) CurrentTask() (TaskKey, bool) {
	if s.State != StateBusy || s.task == nil {
		return TaskKey{}, false
	}
	return *s.task, true
}

type sessionInfoJSON struct {
	ID                  string    `json:"sessionId"`
	ProjectDir          string    `json:"projectDir"`
	PID                 int       `json:"pid,omitempty"`
	State               State     `json:"state"`
	CreatedAt           time.Time `json:"createdAt"`
	LastActiveAt        time.Time `json:"lastActiveAt"`
	CurrentTaskKey      string    `json:"currentTaskKey,omitempty"`
	TotalTasksCompleted int       `json:"totalTasksCompleted"`
}

// MarshalJSON renders the session for observability endpoints.
func (s SessionInfo) MarshalJSON() ([]byte, error) {
	out := sessionInfoJSON{
		ID:                  s.ID,
		ProjectDir:          s.ProjectDir,
		PID:                 s.PID,
		State:               s.State,
		CreatedAt:           s.CreatedAt,
		LastActiveAt:        s.LastActiveAt,
		TotalTasksCompleted: s.TotalTasksCompleted,
	}
	if key, ok := s.CurrentTask(); ok {
		out.CurrentTaskKey = key.String()
	}
	return json.Marshal(out)
}

// Stats summarizes the registry by state.
type Stats struct {
	Total    int `json:"total"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Starting int `json:"starting"`
	Stopping int `json:"stopping"`
}
