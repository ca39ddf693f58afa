package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// TaskKey is "team:task" for task events and "" otherwise.
	TaskKey() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicSession = "session"
)

// Event type constants
const (
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskOutput      = "task.output"
	EventTypeTaskEnded       = "task.ended"
	EventTypeTaskStatus      = "task.status"
	EventTypeSessionsChanged = "sessions.changed"
)

func key(teamID, taskID string) string { return teamID + ":" + taskID }

// TaskStartedEvent is published when a task is bound to a session.
type TaskStartedEvent struct {
	TeamID    string
	TaskID    string
	AgentName string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskKey() string   { return key(e.TeamID, e.TaskID) }

// TaskOutputEvent carries one line of task output.
type TaskOutputEvent struct {
	TeamID    string
	TaskID    string
	Data      string
	Stream    string // "stdout" or "stderr"
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskKey() string   { return key(e.TeamID, e.TaskID) }

// TaskEndedEvent is published once per dispatch when the task finishes,
// fails or is cancelled.
type TaskEndedEvent struct {
	TeamID    string
	TaskID    string
	ExitCode  int
	Signal    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskEndedEvent) EventType() string { return EventTypeTaskEnded }
func (e TaskEndedEvent) TaskKey() string   { return key(e.TeamID, e.TaskID) }

// Success reports a zero exit with no signal.
func (e TaskEndedEvent) Success() bool { return e.ExitCode == 0 && e.Signal == "" }

// TaskStatusEvent is published after a task record's status was persisted.
type TaskStatusEvent struct {
	TeamID    string
	TaskID    string
	Status    string
	Err       error // set when the status write ultimately failed
	Timestamp time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) TaskKey() string   { return key(e.TeamID, e.TaskID) }

// SessionsChangedEvent is published when a project's sessions change state.
type SessionsChangedEvent struct {
	ProjectID string
	Timestamp time.Time
}

func (e SessionsChangedEvent) EventType() string { return EventTypeSessionsChanged }
func (e SessionsChangedEvent) TaskKey() string   { return "" }
