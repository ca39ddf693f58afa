package dispatcher

import (
	"time"

	"github.com/aristath/officed/internal/backend"
	"github.com/aristath/officed/internal/registry"
)

// DefaultTaskTimeout bounds a single task's wall-clock run time.
const DefaultTaskTimeout = 10 * time.Minute

// Rejection reasons returned in Result.Reason.
const (
	ReasonAlreadyRunning  = "Task already running"
	ReasonNoProject       = "No projectId specified"
	ReasonProjectNotFound = "Project not found: "
	ReasonExhausted       = "No sessions available (pool exhausted)"
	ReasonSendFailed      = "Failed to send message to session"
	ReasonShuttingDown    = "Dispatcher is shutting down"
)

// Synthetic stderr lines emitted on abnormal ends.
const (
	messageSessionDied = "Session died unexpectedly"
	messageSendFailed  = "Failed to deliver task to session"
)

// Signal markers on End.
const (
	SignalTerm = "SIGTERM"
)

// ExitNone is the exit code reported when a task was cancelled and no
// process exit code applies.
const ExitNone = -1

// Request asks for one task to be run in a project's pool.
type Request struct {
	TeamID           string
	TaskID           string
	AgentName        string
	Prompt           string
	ProjectID        string
	PreferNewSession bool
}

// Result reports the outcome of Dispatch.
type Result struct {
	SessionID  string           `json:"sessionId,omitempty"`
	TaskKey    registry.TaskKey `json:"-"`
	Dispatched bool             `json:"dispatched"`
	Reason     string           `json:"reason,omitempty"`
}

// End describes how a dispatched task finished.
type End struct {
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

// Success reports a zero exit with no signal.
func (e End) Success() bool {
	return e.ExitCode == 0 && e.Signal == ""
}

// Start describes a task that has just been bound to a session.
type Start struct {
	AgentName string    `json:"agentName"`
	ProjectID string    `json:"projectId"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// Execution is a snapshot of one in-flight task.
type Execution struct {
	TeamID    string    `json:"teamId"`
	TaskID    string    `json:"taskId"`
	AgentName string    `json:"agentName"`
	ProjectID string    `json:"projectId"`
	SessionID string    `json:"sessionId"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Status    string    `json:"status"`
}

// Handler receives task-shaped events. Calls come from one goroutine, in
// emission order: OnStart precedes a task's output and OnEnd is its last
// event. Implementations should return quickly.
type Handler interface {
	OnStart(teamID, taskID string, start Start)
	OnOutput(teamID, taskID, data string, stream backend.Stream)
	OnEnd(teamID, taskID string, end End)
}

// NopHandler discards every event.
type NopHandler struct{}

func (NopHandler) OnStart(string, string, Start)                   {}
func (NopHandler) OnOutput(string, string, string, backend.Stream) {}
func (NopHandler) OnEnd(string, string, End)                       {}
