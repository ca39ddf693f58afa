// Package orchestrator wires the dispatcher to the rest of the daemon:
// task events go to the event bus, task records follow the execution
// lifecycle and finished executions land in the history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aristath/officed/internal/backend"
	"github.com/aristath/officed/internal/dispatcher"
	"github.com/aristath/officed/internal/events"
	"github.com/aristath/officed/internal/persistence"
	"github.com/aristath/officed/internal/pool"
	"github.com/aristath/officed/internal/registry"
	"github.com/aristath/officed/internal/taskstore"
)

// ReasonPromptRequired rejects a run with nothing to send.
const ReasonPromptRequired = "Prompt is required"

// HistoryRecorder stores finished executions.
type HistoryRecorder interface {
	RecordExecution(ctx context.Context, rec persistence.ExecutionRecord) (int64, error)
}

// Config wires a Service.
type Config struct {
	Pools      *pool.Manager
	Tasks      *taskstore.Store
	History    HistoryRecorder // optional
	Bus        *events.EventBus
	Logger     *slog.Logger
	Retry      RetryConfig
	Dispatcher []dispatcher.Option
}

// RunRequest asks for a task to be executed. An empty Prompt is built from
// the task record; an empty AgentName falls back to the record's owner.
type RunRequest struct {
	TeamID           string
	TaskID           string
	AgentName        string
	ProjectID        string
	Prompt           string
	PreferNewSession bool
}

// run tracks one execution between its start and end events.
type run struct {
	agentName string
	projectID string
	sessionID string
	startedAt time.Time
}

// Service owns the dispatcher and implements its event handler.
type Service struct {
	dispatcher *dispatcher.Dispatcher
	tasks      *taskstore.Store
	history    HistoryRecorder
	bus        *events.EventBus
	logger     *slog.Logger
	writer     *writer
	now        func() time.Time

	mu   sync.Mutex
	runs map[registry.TaskKey]run
}

// NewService builds the dispatcher on top of cfg.Pools with the service as
// its handler.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	s := &Service{
		tasks:   cfg.Tasks,
		history: cfg.History,
		bus:     cfg.Bus,
		logger:  logger,
		writer:  newWriter(256, retry, logger),
		now:     time.Now,
		runs:    make(map[registry.TaskKey]run),
	}
	opts := append([]dispatcher.Option{dispatcher.WithLogger(logger)}, cfg.Dispatcher...)
	s.dispatcher = dispatcher.New(cfg.Pools, s, opts...)
	return s
}

// SessionNotifier returns a pool change hook that publishes
// sessions.changed events on bus.
func SessionNotifier(bus *events.EventBus) func(projectID string) {
	return func(projectID string) {
		bus.Publish(events.TopicSession, events.SessionsChangedEvent{ProjectID: projectID, Timestamp: time.Now()})
	}
}

// Dispatcher exposes the underlying dispatcher.
func (s *Service) Dispatcher() *dispatcher.Dispatcher {
	return s.dispatcher
}

// Run dispatches a task.
func (s *Service) Run(ctx context.Context, req RunRequest) dispatcher.Result {
	prompt := strings.TrimSpace(req.Prompt)
	agent := req.AgentName
	if (prompt == "" || agent == "") && s.tasks != nil {
		task, err := s.tasks.Get(req.TeamID, req.TaskID)
		switch {
		case err == nil:
			if prompt == "" {
				prompt = taskPrompt(task)
			}
			if agent == "" {
				agent = task.Owner
			}
		case prompt == "":
			return dispatcher.Result{
				TaskKey: registry.NewTaskKey(req.TeamID, req.TaskID),
				Reason:  fmt.Sprintf("Failed to load task: %v", err),
			}
		}
	}
	if prompt == "" {
		return dispatcher.Result{TaskKey: registry.NewTaskKey(req.TeamID, req.TaskID), Reason: ReasonPromptRequired}
	}

	res := s.dispatcher.Dispatch(ctx, dispatcher.Request{
		TeamID:           req.TeamID,
		TaskID:           req.TaskID,
		AgentName:        agent,
		Prompt:           prompt,
		ProjectID:        req.ProjectID,
		PreferNewSession: req.PreferNewSession,
	})
	if !res.Dispatched {
		s.logger.Info("dispatch rejected", "task_key", res.TaskKey.String(), "reason", res.Reason)
	}
	return res
}

func taskPrompt(task taskstore.Task) string {
	if task.Description == "" {
		return task.Subject
	}
	return task.Subject + "\n\n" + task.Description
}

// Cancel stops a running task.
func (s *Service) Cancel(teamID, taskID string) bool {
	return s.dispatcher.Cancel(teamID, taskID)
}

// DeleteTask cancels any active execution of the task, then removes its
// record.
func (s *Service) DeleteTask(teamID, taskID string) error {
	if s.dispatcher.IsDispatched(teamID, taskID) {
		s.dispatcher.Cancel(teamID, taskID)
	}
	if s.tasks == nil {
		return errors.New("no task store configured")
	}
	return s.tasks.Delete(teamID, taskID)
}

// ActiveExecutions lists running tasks.
func (s *Service) ActiveExecutions() []dispatcher.Execution {
	return s.dispatcher.ActiveExecutions()
}

// Shutdown stops dispatching, marks still-running tasks blocked, stops every
// pool and flushes pending writes.
func (s *Service) Shutdown(ctx context.Context) {
	// Flushes queued events, so runs now holds only tasks that never ended.
	s.dispatcher.Shutdown(ctx)

	s.mu.Lock()
	interrupted := make([]registry.TaskKey, 0, len(s.runs))
	for key := range s.runs {
		interrupted = append(interrupted, key)
	}
	s.runs = make(map[registry.TaskKey]run)
	s.mu.Unlock()

	for _, key := range interrupted {
		s.logger.Info("task interrupted by shutdown", "task_key", key.String())
		s.submitStatus(key.TeamID, key.TaskID, taskstore.StatusBlocked)
	}
	s.writer.stop(ctx)
}

// OnStart implements dispatcher.Handler.
func (s *Service) OnStart(teamID, taskID string, start dispatcher.Start) {
	key := registry.NewTaskKey(teamID, taskID)
	r := run{
		agentName: start.AgentName,
		projectID: start.ProjectID,
		sessionID: start.SessionID,
		startedAt: start.StartedAt,
	}
	if r.startedAt.IsZero() {
		r.startedAt = s.now()
	}
	s.mu.Lock()
	s.runs[key] = r
	s.mu.Unlock()

	s.publish(events.TopicTask, events.TaskStartedEvent{
		TeamID:    teamID,
		TaskID:    taskID,
		AgentName: start.AgentName,
		Timestamp: r.startedAt,
	})
	s.submitStatus(teamID, taskID, taskstore.StatusInProgress)
}

// OnOutput implements dispatcher.Handler.
func (s *Service) OnOutput(teamID, taskID, data string, stream backend.Stream) {
	s.publish(events.TopicTask, events.TaskOutputEvent{
		TeamID:    teamID,
		TaskID:    taskID,
		Data:      data,
		Stream:    string(stream),
		Timestamp: s.now(),
	})
}

// OnEnd implements dispatcher.Handler.
func (s *Service) OnEnd(teamID, taskID string, end dispatcher.End) {
	key := registry.NewTaskKey(teamID, taskID)
	now := s.now()
	s.mu.Lock()
	r, ok := s.runs[key]
	delete(s.runs, key)
	s.mu.Unlock()
	if !ok {
		r.startedAt = now
	}

	s.publish(events.TopicTask, events.TaskEndedEvent{
		TeamID:    teamID,
		TaskID:    taskID,
		ExitCode:  end.ExitCode,
		Signal:    end.Signal,
		Duration:  now.Sub(r.startedAt),
		Timestamp: now,
	})

	status := taskstore.StatusBlocked
	if end.Success() {
		status = taskstore.StatusCompleted
	}
	s.submitStatus(teamID, taskID, status)

	if s.history != nil {
		rec := persistence.ExecutionRecord{
			TeamID:    teamID,
			TaskID:    taskID,
			AgentName: r.agentName,
			ProjectID: r.projectID,
			SessionID: r.sessionID,
			StartedAt: r.startedAt,
			EndedAt:   now,
			ExitCode:  end.ExitCode,
			Signal:    end.Signal,
		}
		s.writer.submit(writeJob{
			name: "record execution " + key.String(),
			run: func(ctx context.Context) error {
				_, err := s.history.RecordExecution(ctx, rec)
				return err
			},
		})
	}
}

// submitStatus queues a status write and announces its outcome.
func (s *Service) submitStatus(teamID, taskID string, status taskstore.Status) {
	if s.tasks == nil {
		return
	}
	s.writer.submit(writeJob{
		name: fmt.Sprintf("status %s:%s=%s", teamID, taskID, status),
		run: func(context.Context) error {
			_, err := s.tasks.UpdateStatus(teamID, taskID, status)
			return err
		},
		done: func(err error) {
			s.publish(events.TopicTask, events.TaskStatusEvent{
				TeamID:    teamID,
				TaskID:    taskID,
				Status:    string(status),
				Err:       err,
				Timestamp: s.now(),
			})
		},
	})
}

func (s *Service) publish(topic string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}
