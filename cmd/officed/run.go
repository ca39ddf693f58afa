package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/officed/internal/events"
	"github.com/aristath/officed/internal/orchestrator"
	"github.com/aristath/officed/internal/taskstore"
)

// shutdownTimeout bounds graceful shutdown before workers are killed.
const shutdownTimeout = 10 * time.Second

// statusWait bounds how long run waits for the task record to settle after
// the task has ended. Pending writes are flushed during shutdown anyway.
var statusWait = 5 * time.Second

var (
	runProject    string
	runAgent      string
	runPrompt     string
	runNewSession bool
)

var runCmd = &cobra.Command{
	Use:   "run <team> <task>",
	Short: "Run a task on a project's session pool and stream its output",
	Long: `Run dispatches a task to a warm worker session and streams its output
until the task ends. The prompt defaults to the task's subject and
description, the agent to the task's owner. Without --project the
working directory is registered as the default project.

Ctrl+C cancels the task; a second Ctrl+C kills every worker.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
	},
}

func init() {
	runCmd.Flags().StringVarP(&runProject, "project", "p", "", "Project id or path (default: working directory)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent name (default: task owner)")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "Prompt override")
	runCmd.Flags().BoolVar(&runNewSession, "new-session", false, "Prefer spawning a fresh session over reusing an idle one")
	rootCmd.AddCommand(runCmd)
}

func runRun(parent context.Context, out io.Writer, teamID, taskID string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}

	project, err := a.resolveProject(ctx, runProject)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("resolve project: %w", err)
	}

	sub := a.bus.SubscribeUnbounded(events.TopicTask)
	sessions := a.bus.Subscribe(events.TopicSession, 64)
	go watchSessions(sessions)
	res := a.svc.Run(ctx, orchestrator.RunRequest{
		TeamID:           teamID,
		TaskID:           taskID,
		AgentName:        runAgent,
		ProjectID:        project.ID,
		Prompt:           runPrompt,
		PreferNewSession: runNewSession,
	})
	if !res.Dispatched {
		a.close(context.Background())
		return fmt.Errorf("dispatch %s: %s", res.TaskKey, res.Reason)
	}
	if ex, ok := a.svc.Dispatcher().Execution(teamID, taskID); ok {
		logger.Debug("task dispatched", "task_key", res.TaskKey.String(), "session_id", ex.SessionID, "project_id", ex.ProjectID, "pid", ex.PID)
	}
	for _, ex := range a.svc.ActiveExecutions() {
		logger.Debug("active execution", "task_key", ex.TeamID+":"+ex.TaskID, "session_id", ex.SessionID, "pid", ex.PID)
	}

	s := &streamer{out: out, key: res.TaskKey.String()}
	runErr := s.follow(ctx, sub)

	if ctx.Err() != nil {
		// Restore default handling so a second signal terminates immediately.
		stop()
		fmt.Fprintln(out, stylePending.Render("Cancelling task..."))
		if id, ok := a.svc.Dispatcher().SessionForTask(teamID, taskID); ok {
			logger.Debug("cancelling task", "task_key", s.key, "session_id", id)
		}
		a.svc.Cancel(teamID, taskID)
		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		runErr = s.follow(waitCtx, sub)
		cancel()
	}

	a.bus.Unsubscribe(sub)
	a.bus.Unsubscribe(sessions)
	logPools(a)
	shutdown(a)
	if runErr != nil {
		return runErr
	}
	if !s.gotEnd {
		return fmt.Errorf("task %s did not finish", s.key)
	}
	if s.ended.Success() {
		return nil
	}
	return fmt.Errorf("task %s ended with exit code %d%s", s.key, s.ended.ExitCode, signalSuffix(s.ended.Signal))
}

// shutdown stops the app gracefully, killing every worker if that takes
// longer than shutdownTimeout or another signal arrives.
func shutdown(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	go func() {
		a.close(ctx)
		close(done)
	}()

	select {
	case <-done:
		return
	case <-sigs:
		logger.Warn("second signal received, killing workers")
	case <-ctx.Done():
		logger.Warn("shutdown timeout exceeded, killing workers")
	}
	if err := a.procs.KillAll(); err != nil {
		logger.Error("killing workers failed", "error", err)
	}
	<-done
}

// watchSessions traces pool membership changes until sub is closed.
func watchSessions(sub <-chan events.Event) {
	for ev := range sub {
		if changed, ok := ev.(events.SessionsChangedEvent); ok {
			logger.Debug("sessions changed", "project_id", changed.ProjectID)
		}
	}
}

func logPools(a *app) {
	for projectID, st := range a.pools.AllStats() {
		logger.Debug("pool stats", "project_id", projectID,
			"total", st.Total, "idle", st.Idle, "busy", st.Busy, "starting", st.Starting, "stopping", st.Stopping)
	}
	for _, s := range a.pools.AllSessions() {
		logger.Debug("session", "project_id", s.ProjectID, "session_id", s.ID, "state", string(s.State), "pid", s.PID)
	}
}

func signalSuffix(sig string) string {
	if sig == "" {
		return ""
	}
	return " (" + sig + ")"
}

// streamer prints one task's events until its final status is written.
type streamer struct {
	out    io.Writer
	key    string
	ended  events.TaskEndedEvent
	gotEnd bool
	done   bool
}

var errStreamClosed = errors.New("event stream closed before the task finished")

// follow consumes events until the task's status settles or ctx ends. Once
// the task has ended it waits at most statusWait for the status.
func (s *streamer) follow(ctx context.Context, sub <-chan events.Event) error {
	var settle <-chan time.Time
	for {
		if s.done {
			return nil
		}
		if s.gotEnd && settle == nil {
			timer := time.NewTimer(statusWait)
			defer timer.Stop()
			settle = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-settle:
			logger.Warn("task status not confirmed", "task_key", s.key, "waited", statusWait)
			return nil
		case ev, ok := <-sub:
			if !ok {
				return errStreamClosed
			}
			if ev.TaskKey() == s.key {
				s.handle(ev)
			}
		}
	}
}

func (s *streamer) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskStartedEvent:
		agent := e.AgentName
		if agent == "" {
			agent = "(no agent)"
		}
		fmt.Fprintf(s.out, "%s %s as %s\n", styleRunning.Render("▶ started"), s.key, agent)
	case events.TaskOutputEvent:
		prefix := styleStdout.Render("│")
		if e.Stream == "stderr" {
			prefix = styleStderr.Render("│")
		}
		fmt.Fprintf(s.out, "%s %s\n", prefix, e.Data)
	case events.TaskEndedEvent:
		s.ended = e
		s.gotEnd = true
		banner := styleComplete.Render("✓ completed")
		if !e.Success() {
			banner = styleFailed.Render(fmt.Sprintf("✗ failed: exit %d%s", e.ExitCode, signalSuffix(e.Signal)))
		}
		fmt.Fprintf(s.out, "%s in %s\n", banner, e.Duration.Round(time.Millisecond))
	case events.TaskStatusEvent:
		if e.Err != nil {
			fmt.Fprintf(s.out, "%s could not mark task %s: %v\n", styleFailed.Render("!"), e.Status, e.Err)
		}
		if e.Status == string(taskstore.StatusCompleted) || e.Status == string(taskstore.StatusBlocked) {
			s.done = true
		}
	}
}
