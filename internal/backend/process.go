package backend

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
)

// newCommand creates an exec.Cmd in its own process group so the whole
// worker tree can be signalled at once. The worker outlives any request
// context, so its lifetime is managed explicitly rather than through
// exec.CommandContext.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Create new process group for signal propagation
	}
	return cmd
}

// signalProcessGroup delivers sig to every process in the command's group.
func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// A negative PID addresses the whole group, so children the worker
	// spawned go down with it instead of being orphaned.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil // Group already gone
		}
		return fmt.Errorf("failed to signal process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// killProcessGroup sends SIGKILL to the command's whole process group.
// This ensures all child processes are terminated, not just the worker.
func killProcessGroup(cmd *exec.Cmd) error {
	return signalProcessGroup(cmd, syscall.SIGKILL)
}

// exitStatusOf converts the result of cmd.Wait into an ExitStatus.
func exitStatusOf(cmd *exec.Cmd, waitErr error) ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		// Wait failed before the process was reaped
		return ExitStatus{Code: 1, Err: waitErr}
	}

	// Death by signal reports code -1 and the signal name
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: signalName(ws.Signal())}
	}
	return ExitStatus{Code: state.ExitCode()}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("signal %d", int(sig))
	}
}

// ProcessManager tracks every live worker across all pools so a second
// interrupt can take the whole fleet down at once.
//
//	pm := backend.NewProcessManager()
//	defer pm.KillAll()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started command.
// Should be called after cmd.Start() when cmd.Process is available.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a command after it has been reaped.
// Should be called after cmd.Wait() completes.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if pm == nil || cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll sends SIGKILL to every tracked process group.
// Called during shutdown to ensure clean termination.
func (pm *ProcessManager) KillAll() error {
	// Snapshot under the lock; Untrack runs from the reaper while we signal.
	pm.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(pm.procs))
	for _, cmd := range pm.procs {
		cmds = append(cmds, cmd)
	}
	pm.mu.Unlock()

	// Keep going past failures so one stuck group doesn't spare the rest
	var errs []error
	for _, cmd := range cmds {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked processes.
// Useful for tests and monitoring.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
