package backend

import (
	"os/exec"
	"syscall"
	"testing"
	"time"
)

// TestNewCommandSetsProcessGroup verifies process group isolation.
func TestNewCommandSetsProcessGroup(t *testing.T) {
	cmd := newCommand("sleep", "1")
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatal("Expected Setpgid to be set")
	}
}

// TestKillProcessGroupNotStarted verifies an error for commands that never ran.
func TestKillProcessGroupNotStarted(t *testing.T) {
	if err := killProcessGroup(exec.Command("true")); err == nil {
		t.Error("Expected error for unstarted command")
	}
}

// TestProcessManagerKillAll verifies tracked process groups are killed.
func TestProcessManagerKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		status := exitStatusOf(cmd, nil)
		if status.Signal != "SIGKILL" {
			t.Errorf("Expected SIGKILL, got %+v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// TestNilProcessManagerIsSafe verifies that tracking is optional.
func TestNilProcessManagerIsSafe(t *testing.T) {
	var pm *ProcessManager
	cmd := newCommand("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	pm.Track(cmd)
	pm.Untrack(cmd)
}

// TestSignalName verifies signal rendering.
func TestSignalName(t *testing.T) {
	if signalName(syscall.SIGTERM) != "SIGTERM" {
		t.Errorf("Unexpected name for SIGTERM: %s", signalName(syscall.SIGTERM))
	}
	if signalName(syscall.SIGUSR1) == "" {
		t.Error("Expected a fallback name for SIGUSR1")
	}
}
