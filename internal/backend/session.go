package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

type procState int

const (
	procSpawning procState = iota
	procReady
	procStopping
	procExited
)

// Process supervises one long-lived worker subprocess. It frames the
// stream-json protocol, detects readiness and results, and terminates the
// worker either gracefully (Stop) or immediately (Kill).
type Process struct {
	id       string
	cfg      Config
	observer Observer
	procMgr  *ProcessManager

	mu         sync.Mutex
	state      procState
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	readyTimer *time.Timer
	started    bool

	writeMu sync.Mutex // serializes writes to stdin
	exited  chan struct{}
}

// NewProcess prepares a worker for sessionID. Nothing is spawned until Start.
// The ProcessManager is optional.
func NewProcess(sessionID string, cfg Config, observer Observer, procMgr *ProcessManager) *Process {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &Process{
		id:       sessionID,
		cfg:      cfg,
		observer: observer,
		procMgr:  procMgr,
		exited:   make(chan struct{}),
	}
}

// ID returns the session id the worker was launched with.
func (p *Process) ID() string {
	return p.id
}

// Start spawns the worker. A spawn failure is reported to the observer as a
// stderr line followed by an exit, and also returned.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("session %s already started", p.id)
	}
	p.started = true

	cmd := newCommand(p.cfg.Command, buildArgs(p.cfg, p.id)...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdin, stdout, stderr, err := pipes(cmd)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		p.state = procExited
		p.mu.Unlock()
		close(p.exited)
		p.observer.OnOutput(p.id, fmt.Sprintf("Process error: %v", err), StreamStderr)
		p.observer.OnExit(p.id, ExitStatus{Code: 1, Err: err})
		return fmt.Errorf("failed to start worker: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.readyTimer = time.AfterFunc(p.cfg.readyTimeout(), p.markReady)
	p.mu.Unlock()

	p.procMgr.Track(cmd)
	go p.supervise(stdout, stderr)
	return nil
}

func pipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	return stdin, stdout, stderr, nil
}

// supervise drains both pipes concurrently, then reaps the process. Both
// readers must finish before cmd.Wait, which closes the pipes.
func (p *Process) supervise(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(stdout, p.handleStdout, func(rest string) {
			p.observer.OnOutput(p.id, rest, StreamStdout)
		})
	}()
	go func() {
		defer wg.Done()
		emit := func(line string) { p.observer.OnOutput(p.id, line, StreamStderr) }
		readLines(stderr, emit, emit)
	}()
	wg.Wait()

	waitErr := p.cmd.Wait()
	p.procMgr.Untrack(p.cmd)
	status := exitStatusOf(p.cmd, waitErr)

	p.mu.Lock()
	p.state = procExited
	if p.readyTimer != nil {
		p.readyTimer.Stop()
	}
	p.mu.Unlock()

	close(p.exited)
	p.observer.OnExit(p.id, status)
}

// readLines calls onLine for every complete non-blank line and onTail for a
// trailing unterminated fragment at EOF.
func readLines(r io.Reader, onLine, onTail func(string)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if strings.TrimSpace(line) != "" {
				onTail(strings.TrimRight(line, "\r"))
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		onLine(line)
	}
}

func (p *Process) handleStdout(line string) {
	parsed := parseStreamLine(line)
	switch parsed.kind {
	case eventInit:
		p.markReady()
	case eventText, eventRaw:
		p.observer.OnOutput(p.id, parsed.text, StreamStdout)
	case eventResult:
		if parsed.text != "" {
			p.observer.OnOutput(p.id, parsed.text, StreamStdout)
		}
		p.observer.OnResult(p.id, parsed.text)
	}
}

// markReady fires OnReady once, from either the init event or the timer.
func (p *Process) markReady() {
	p.mu.Lock()
	if p.state != procSpawning {
		p.mu.Unlock()
		return
	}
	p.state = procReady
	if p.readyTimer != nil {
		p.readyTimer.Stop()
	}
	p.mu.Unlock()

	p.observer.OnReady(p.id)
}

// Send writes one user event to the worker. It returns false if the worker
// is not running or is being stopped.
func (p *Process) Send(prompt string) bool {
	p.mu.Lock()
	if !p.started || p.state == procStopping || p.state == procExited || p.stdin == nil {
		p.mu.Unlock()
		return false
	}
	stdin := p.stdin
	p.mu.Unlock()

	data, err := encodeUserMessage(prompt)
	if err != nil {
		return false
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = stdin.Write(data)
	return err == nil
}

// Stop closes stdin, sends SIGTERM to the process group and escalates to
// SIGKILL after the grace period. It returns once the worker has exited or
// ctx is done. Stopping an exited worker is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.state == procExited {
		p.mu.Unlock()
		return nil
	}
	alreadyStopping := p.state == procStopping
	p.state = procStopping
	if p.readyTimer != nil {
		p.readyTimer.Stop()
	}
	cmd, stdin := p.cmd, p.stdin
	p.mu.Unlock()

	if !alreadyStopping {
		_ = stdin.Close()
		_ = signalProcessGroup(cmd, syscall.SIGTERM)
	}

	grace := time.NewTimer(p.cfg.killGrace())
	defer grace.Stop()

	select {
	case <-p.exited:
		return nil
	case <-grace.C:
		_ = killProcessGroup(cmd)
	case <-ctx.Done():
		_ = killProcessGroup(cmd)
		return ctx.Err()
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill sends SIGKILL to the process group without draining.
func (p *Process) Kill() {
	p.mu.Lock()
	if !p.started || p.state == procExited {
		p.mu.Unlock()
		return
	}
	p.state = procStopping
	if p.readyTimer != nil {
		p.readyTimer.Stop()
	}
	cmd := p.cmd
	p.mu.Unlock()

	_ = killProcessGroup(cmd)
}

// Alive reports whether the worker has not yet exited. A worker that has
// not been started yet counts as alive.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// PID returns the OS process id, or 0 before the worker is spawned.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the worker has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}
