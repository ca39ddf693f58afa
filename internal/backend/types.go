package backend

import (
	"time"
)

// Stream names the output channel a line was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

const (
	// DefaultReadyTimeout is how long a worker may stay silent before it is
	// declared ready anyway.
	DefaultReadyTimeout = 30 * time.Second
	// DefaultKillGrace bounds the wait between SIGTERM and SIGKILL in Stop.
	DefaultKillGrace = 5 * time.Second
)

// Config defines how a worker process is launched.
type Config struct {
	Command         string   // executable, "claude" by default
	Args            []string // leading arguments placed before the protocol flags
	WorkDir         string
	Env             []string // KEY=VALUE pairs appended to the parent environment
	Model           string
	SystemPrompt    string
	SkipPermissions bool
	ReadyTimeout    time.Duration
	KillGrace       time.Duration
}

func (c Config) readyTimeout() time.Duration {
	if c.ReadyTimeout > 0 {
		return c.ReadyTimeout
	}
	return DefaultReadyTimeout
}

func (c Config) killGrace() time.Duration {
	if c.KillGrace > 0 {
		return c.KillGrace
	}
	return DefaultKillGrace
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int    // -1 when the process was terminated by a signal
	Signal string // e.g. "SIGKILL"; empty for a normal exit
	Err    error  // spawn or wait error, if any
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

// Observer receives everything a supervised worker produces. Calls for one
// stream arrive in the order the worker wrote them; OnExit is always last.
type Observer interface {
	OnOutput(sessionID, data string, stream Stream)
	OnReady(sessionID string)
	OnResult(sessionID, text string)
	OnExit(sessionID string, status ExitStatus)
}
