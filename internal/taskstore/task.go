package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrInvalidPathSegment is returned for team or task ids that could
	// escape the tasks directory.
	ErrInvalidPathSegment = errors.New("invalid path segment")
	// ErrInvalidSubject is returned for empty or oversized subjects.
	ErrInvalidSubject = errors.New("invalid task subject")
	// ErrInvalidStatus is returned for unrecognized status values.
	ErrInvalidStatus = errors.New("invalid task status")
	// ErrTaskNotFound is returned when no record exists for a task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDependencyCycle is returned by DependencyOrder when blockedBy
	// links form a cycle.
	ErrDependencyCycle = errors.New("task dependencies contain a cycle")
)

// MaxSubjectLength bounds a task subject, in characters.
const MaxSubjectLength = 200

// Status is a task's lifecycle position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// Metadata keys stamped by the store. Values are Unix milliseconds.
const (
	MetaCreatedAt   = "createdAt"
	MetaUpdatedAt   = "updatedAt"
	MetaCompletedAt = "completedAt"
)

// Task is one unit of work owned by a team.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	Blocks      []string       `json:"blocks"`
	BlockedBy   []string       `json:"blockedBy"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Timestamp reads a millisecond metadata stamp.
func (t Task) Timestamp(key string) (time.Time, bool) {
	var ms int64
	switch v := t.Metadata[key].(type) {
	case float64:
		ms = int64(v)
	case int64:
		ms = v
	case int:
		ms = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		ms = n
	default:
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// NewTask describes a task to create.
type NewTask struct {
	Subject     string
	Description string
	Owner       string
	BlockedBy   []string
}

// validateSegment rejects empty values, parent references and path
// separators.
func validateSegment(value, label string) error {
	if value == "" || strings.Contains(value, "..") || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%w: %s %q", ErrInvalidPathSegment, label, value)
	}
	return nil
}

func validateSubject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidSubject)
	}
	if utf8.RuneCountInString(subject) > MaxSubjectLength {
		return fmt.Errorf("%w: subject must be %d characters or fewer", ErrInvalidSubject, MaxSubjectLength)
	}
	return nil
}

// normalize fills the defaults applied to records written by other tools.
func (t *Task) normalize(fallbackID string) {
	if t.ID == "" {
		t.ID = fallbackID
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Blocks == nil {
		t.Blocks = []string{}
	}
	if t.BlockedBy == nil {
		t.BlockedBy = []string{}
	}
}
