// Package taskstore persists team tasks as one JSON file per task under
// <root>/<teamId>/<taskId>.json.
package taskstore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Store reads and writes task records below a root directory.
type Store struct {
	root  string
	locks *fileLocks
	now   func() time.Time

	idMu    sync.Mutex
	entropy io.Reader
}

// New returns a store rooted at root. The directory is created lazily.
func New(root string) *Store {
	return &Store{
		root:    root,
		locks:   newFileLocks(),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Root returns the tasks directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

func (s *Store) taskPath(teamID, taskID string) (string, error) {
	if err := validateSegment(teamID, "team id"); err != nil {
		return "", err
	}
	if err := validateSegment(taskID, "task id"); err != nil {
		return "", err
	}
	return filepath.Join(s.root, teamID, taskID+".json"), nil
}

// Create writes a new pending task and returns it.
func (s *Store) Create(teamID string, in NewTask) (Task, error) {
	if err := validateSegment(teamID, "team id"); err != nil {
		return Task{}, err
	}
	if err := validateSubject(in.Subject); err != nil {
		return Task{}, err
	}

	blockedBy := make([]string, 0, len(in.BlockedBy))
	for _, dep := range in.BlockedBy {
		if err := validateSegment(dep, "blocked-by id"); err != nil {
			return Task{}, err
		}
		blockedBy = append(blockedBy, dep)
	}

	task := Task{
		ID:          s.newID(),
		Subject:     strings.TrimSpace(in.Subject),
		Description: strings.TrimSpace(in.Description),
		Status:      StatusPending,
		Owner:       in.Owner,
		Blocks:      []string{},
		BlockedBy:   blockedBy,
		Metadata:    map[string]any{MetaCreatedAt: s.now().UnixMilli()},
	}

	teamDir := filepath.Join(s.root, teamID)
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		return Task{}, fmt.Errorf("create team directory: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return Task{}, fmt.Errorf("encode task: %w", err)
	}
	path := filepath.Join(teamDir, task.ID+".json")
	unlock := s.locks.lock(path)
	defer unlock()
	if err := writeFileAtomic(path, data); err != nil {
		return Task{}, fmt.Errorf("write task %s: %w", task.ID, err)
	}
	return task, nil
}

// Get reads one task.
func (s *Store) Get(teamID, taskID string) (Task, error) {
	path, err := s.taskPath(teamID, taskID)
	if err != nil {
		return Task{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Task{}, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, teamID, taskID)
		}
		return Task{}, fmt.Errorf("read task %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	task.normalize(taskID)
	return task, nil
}

// List returns a team's tasks ordered by id. Dotfiles, non-JSON files and
// unreadable records are skipped; a missing team yields no tasks.
func (s *Store) List(teamID string) ([]Task, error) {
	if err := validateSegment(teamID, "team id"); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, teamID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Task{}, nil
		}
		return nil, fmt.Errorf("list team %s: %w", teamID, err)
	}

	tasks := make([]Task, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		task.normalize(strings.TrimSuffix(name, ".json"))
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Teams lists the team directories under the root.
func (s *Store) Teams() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list teams: %w", err)
	}
	teams := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			teams = append(teams, e.Name())
		}
	}
	sort.Strings(teams)
	return teams, nil
}

// UpdateStatus sets a task's status and stamps updatedAt, plus completedAt
// when the task completes. Fields this package does not know are kept.
func (s *Store) UpdateStatus(teamID, taskID string, status Status) (Task, error) {
	if !status.Valid() {
		return Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.modify(teamID, taskID, func(doc map[string]json.RawMessage) error {
		meta, err := decodeMetadata(doc["metadata"])
		if err != nil {
			return err
		}
		now := s.now().UnixMilli()
		meta[MetaUpdatedAt] = now
		if status == StatusCompleted {
			meta[MetaCompletedAt] = now
		}
		if err := setField(doc, "metadata", meta); err != nil {
			return err
		}
		return setField(doc, "status", status)
	})
}

// Assign sets a task's owner. Fields this package does not know are kept.
func (s *Store) Assign(teamID, taskID, owner string) (Task, error) {
	return s.modify(teamID, taskID, func(doc map[string]json.RawMessage) error {
		return setField(doc, "owner", owner)
	})
}

// Delete removes a task's record.
func (s *Store) Delete(teamID, taskID string) error {
	path, err := s.taskPath(teamID, taskID)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(path)
	defer unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, teamID, taskID)
		}
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// modify runs a locked read-modify-write cycle over the raw record.
func (s *Store) modify(teamID, taskID string, edit func(map[string]json.RawMessage) error) (Task, error) {
	path, err := s.taskPath(teamID, taskID)
	if err != nil {
		return Task{}, err
	}
	unlock := s.locks.lock(path)
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Task{}, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, teamID, taskID)
		}
		return Task{}, fmt.Errorf("read task %s: %w", taskID, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	if err := edit(doc); err != nil {
		return Task{}, fmt.Errorf("update task %s: %w", taskID, err)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Task{}, fmt.Errorf("encode task %s: %w", taskID, err)
	}
	if err := writeFileAtomic(path, out); err != nil {
		return Task{}, fmt.Errorf("write task %s: %w", taskID, err)
	}

	var task Task
	if err := json.Unmarshal(out, &task); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	task.normalize(taskID)
	return task, nil
}

func decodeMetadata(raw json.RawMessage) (map[string]any, error) {
	meta := make(map[string]any)
	if len(raw) == 0 || string(raw) == "null" {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta == nil {
		meta = make(map[string]any)
	}
	return meta, nil
}

func setField(doc map[string]json.RawMessage, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	doc[key] = raw
	return nil
}
