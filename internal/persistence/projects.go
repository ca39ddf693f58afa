package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// projectColors is cycled through as projects are registered.
var projectColors = []string{
	"#3b82f6", // blue
	"#10b981", // emerald
	"#f59e0b", // amber
	"#ef4444", // red
	"#8b5cf6", // violet
	"#ec4899", // pink
	"#06b6d4", // cyan
	"#f97316", // orange
}

// Project is a registered working directory that owns a session pool.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"createdAt"`
}

// RegisterProject records a new project rooted at path. The path must be
// an existing directory not already registered. An empty color picks the
// next palette entry; an empty name uses the directory's base name.
func (s *SQLiteStore) RegisterProject(ctx context.Context, name, path, color string) (Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Project{}, fmt.Errorf("resolve path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return Project{}, fmt.Errorf("%w: %s", ErrPathNotFound, abs)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = filepath.Base(abs)
	}

	p := Project{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      abs,
		Color:     color,
		CreatedAt: time.UnixMilli(s.now().UnixMilli()),
	}

	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE path = ?`, abs).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, abs)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check project path: %w", err)
		}

		var count, seq int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM projects`).Scan(&count, &seq); err != nil {
			return fmt.Errorf("failed to count projects: %w", err)
		}
		if p.Color == "" {
			p.Color = projectColors[count%len(projectColors)]
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, path, color, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.ID, p.Name, p.Path, p.Color, seq+1, p.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert project: %w", err)
		}
		return nil
	})
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

// UnregisterProject deletes a project and reports whether it existed.
func (s *SQLiteStore) UnregisterProject(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// GetProject returns the project with the given id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (Project, error) {
	return s.queryProject(ctx, `WHERE id = ?`, id)
}

// GetProjectByPath returns the project registered at path.
func (s *SQLiteStore) GetProjectByPath(ctx context.Context, path string) (Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Project{}, fmt.Errorf("resolve path %q: %w", path, err)
	}
	return s.queryProject(ctx, `WHERE path = ?`, abs)
}

func (s *SQLiteStore) queryProject(ctx context.Context, where string, arg any) (Project, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Project
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, color, created_at FROM projects `+where, arg).
		Scan(&p.ID, &p.Name, &p.Path, &p.Color, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("%w: %v", ErrProjectNotFound, arg)
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to query project: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created)
	return p, nil
}

// ListProjects returns every project in registration order. Returns an
// empty slice (not nil) when none exist.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]Project, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, color, created_at
		FROM projects
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		var p Project
		var created int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.Color, &created); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.CreatedAt = time.UnixMilli(created)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// EnsureDefaultProject returns the project registered at path, registering
// it under the directory's base name if needed.
func (s *SQLiteStore) EnsureDefaultProject(ctx context.Context, path string) (Project, error) {
	p, err := s.GetProjectByPath(ctx, path)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrProjectNotFound) {
		return Project{}, err
	}
	p, err = s.RegisterProject(ctx, "", path, "")
	if errors.Is(err, ErrDuplicatePath) {
		// Lost a race with a concurrent registration.
		return s.GetProjectByPath(ctx, path)
	}
	return p, err
}

// ProjectDir resolves a project id to its working directory. It satisfies
// the pool manager's project resolver.
func (s *SQLiteStore) ProjectDir(ctx context.Context, id string) (string, bool, error) {
	p, err := s.GetProject(ctx, id)
	if errors.Is(err, ErrProjectNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return p.Path, true, nil
}
