package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// TestMemoryStoresAreIsolated verifies each memory store gets its own database.
func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if _, err := a.RegisterProject(ctx, "a", t.TempDir(), ""); err != nil {
		t.Fatalf("RegisterProject failed: %v", err)
	}
	projects, err := b.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 0 {
		t.Errorf("Store b sees %d projects from store a", len(projects))
	}
}

// TestRegisterAndGetProject verifies registration and lookups.
func TestRegisterAndGetProject(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	p, err := store.RegisterProject(ctx, "  web  ", dir, "")
	if err != nil {
		t.Fatalf("RegisterProject failed: %v", err)
	}
	if p.ID == "" || p.Name != "web" || p.Path != dir || p.Color != projectColors[0] {
		t.Errorf("Unexpected project: %+v", p)
	}

	byID, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if byID != p {
		t.Errorf("GetProject = %+v, want %+v", byID, p)
	}

	byPath, err := store.GetProjectByPath(ctx, dir)
	if err != nil || byPath.ID != p.ID {
		t.Errorf("GetProjectByPath = %+v, %v", byPath, err)
	}

	got, ok, err := store.ProjectDir(ctx, p.ID)
	if err != nil || !ok || got != dir {
		t.Errorf("ProjectDir = %q, %v, %v", got, ok, err)
	}
}

// TestRegisterProjectValidation verifies path checks.
func TestRegisterProjectValidation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := store.RegisterProject(ctx, "x", filepath.Join(dir, "missing"), ""); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("Missing path error = %v", err)
	}

	file := filepath.Join(dir, "file.txt")
	os.WriteFile(file, []byte("x"), 0o644)
	if _, err := store.RegisterProject(ctx, "x", file, ""); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("File path error = %v", err)
	}

	if _, err := store.RegisterProject(ctx, "first", dir, ""); err != nil {
		t.Fatalf("RegisterProject failed: %v", err)
	}
	if _, err := store.RegisterProject(ctx, "second", dir, ""); !errors.Is(err, ErrDuplicatePath) {
		t.Errorf("Duplicate path error = %v", err)
	}
}

// TestProjectColorsCycle verifies palette assignment and explicit colors.
func TestProjectColorsCycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < len(projectColors)+1; i++ {
		p, err := store.RegisterProject(ctx, "", t.TempDir(), "")
		if err != nil {
			t.Fatalf("RegisterProject %d failed: %v", i, err)
		}
		if want := projectColors[i%len(projectColors)]; p.Color != want {
			t.Errorf("Project %d color = %s, want %s", i, p.Color, want)
		}
	}

	p, _ := store.RegisterProject(ctx, "custom", t.TempDir(), "#000000")
	if p.Color != "#000000" {
		t.Errorf("Explicit color ignored: %s", p.Color)
	}
}

// TestListAndUnregisterProjects verifies ordering and removal.
func TestListAndUnregisterProjects(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	empty, err := store.ListProjects(ctx)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("ListProjects on empty store = %v, %v", empty, err)
	}

	a, _ := store.RegisterProject(ctx, "a", t.TempDir(), "")
	b, _ := store.RegisterProject(ctx, "b", t.TempDir(), "")

	projects, _ := store.ListProjects(ctx)
	if len(projects) != 2 || projects[0].ID != a.ID || projects[1].ID != b.ID {
		t.Fatalf("ListProjects = %+v", projects)
	}

	removed, err := store.UnregisterProject(ctx, a.ID)
	if err != nil || !removed {
		t.Fatalf("UnregisterProject = %v, %v", removed, err)
	}
	removed, _ = store.UnregisterProject(ctx, a.ID)
	if removed {
		t.Error("Second unregister reported removal")
	}
	if _, err := store.GetProject(ctx, a.ID); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("GetProject after unregister = %v", err)
	}
	if _, ok, err := store.ProjectDir(ctx, a.ID); ok || err != nil {
		t.Errorf("ProjectDir after unregister = %v, %v", ok, err)
	}
}

// TestEnsureDefaultProject verifies the default project is created once.
func TestEnsureDefaultProject(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "myrepo")
	os.Mkdir(dir, 0o755)

	first, err := store.EnsureDefaultProject(ctx, dir)
	if err != nil {
		t.Fatalf("EnsureDefaultProject failed: %v", err)
	}
	if first.Name != "myrepo" {
		t.Errorf("Default name = %q", first.Name)
	}
	second, err := store.EnsureDefaultProject(ctx, dir)
	if err != nil || second.ID != first.ID {
		t.Errorf("Second call = %+v, %v", second, err)
	}
	if projects, _ := store.ListProjects(ctx); len(projects) != 1 {
		t.Errorf("Expected one project, got %d", len(projects))
	}
}

// TestSQLiteStoreOnDisk verifies a file-backed store survives reopening.
func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "officed.db")

	store, err := NewSQLiteStore(ctx, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	p, err := store.RegisterProject(ctx, "persisted", t.TempDir(), "")
	if err != nil {
		t.Fatalf("RegisterProject failed: %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, dbPath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetProject(ctx, p.ID)
	if err != nil || got.Name != "persisted" {
		t.Errorf("GetProject after reopen = %+v, %v", got, err)
	}
}

// TestRecordAndListExecutions verifies history storage, filters and ordering.
func TestRecordAndListExecutions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	records := []ExecutionRecord{
		{TeamID: "t1", TaskID: "a", AgentName: "x", ProjectID: "p1", SessionID: "s1", StartedAt: base, EndedAt: base.Add(time.Second), ExitCode: 0},
		{TeamID: "t1", TaskID: "b", ProjectID: "p1", StartedAt: base, EndedAt: base.Add(3 * time.Second), ExitCode: 1, Signal: "SIGTERM"},
		{TeamID: "t2", TaskID: "a", ProjectID: "p2", StartedAt: base, EndedAt: base.Add(2 * time.Second), ExitCode: -1, Signal: "SIGTERM"},
	}
	for _, r := range records {
		id, err := store.RecordExecution(ctx, r)
		if err != nil {
			t.Fatalf("RecordExecution failed: %v", err)
		}
		if id <= 0 {
			t.Errorf("Unexpected row id %d", id)
		}
	}

	all, err := store.ListExecutions(ctx, ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(all) != 3 || all[0].TaskID != "b" || all[1].TeamID != "t2" || all[2].TaskID != "a" {
		t.Fatalf("Unexpected order: %+v", all)
	}
	if all[0].Signal != "SIGTERM" || all[0].ExitCode != 1 || all[0].Duration() != 3*time.Second {
		t.Errorf("Record fields lost: %+v", all[0])
	}
	if all[2].AgentName != "x" || all[2].SessionID != "s1" || !all[2].StartedAt.Equal(base) {
		t.Errorf("Record fields lost: %+v", all[2])
	}

	team, _ := store.ListExecutions(ctx, ExecutionFilter{TeamID: "t1"})
	if len(team) != 2 {
		t.Errorf("Team filter returned %d", len(team))
	}
	task, _ := store.ListExecutions(ctx, ExecutionFilter{TeamID: "t2", TaskID: "a"})
	if len(task) != 1 || task[0].ProjectID != "p2" {
		t.Errorf("Task filter returned %+v", task)
	}
	limited, _ := store.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	if len(limited) != 1 || limited[0].TaskID != "b" {
		t.Errorf("Limit returned %+v", limited)
	}
	none, _ := store.ListExecutions(ctx, ExecutionFilter{ProjectID: "ghost"})
	if none == nil || len(none) != 0 {
		t.Errorf("Expected empty slice, got %v", none)
	}
}
