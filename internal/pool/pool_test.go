package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/officed/internal/backend"
	"github.com/aristath/officed/internal/registry"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeHandle is a worker driven directly by the test.
type fakeHandle struct {
	id        string
	observer  backend.Observer
	startErr  error
	autoReady bool

	mu      sync.Mutex
	started bool
	alive   bool
	sent    []string
	stopped bool
	killed  bool
}

func (h *fakeHandle) Start() error {
	if h.startErr != nil {
		return h.startErr
	}
	h.mu.Lock()
	h.started = true
	h.alive = true
	h.mu.Unlock()
	if h.autoReady {
		h.observer.OnReady(h.id)
	}
	return nil
}

func (h *fakeHandle) Send(prompt string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive {
		return false
	}
	h.sent = append(h.sent, prompt)
	return true
}

func (h *fakeHandle) Stop(context.Context) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.exit(backend.ExitStatus{Code: 0})
	return nil
}

func (h *fakeHandle) Kill() {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(backend.ExitStatus{Code: -1, Signal: "SIGKILL"})
}

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) PID() int { return 4242 }

func (h *fakeHandle) exit(status backend.ExitStatus) {
	h.mu.Lock()
	wasAlive := h.alive
	h.alive = false
	h.mu.Unlock()
	if wasAlive {
		h.observer.OnExit(h.id, status)
	}
}

// vanish marks the worker dead without reporting an exit.
func (h *fakeHandle) vanish() {
	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()
}

func (h *fakeHandle) result(text string) {
	h.observer.OnOutput(h.id, text, backend.StreamStdout)
	h.observer.OnResult(h.id, text)
}

type fakeFactory struct {
	mu        sync.Mutex
	handles   map[string]*fakeHandle
	startErr  error
	autoReady bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{handles: make(map[string]*fakeHandle), autoReady: true}
}

func (f *fakeFactory) build(id, _ string, observer backend.Observer) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{id: id, observer: observer, startErr: f.startErr, autoReady: f.autoReady}
	f.handles[id] = h
	return h
}

func (f *fakeFactory) get(id string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[id]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeFactory) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		h.mu.Lock()
		if h.started {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

// only returns the single handle built so far.
func (f *fakeFactory) only(t *testing.T) *fakeHandle {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) != 1 {
		t.Fatalf("Expected exactly one worker, got %d", len(f.handles))
	}
	for _, h := range f.handles {
		return h
	}
	return nil
}

type recordingListener struct {
	mu         sync.Mutex
	outputs    []string
	completes  []string
	deaths     []string
	onComplete func(id string, key registry.TaskKey)
}

func (l *recordingListener) SessionOutput(id, data string, _ backend.Stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outputs = append(l.outputs, id+":"+data)
}

func (l *recordingListener) TaskComplete(id string, key registry.TaskKey) {
	l.mu.Lock()
	l.completes = append(l.completes, id)
	hook := l.onComplete
	l.mu.Unlock()
	if hook != nil {
		hook(id, key)
	}
}

func (l *recordingListener) SessionDied(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deaths = append(l.deaths, id)
}

func (l *recordingListener) deathCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.deaths)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeFactory, *recordingListener) {
	t.Helper()
	factory := newFakeFactory()
	listener := &recordingListener{}
	cfg.ProjectDir = t.TempDir()
	p := New(cfg, registry.New(), factory.build, listener, WithLogger(quietLogger))
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, factory, listener
}

func testConfig(min, max int) Config {
	return Config{MinPoolSize: min, MaxPoolSize: max, IdleTimeout: time.Minute}
}

// TestStartReplenishesToMin verifies the initial warm-up.
func TestStartReplenishesToMin(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(2, 4))
	p.Start(context.Background())

	st := p.Stats()
	if st.Total != 2 || st.Idle != 2 {
		t.Errorf("Stats after start = %+v, want 2 idle", st)
	}
	if factory.count() != 2 {
		t.Errorf("Expected 2 workers built, got %d", factory.count())
	}
	for _, s := range p.Registry().All() {
		if s.PID != 4242 {
			t.Errorf("Expected pid to be recorded, got %d", s.PID)
		}
	}
}

// TestReplenishCountsStartingSessions verifies warm-up does not overshoot while workers are starting.
func TestReplenishCountsStartingSessions(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(2, 5))
	factory.autoReady = false
	p.Start(context.Background())
	p.HealthCheck(context.Background())
	p.HealthCheck(context.Background())

	if st := p.Stats(); st.Total != 2 || st.Starting != 2 {
		t.Errorf("Stats = %+v, want 2 starting", st)
	}
}

// TestSpawnNewCapacity verifies spawnNew refuses beyond maxPoolSize.
func TestSpawnNewCapacity(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(0, 2))

	for i := 0; i < 2; i++ {
		info, err := p.SpawnNew()
		if err != nil {
			t.Fatalf("SpawnNew #%d failed: %v", i, err)
		}
		if info.State != registry.StateStarting {
			t.Errorf("Expected starting state in returned info, got %s", info.State)
		}
	}
	if _, err := p.SpawnNew(); !errors.Is(err, ErrCapacity) {
		t.Errorf("Expected ErrCapacity, got %v", err)
	}
}

// TestConcurrentSpawnRespectsMax verifies the capacity bound under a burst of spawns.
func TestConcurrentSpawnRespectsMax(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(0, 3))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.GetOrSpawn()
		}()
	}
	wg.Wait()

	if n := p.Registry().Count(); n > 3 {
		t.Errorf("Registry holds %d sessions, max is 3", n)
	}
}

// TestAcquireIdlePrefersMostRecent verifies the recency bias.
func TestAcquireIdlePrefersMostRecent(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(0, 3))
	first, _ := p.SpawnNew()
	time.Sleep(2 * time.Millisecond)
	p.SpawnNew()
	time.Sleep(2 * time.Millisecond)
	p.Registry().Touch(first.ID)

	got, ok := p.AcquireIdle()
	if !ok {
		t.Fatal("Expected an idle session")
	}
	if got.ID != first.ID {
		t.Errorf("AcquireIdle = %s, want most recently touched %s", got.ID, first.ID)
	}
}

// TestGetOrSpawnExhausted verifies the exhausted signal at capacity.
func TestGetOrSpawnExhausted(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(0, 1))

	info, err := p.GetOrSpawn()
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	if _, err := p.Registry().AssignTask(info.ID, registry.NewTaskKey("t", "1")); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}

	if _, err := p.GetOrSpawn(); !errors.Is(err, ErrExhausted) {
		t.Errorf("Expected ErrExhausted, got %v", err)
	}
}

// TestResultReleasesSession verifies the result path returns the session to idle.
func TestResultReleasesSession(t *testing.T) {
	p, factory, listener := newTestPool(t, testConfig(0, 2))
	info, _ := p.SpawnNew()
	p.Registry().AssignTask(info.ID, registry.NewTaskKey("t", "1"))

	if !p.SendToSession(info.ID, "do it") {
		t.Fatal("SendToSession failed")
	}
	factory.get(info.ID).result("ok")

	got, _ := p.Registry().Get(info.ID)
	if got.State != registry.StateIdle || got.TotalTasksCompleted != 1 {
		t.Errorf("After result: %+v", got)
	}
	if len(listener.completes) != 1 || listener.completes[0] != info.ID {
		t.Errorf("Expected one TaskComplete for %s, got %v", info.ID, listener.completes)
	}
	if len(listener.outputs) != 1 || listener.outputs[0] != info.ID+":ok" {
		t.Errorf("Unexpected outputs: %v", listener.outputs)
	}
}

// TestResultReleasesBeforeCompletion verifies the task key is free by the
// time completion is reported.
func TestResultReleasesBeforeCompletion(t *testing.T) {
	p, factory, listener := newTestPool(t, testConfig(0, 2))
	info, _ := p.SpawnNew()
	key := registry.NewTaskKey("t", "1")
	p.Registry().AssignTask(info.ID, key)

	var gotKey registry.TaskKey
	var stillBound bool
	var state registry.State
	listener.onComplete = func(id string, k registry.TaskKey) {
		gotKey = k
		_, stillBound = p.Registry().ByTask(k)
		s, _ := p.Registry().Get(id)
		state = s.State
	}
	factory.get(info.ID).result("ok")

	if gotKey != key {
		t.Errorf("TaskComplete key = %v, want %v", gotKey, key)
	}
	if stillBound || state != registry.StateIdle {
		t.Errorf("At completion: bound=%v state=%s, want released idle session", stillBound, state)
	}
}

// TestResultWithoutTaskIsIgnored verifies a result from an unbound session reports nothing.
func TestResultWithoutTaskIsIgnored(t *testing.T) {
	p, factory, listener := newTestPool(t, testConfig(0, 2))
	info, _ := p.SpawnNew()

	factory.get(info.ID).result("stray")

	if len(listener.completes) != 0 {
		t.Errorf("Expected no TaskComplete, got %v", listener.completes)
	}
	if got, _ := p.Registry().Get(info.ID); got.TotalTasksCompleted != 0 {
		t.Errorf("Unbound result counted as a completed task: %+v", got)
	}
}

// TestGetOrSpawnTakesStartingSession verifies a warming worker is used
// instead of spawning a second one.
func TestGetOrSpawnTakesStartingSession(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(1, 3))
	factory.autoReady = false
	p.Start(context.Background())
	warming := factory.only(t)

	info, err := p.GetOrSpawn()
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	if info.ID != warming.id || info.State != registry.StateStarting {
		t.Errorf("GetOrSpawn = %+v, want starting session %s", info, warming.id)
	}
	if factory.count() != 1 {
		t.Errorf("Expected no extra spawn, got %d workers", factory.count())
	}
	if _, err := p.Registry().AssignTask(info.ID, registry.NewTaskKey("t", "1")); err != nil {
		t.Errorf("AssignTask on starting session failed: %v", err)
	}
}

// TestUnknownSessionIsNoop verifies delegation to unknown ids.
func TestUnknownSessionIsNoop(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(0, 1))

	if p.SendToSession("nope", "x") {
		t.Error("Expected SendToSession to fail for unknown id")
	}
	if p.CancelSession("nope") {
		t.Error("Expected CancelSession to report false for unknown id")
	}
	if err := p.StopSession(context.Background(), "nope"); err != nil {
		t.Errorf("StopSession on unknown id returned %v", err)
	}
}

// TestCrashUnregistersAndReplenishes verifies exit handling while busy and
// that the floor is restored by the next health check.
func TestCrashUnregistersAndReplenishes(t *testing.T) {
	p, factory, listener := newTestPool(t, testConfig(1, 3))
	p.Start(context.Background())
	info, _ := p.AcquireIdle()
	p.Registry().AssignTask(info.ID, registry.NewTaskKey("t", "1"))

	factory.get(info.ID).exit(backend.ExitStatus{Code: 1})

	if _, ok := p.Registry().Get(info.ID); ok {
		t.Error("Expected crashed session to be unregistered")
	}
	if listener.deathCount() != 1 {
		t.Errorf("Expected one SessionDied, got %d", listener.deathCount())
	}
	if st := p.Stats(); st.Total != 0 {
		t.Errorf("Expected no replacement before the health check, got %+v", st)
	}

	p.HealthCheck(context.Background())
	if st := p.Stats(); st.Idle != 1 || st.Busy != 0 {
		t.Errorf("Expected replacement idle session, got %+v", st)
	}
}

// TestExitBeforeReadyIsNotRespawned verifies a worker dying on launch is
// not replaced until the health check, and that repeated launch deaths
// open the spawn breaker.
func TestExitBeforeReadyIsNotRespawned(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(1, 3))
	factory.autoReady = false
	p.Start(context.Background())

	factory.only(t).exit(backend.ExitStatus{Code: 1})
	if factory.count() != 1 || p.Registry().Count() != 0 {
		t.Fatalf("Exit triggered a respawn: %d workers, %d registered", factory.count(), p.Registry().Count())
	}

	for i := 0; i < 4; i++ {
		p.HealthCheck(context.Background())
		for _, s := range p.Registry().Starting() {
			factory.get(s.ID).exit(backend.ExitStatus{Code: 1})
		}
	}
	if got := factory.startedCount(); got != 5 {
		t.Fatalf("Expected 5 launches, got %d", got)
	}

	p.HealthCheck(context.Background())
	if got := factory.startedCount(); got != 5 {
		t.Errorf("Breaker did not stop launches: %d started", got)
	}
	if _, err := p.SpawnNew(); !IsBreakerOpen(err) {
		t.Errorf("Expected open breaker after launch deaths, got %v", err)
	}
}

// TestReadyResetsSpawnFailures verifies a worker that came up clears earlier launch deaths.
func TestReadyResetsSpawnFailures(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(0, 3))
	factory.autoReady = false

	for i := 0; i < 4; i++ {
		info, err := p.SpawnNew()
		if err != nil {
			t.Fatalf("SpawnNew #%d failed: %v", i, err)
		}
		factory.get(info.ID).exit(backend.ExitStatus{Code: 1})
	}
	info, _ := p.SpawnNew()
	factory.get(info.ID).observer.OnReady(info.ID)

	for i := 0; i < 2; i++ {
		s, err := p.SpawnNew()
		if err != nil {
			t.Fatalf("SpawnNew after recovery failed: %v", err)
		}
		factory.get(s.ID).exit(backend.ExitStatus{Code: 1})
	}
	if _, err := p.SpawnNew(); err != nil {
		t.Errorf("Breaker opened despite a ready worker in between: %v", err)
	}
}

// TestWorkerExitingOnLaunch runs a real worker that exits at once and
// counts its launches.
func TestWorkerExitingOnLaunch(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "launches")
	pm := backend.NewProcessManager()
	factory := BackendFactory(backend.Config{
		Command:   "sh",
		Args:      []string{"-c", "echo x >> " + marker + "; exit 1"},
		KillGrace: time.Second,
	}, pm)
	cfg := Config{MinPoolSize: 1, MaxPoolSize: 2, HealthCheckInterval: time.Hour, ProjectDir: t.TempDir()}
	p := New(cfg, registry.New(), factory, &recordingListener{}, WithLogger(quietLogger))
	p.Start(context.Background())
	defer p.Shutdown(context.Background())

	time.Sleep(500 * time.Millisecond)

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("Worker never ran: %v", err)
	}
	if n := strings.Count(string(data), "x"); n != 1 {
		t.Errorf("Expected one launch, got %d", n)
	}
	if p.Registry().Count() != 0 {
		t.Errorf("Exited worker still registered: %+v", p.Registry().All())
	}
}

// TestCancelSessionKills verifies cancellation is an unconditional kill.
func TestCancelSessionKills(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(0, 2))
	info, _ := p.SpawnNew()
	p.Registry().AssignTask(info.ID, registry.NewTaskKey("t", "1"))

	if !p.CancelSession(info.ID) {
		t.Fatal("CancelSession returned false")
	}
	h := factory.get(info.ID)
	if !h.killed || h.stopped {
		t.Errorf("Expected kill without graceful stop (killed=%v stopped=%v)", h.killed, h.stopped)
	}
	if _, ok := p.Registry().Get(info.ID); ok {
		t.Error("Expected killed session to be unregistered")
	}
}

// TestStopSessionReplenishes verifies graceful stop and floor restoration.
func TestStopSessionReplenishes(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(1, 2))
	p.Start(context.Background())
	info, _ := p.AcquireIdle()

	if err := p.StopSession(context.Background(), info.ID); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if !factory.get(info.ID).stopped {
		t.Error("Expected graceful stop")
	}
	if _, ok := p.Registry().Get(info.ID); ok {
		t.Error("Expected stopped session to be unregistered")
	}
	if st := p.Stats(); st.Total != 1 || st.Idle != 1 {
		t.Errorf("Expected pool back at min, got %+v", st)
	}
}

// TestHealthCheckDetectsSilentDeath verifies crash detection for workers that died without an exit event.
func TestHealthCheckDetectsSilentDeath(t *testing.T) {
	p, factory, listener := newTestPool(t, testConfig(1, 2))
	p.Start(context.Background())
	info, _ := p.AcquireIdle()

	factory.get(info.ID).vanish()
	p.HealthCheck(context.Background())

	if _, ok := p.Registry().Get(info.ID); ok {
		t.Error("Expected dead session to be unregistered")
	}
	if listener.deathCount() != 1 {
		t.Errorf("Expected SessionDied, got %d", listener.deathCount())
	}
	if st := p.Stats(); st.Idle != 1 {
		t.Errorf("Expected replenished idle session, got %+v", st)
	}
}

// TestHealthCheckIdleEviction verifies idle reaping never goes below the floor.
func TestHealthCheckIdleEviction(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(1, 4))
	for i := 0; i < 3; i++ {
		if _, err := p.SpawnNew(); err != nil {
			t.Fatalf("SpawnNew failed: %v", err)
		}
	}
	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	p.HealthCheck(context.Background())

	st := p.Stats()
	if st.Idle != 1 || st.Total != 1 {
		t.Errorf("Expected exactly the floor to survive, got %+v", st)
	}
	stopped := 0
	factory.mu.Lock()
	for _, h := range factory.handles {
		if h.stopped {
			stopped++
		}
	}
	factory.mu.Unlock()
	if stopped != 2 {
		t.Errorf("Expected 2 graceful stops, got %d", stopped)
	}
}

// TestHealthCheckKeepsFreshIdle verifies sessions within the idle timeout are kept.
func TestHealthCheckKeepsFreshIdle(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig(0, 4))
	p.SpawnNew()
	p.SpawnNew()

	p.HealthCheck(context.Background())

	if st := p.Stats(); st.Idle != 2 {
		t.Errorf("Expected both idle sessions kept, got %+v", st)
	}
}

// TestSpawnFailureTripsBreaker verifies failing spawns are swallowed during
// replenishment and eventually short-circuited.
func TestSpawnFailureTripsBreaker(t *testing.T) {
	p, factory, _ := newTestPool(t, testConfig(1, 3))
	factory.startErr = fmt.Errorf("exec: not found")

	p.Start(context.Background())
	if n := p.Registry().Count(); n != 0 {
		t.Errorf("Expected failed spawn to leave no session, got %d", n)
	}

	var err error
	for i := 0; i < 10; i++ {
		_, err = p.SpawnNew()
	}
	if !IsBreakerOpen(err) {
		t.Errorf("Expected breaker to be open after repeated failures, got %v", err)
	}
}

// TestShutdownStopsEverything verifies best-effort shutdown.
func TestShutdownStopsEverything(t *testing.T) {
	p, factory, _ := newTestPool(t, Config{MinPoolSize: 2, MaxPoolSize: 3, HealthCheckInterval: 10 * time.Millisecond})
	p.Start(context.Background())

	p.Shutdown(context.Background())

	if n := p.Registry().Count(); n != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d", n)
	}
	factory.mu.Lock()
	for id, h := range factory.handles {
		if !h.stopped {
			t.Errorf("Session %s was not stopped", id)
		}
	}
	factory.mu.Unlock()

	if _, err := p.SpawnNew(); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
	p.Shutdown(context.Background())
}
