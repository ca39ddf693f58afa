package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"
)

// writeJob is one persistence operation and its completion callback.
type writeJob struct {
	name string
	run  func(ctx context.Context) error
	done func(err error)
}

// writer applies persistence jobs in submission order on one goroutine so
// that a task's status writes never overtake each other.
type writer struct {
	jobs    chan writeJob
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newWriter(bufferSize int, retry RetryConfig, logger *slog.Logger) *writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &writer{
		jobs:    make(chan writeJob, bufferSize),
		breaker: newStoreBreaker(logger),
		retry:   retry,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) loop() {
	defer close(w.done)
	for job := range w.jobs {
		err := persistWithRetry(w.ctx, w.breaker, w.retry, job.run)
		if err != nil {
			w.logger.Warn("persistence write failed", "job", job.name, "error", err)
		}
		if job.done != nil {
			job.done(err)
		}
	}
}

// submit queues a job. It blocks while the queue is full and drops the job
// once the writer is stopped.
func (w *writer) submit(job writeJob) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	w.jobs <- job
	return true
}

// stop drains queued jobs. If ctx expires first, in-flight retries are
// abandoned and the remaining jobs fail fast.
func (w *writer) stop(ctx context.Context) {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		w.cancel()
		<-w.done
	}
	w.cancel()
}
