package dispatcher

import (
	"log/slog"
	"sync"
)

// delivery hands events to the Handler from a single goroutine. Pushing
// never blocks, and events are delivered in push order.
type delivery struct {
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func(Handler)
	closed bool
	done   chan struct{}
}

func newDelivery(h Handler, logger *slog.Logger) *delivery {
	d := &delivery{
		handler: h,
		logger:  logger,
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *delivery) push(fn func(Handler)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

func (d *delivery) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, fn := range batch {
			d.call(fn)
		}
	}
}

func (d *delivery) call(fn func(Handler)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn(d.handler)
}

// close stops accepting events and waits until queued ones are delivered.
func (d *delivery) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
