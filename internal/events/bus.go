package events

import (
	"sync"
	"sync/atomic"
)

// EventBus is a channel-based pub-sub event bus with topic-based
// subscriptions.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event // topic -> subscriber channels
	queues map[string][]*queue     // topic -> unbounded subscribers
	closed bool

	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:   make(map[string][]chan Event),
		queues: make(map[string][]*queue),
	}
}

// Subscribe creates a subscription to a specific topic.
// Returns a read-only channel that receives events published to that topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeUnbounded creates a subscription to a topic that never drops
// events: publishes are queued without limit and delivered in order. Use
// it for a consumer that must see every event; a consumer that stops
// reading must Unsubscribe or the queue grows.
func (b *EventBus) SubscribeUnbounded(topic string) <-chan Event {
	q := newQueue()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		q.finish()
		return q.out
	}
	b.queues[topic] = append(b.queues[topic], q)
	return q.out
}

func newChannel(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	return make(chan Event, bufSize)
}

// Unsubscribe removes and closes a channel returned by Subscribe or
// SubscribeUnbounded. An unbounded subscription drops its
// backlog and its channel closes shortly after. Unknown channels are
// ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, queues := range b.queues {
		for i, q := range queues {
			if (<-chan Event)(q.out) == sub {
				b.queues[topic] = append(queues[:i:i], queues[i+1:]...)
				q.abandon()
				return
			}
		}
	}
	if b.closed {
		return
	}
	for topic, channels := range b.subs {
		if rest, ch, ok := without(channels, sub); ok {
			b.subs[topic] = rest
			close(ch)
			return
		}
	}
}

func without(channels []chan Event, sub <-chan Event) ([]chan Event, chan Event, bool) {
	for i, ch := range channels {
		if (<-chan Event)(ch) == sub {
			rest := append(channels[:i:i], channels[i+1:]...)
			return rest, ch, true
		}
	}
	return channels, nil, false
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: if a subscriber's channel is full, the event is dropped for
// that subscriber. Unbounded subscribers always get it.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, q := range b.queues[topic] {
		q.push(event)
	}
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	// Unbounded subscribers still receive what was queued before Close.
	for _, queues := range b.queues {
		for _, q := range queues {
			q.finish()
		}
	}
}

// queue backs an unbounded subscription. Publish appends under mu and a
// pump goroutine feeds out in order.
type queue struct {
	out  chan Event
	wake chan struct{}
	stop chan struct{}

	mu       sync.Mutex
	items    []Event
	finished bool
}

func newQueue() *queue {
	q := &queue{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *queue) push(event Event) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, event)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// finish accepts no more events; out is closed once the backlog is read.
func (q *queue) finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.signal()
}

// abandon discards the backlog and closes out. Caller holds the bus lock,
// so it runs at most once per queue.
func (q *queue) abandon() {
	q.finish()
	close(q.stop)
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		finished := q.finished
		q.mu.Unlock()

		for _, event := range items {
			select {
			case q.out <- event:
			case <-q.stop:
				return
			}
		}
		if len(items) > 0 {
			continue
		}
		if finished {
			return
		}
		select {
		case <-q.wake:
		case <-q.stop:
			return
		}
	}
}
