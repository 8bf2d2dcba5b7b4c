package progress

import "sync"

// Queue is an unbounded FIFO of progress events, safe for concurrent use.
// A nil Queue is a valid no-op sink: pushes are discarded and pops report
// empty, so callers without a progress consumer pass nil instead of
// guarding every emission site.
type Queue struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends an event. Events from one producer are observed in push order.
func (q *Queue) Push(ev Event) {
	if q == nil {
		return
	}
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	// Coalesced wakeup for Wait receivers.
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest event without blocking.
func (q *Queue) TryPop() (Event, bool) {
	if q == nil {
		return Event{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Wait returns a channel that receives a signal after a push. Signals are
// coalesced: one receive may cover several pushes, so receivers must drain
// with TryPop until empty. Returns nil for a nil queue (blocks forever in
// a select, which is the correct no-op behavior).
func (q *Queue) Wait() <-chan struct{} {
	if q == nil {
		return nil
	}
	return q.notify
}
