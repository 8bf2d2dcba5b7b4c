package progress

import (
	"context"
	"time"
)

const defaultPollInterval = 50 * time.Millisecond

// Muxer merges the progress queues of concurrently running calls into a
// single stream. Per-queue order is preserved; ordering across queues is
// arrival order, best effort.
type Muxer struct {
	queues []*Queue
	poll   time.Duration
}

// NewMuxer creates a muxer over the given queues. A non-positive poll
// interval falls back to 50ms.
func NewMuxer(queues []*Queue, poll time.Duration) *Muxer {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Muxer{queues: queues, poll: poll}
}

// Drain sweeps the queues until done reports completion and a sweep finds
// nothing new, then performs one final sweep to catch events enqueued in
// the race window between the last sweep and the done signal. Each event
// is handed to yield the moment it is observed. Sleeps the poll interval
// between empty sweeps rather than spinning. With zero queues it returns
// immediately. Returns the number of events yielded.
func (m *Muxer) Drain(ctx context.Context, done func() bool, yield func(Event)) int {
	if len(m.queues) == 0 {
		return 0
	}

	total := 0
	for {
		swept := m.sweep(yield)
		total += swept

		if done() && swept == 0 {
			total += m.sweep(yield)
			return total
		}
		if ctx.Err() != nil {
			return total
		}
		if swept == 0 {
			select {
			case <-ctx.Done():
				return total
			case <-time.After(m.poll):
			}
		}
	}
}

// sweep pops one event per queue per lap until every queue reads empty,
// interleaving sources fairly within the pass.
func (m *Muxer) sweep(yield func(Event)) int {
	n := 0
	for {
		popped := false
		for _, q := range m.queues {
			if ev, ok := q.TryPop(); ok {
				yield(ev)
				n++
				popped = true
			}
		}
		if !popped {
			return n
		}
	}
}
