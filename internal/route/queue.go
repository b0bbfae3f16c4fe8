package route

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/route-beacon/evpn-routed/internal/evpn"
)

// eventQueue is a FIFO with a single consumer. A positive capacity bounds
// it; once full, push discards the oldest pending event.
type eventQueue struct {
	mu       sync.Mutex
	items    []evpn.Event
	capacity int
	closed   bool
	signal   chan struct{}
	depth    prometheus.Gauge
}

func newEventQueue(capacity int, depth prometheus.Gauge) *eventQueue {
	return &eventQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		depth:    depth,
	}
}

// push appends ev. It reports whether an older event was discarded to make
// room. Pushing to a closed queue is a no-op.
func (q *eventQueue) push(ev evpn.Event) (overflow bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.items[0] = evpn.Event{}
		q.items = q.items[1:]
		overflow = true
	}
	q.items = append(q.items, ev)
	q.depth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return overflow
}

// pop blocks until an event is available, the queue is closed or ctx is
// done.
func (q *eventQueue) pop(ctx context.Context) (evpn.Event, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return evpn.Event{}, false
		}
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = evpn.Event{}
			q.items = q.items[1:]
			q.depth.Set(float64(len(q.items)))
			q.mu.Unlock()
			return ev, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return evpn.Event{}, false
		}
	}
}

// close marks the queue closed and discards pending events, returning how
// many were discarded.
func (q *eventQueue) close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	n := len(q.items)
	q.items = nil
	q.depth.Set(0)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return n
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
