package server

import (
	"sync"

	"chatrelay/internal/protocol"
)

// Queue buffers events pending broadcast. Any handler may Enqueue; only the
// Ticker drains it.
//
// Events from different handlers interleave in the order their Enqueue calls
// complete, not by any causal order between senders.
type Queue struct {
	mu    sync.Mutex
	items []protocol.Event
}

func NewQueue() *Queue { return &Queue{} }

// Enqueue appends ev. It never blocks on anything but the queue mutex.
func (q *Queue) Enqueue(ev protocol.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, ev)
}

// Drain atomically removes and returns every queued event in FIFO order.
func (q *Queue) Drain() []protocol.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
