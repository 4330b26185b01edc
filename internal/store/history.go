// Package store provides concurrent-safe, in-memory storage for the chat
// transcript.
package store

import (
	"sync"

	"chatrelay/internal/protocol"
)

// History is an append-only, insertion-ordered log of chat events.
// A sync.RWMutex protects it so replays to joining clients can read
// concurrently while appends are serialised.
//
// When a limit is set the log is a ring: appending to a full History
// overwrites the oldest entry.
type History struct {
	mu     sync.RWMutex
	events []protocol.Event
	start  int // index of the oldest event once the ring is full
	limit  int
}

// NewHistory creates a History holding at most limit events.
// A limit <= 0 keeps every event.
func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	h := &History{limit: limit}
	if limit > 0 {
		h.events = make([]protocol.Event, 0, limit)
	}
	return h
}

// Append adds ev at the end of the log in O(1).
func (h *History) Append(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limit > 0 && len(h.events) == h.limit {
		h.events[h.start] = ev
		h.start = (h.start + 1) % h.limit
		return
	}
	h.events = append(h.events, ev)
}

// Last returns the most recent n events, oldest first. Fewer than n are
// returned when the log is shorter; n <= 0 returns nothing.
func (h *History) Last(n int) []protocol.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := len(h.events)
	if n <= 0 || total == 0 {
		return nil
	}
	if n > total {
		n = total
	}

	out := make([]protocol.Event, 0, n)
	from := (h.start + total - n) % total
	if from+n <= total {
		return append(out, h.events[from:from+n]...)
	}
	out = append(out, h.events[from:]...)
	return append(out, h.events[:from+n-total]...)
}

// Len returns the number of stored events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// Limit returns the configured capacity, 0 meaning unbounded.
func (h *History) Limit() int { return h.limit }
