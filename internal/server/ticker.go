package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/protocol"
)

// Ticker is the single periodic broadcaster. Once per interval it drains the
// Queue and writes every drained event, in order, to every connection in a
// Registry snapshot taken just before the drain.
//
// The Ticker never removes registry entries: a failed write only means the
// peer is going away, and its own handler is responsible for the cleanup.
type Ticker struct {
	registry     *Registry
	queue        *Queue
	interval     time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger
}

func NewTicker(r *Registry, q *Queue, interval, writeTimeout time.Duration, log zerolog.Logger) *Ticker {
	if interval <= 0 {
		interval = DefaultTick
	}
	return &Ticker{
		registry:     r,
		queue:        q,
		interval:     interval,
		writeTimeout: writeTimeout,
		log:          log,
	}
}

// Run ticks until ctx is cancelled. It must be launched as a goroutine.
func (t *Ticker) Run(ctx context.Context) {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	t.log.Debug().Dur("interval", t.interval).Msg("ticker started")
	for {
		select {
		case <-ctx.Done():
			t.log.Debug().Msg("ticker stopped")
			return
		case <-tk.C:
			t.Tick()
		}
	}
}

// Tick performs one broadcast round and returns how many connections
// accepted the whole batch.
func (t *Ticker) Tick() int {
	members := t.registry.Snapshot()
	events := t.queue.Drain()
	if len(events) == 0 {
		return 0
	}

	payload := t.encode(events)
	if len(payload) == 0 || len(members) == 0 {
		return 0
	}

	// One goroutine per member so a stalled peer only costs its own write
	// deadline. The round finishes before the next one starts, which keeps
	// per-connection delivery in queue order.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, m := range members {
		wg.Add(1)
		go func(m Member) {
			defer wg.Done()
			if t.writeTimeout > 0 {
				m.Conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			}
			if _, err := m.Conn.Write(payload); err != nil {
				t.log.Debug().Err(err).Int64("user_id", int64(m.ID)).Msg("broadcast write failed")
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	t.log.Trace().Int("events", len(events)).Int("members", len(members)).Int("delivered", delivered).Msg("tick")
	return delivered
}

// encode serialises events once for the whole round, skipping any that
// cannot be encoded.
func (t *Ticker) encode(events []protocol.Event) []byte {
	var payload []byte
	for _, ev := range events {
		data, err := protocol.Encode(ev)
		if err != nil {
			t.log.Error().Err(err).Stringer("event", ev).Msg("dropping unencodable event")
			continue
		}
		payload = append(payload, data...)
	}
	return payload
}
