package server

import (
	"cmp"
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/protocol"
	"chatrelay/internal/store"
)

type state int

const (
	stateAwaitingHello state = iota
	stateActive
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAwaitingHello:
		return "awaiting hello"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// handler runs the protocol for one connection. It owns conn for reading and
// is the only code that closes it. Only the goroutine running serve touches
// state and user.
//
//	AWAITING_HELLO ──HELLO──▶ ACTIVE ──EOF / error / violation──▶ CLOSED
type handler struct {
	conn     net.Conn
	registry *Registry
	queue    *Queue
	history  *store.History
	nextID   func() protocol.UserID
	cfg      Config
	log      zerolog.Logger

	state     state
	user      protocol.UserID
	closeOnce sync.Once
}

func newHandler(conn net.Conn, s *Server, log zerolog.Logger) *handler {
	return &handler{
		conn:     conn,
		registry: s.registry,
		queue:    s.queue,
		history:  s.history,
		nextID:   s.allocateID,
		cfg:      s.cfg,
		log:      log,
	}
}

// serve blocks until the connection ends, then cleans up.
func (h *handler) serve(ctx context.Context) {
	h.terminate(h.readLoop(ctx))
}

// readLoop reads chunks of at most MaxMessageBuffer bytes, decodes every
// complete line, and waits one tick between reads. A nil return means the
// peer hung up or the server is shutting down.
func (h *handler) readLoop(ctx context.Context) error {
	framer := protocol.NewFramer(protocol.MaxMessageBuffer)
	buf := make([]byte, protocol.MaxMessageBuffer)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if h.cfg.IdleTimeout > 0 {
			h.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		}
		n, rerr := h.conn.Read(buf)
		if n > 0 {
			lines, ferr := framer.Feed(buf[:n])
			for _, line := range lines {
				ev, err := protocol.Decode(line)
				if err != nil {
					return err
				}
				if err := h.handle(ev); err != nil {
					return err
				}
			}
			if ferr != nil {
				return ferr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || ctx.Err() != nil {
				if n := framer.Pending(); n > 0 {
					h.log.Debug().Int("bytes", n).Msg("discarding unterminated line")
				}
				return nil
			}
			return &ConnectionError{Op: "read", Err: rerr}
		}

		if !pause(ctx, h.cfg.Tick) {
			return nil
		}
	}
}

// handle applies one decoded event to the state machine.
func (h *handler) handle(ev protocol.Event) error {
	switch h.state {
	case stateAwaitingHello:
		if ev.Type != protocol.TypeHello {
			return h.violation(ev)
		}
		if _, assigned := ev.ID(); assigned {
			return h.violation(ev)
		}
		return h.greet()

	case stateActive:
		switch ev.Type {
		case protocol.TypePing:
			if ev.Ping != protocol.PhasePong {
				return h.violation(ev)
			}
			// Direct reply; the shared queue is not involved.
			return h.send(protocol.Ping(protocol.PhasePing))

		case protocol.TypeChat:
			if claimed, ok := ev.ID(); ok && claimed != h.user {
				h.log.Debug().Int64("claimed", int64(claimed)).Msg("chat sender rewritten")
			}
			chat := ev.WithID(h.user)
			h.history.Append(chat)
			h.queue.Enqueue(chat)
			h.log.Debug().Str("text", chat.Text).Msg("chat")
			return nil
		}
	}
	return h.violation(ev)
}

// greet assigns an identity and brings the new client up to date: its own
// HELLO, one USER_JOINED per peer already online, the recent transcript and
// a first PING. Only then is the connection registered and announced.
func (h *handler) greet() error {
	id := h.nextID()
	h.user = id
	h.log = h.log.With().Int64("user_id", int64(id)).Logger()

	peers := h.registry.Snapshot()
	slices.SortFunc(peers, func(a, b Member) int { return cmp.Compare(a.ID, b.ID) })

	recent := h.history.Last(h.cfg.HistoryReplay)

	batch := make([]protocol.Event, 0, len(peers)+len(recent)+2)
	batch = append(batch, protocol.Hello(id))
	for _, p := range peers {
		if p.ID != id {
			batch = append(batch, protocol.UserJoined(p.ID))
		}
	}
	batch = append(batch, recent...)
	batch = append(batch, protocol.Ping(protocol.PhasePing))

	if err := h.send(batch...); err != nil {
		return err
	}

	h.registry.Register(h.conn, id)
	h.queue.Enqueue(protocol.UserJoined(id))
	h.state = stateActive

	h.log.Info().Int("peers", len(peers)).Int("replayed", len(recent)).Msg("client joined")
	return nil
}

func (h *handler) violation(ev protocol.Event) error {
	return &ProtocolError{State: h.state.String(), Event: ev}
}

// send writes events to this connection only, as a single write.
func (h *handler) send(events ...protocol.Event) error {
	data, err := encodeAll(events)
	if err != nil {
		return err
	}
	if h.cfg.WriteTimeout > 0 {
		h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	}
	if _, err := h.conn.Write(data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// terminate removes the client from the registry, announces its departure
// and closes the connection. It is safe to call more than once; only the
// first call has any effect.
func (h *handler) terminate(cause error) {
	h.closeOnce.Do(func() {
		wasActive := h.state == stateActive
		h.state = stateClosed

		if wasActive {
			h.registry.UnregisterID(h.user)
			h.queue.Enqueue(protocol.UserLeft(h.user))
		}

		if err := h.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.log.Debug().Err(err).Msg("close")
		}

		ev := h.log.Info()
		switch {
		case errors.Is(cause, protocol.ErrDecode), errors.Is(cause, ErrProtocol):
			ev = h.log.Warn().Err(cause)
		case cause != nil:
			ev = ev.Err(cause)
		}
		ev.Bool("joined", wasActive).Msg("client disconnected")
	})
}

// encodeAll concatenates the encoded events, preserving their order.
func encodeAll(events []protocol.Event) ([]byte, error) {
	var out []byte
	for _, ev := range events {
		data, err := protocol.Encode(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// pause waits d or until ctx is done, reporting false in the latter case.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
