// Package session tracks what a client knows about the room: its own
// identity, who is online and the chat transcript.
package session

import (
	"errors"
	"fmt"
	"slices"

	"chatrelay/internal/protocol"
)

var ErrUnexpected = errors.New("session: unexpected event")

type Session struct {
	self       protocol.UserID
	joined     bool
	online     map[protocol.UserID]struct{}
	transcript []protocol.Event
}

func New() *Session {
	return &Session{online: make(map[protocol.UserID]struct{})}
}

// Self returns the identity assigned by the server, if any yet.
func (s *Session) Self() (protocol.UserID, bool) {
	return s.self, s.joined
}

// Apply folds a server event into the session. PINGs are not state and are
// rejected here; see Reply.
func (s *Session) Apply(ev protocol.Event) error {
	if !s.joined {
		id, ok := ev.ID()
		if ev.Type != protocol.TypeHello || !ok {
			return unexpected(ev, "before hello")
		}
		s.self = id
		s.joined = true
		return nil
	}

	switch ev.Type {
	case protocol.TypeUserJoined:
		id, _ := ev.ID()
		s.online[id] = struct{}{}
	case protocol.TypeUserLeft:
		id, _ := ev.ID()
		delete(s.online, id)
	case protocol.TypeChat:
		s.transcript = append(s.transcript, ev)
	default:
		return unexpected(ev, "after hello")
	}
	return nil
}

// Reply returns the event to send back for ev, if one is due. It does not
// touch session state and may be called from any goroutine.
func (s *Session) Reply(ev protocol.Event) (protocol.Event, bool, error) {
	if ev.Type != protocol.TypePing {
		return protocol.Event{}, false, nil
	}
	if ev.Ping != protocol.PhasePing {
		return protocol.Event{}, false, unexpected(ev, "from server")
	}
	return protocol.Ping(protocol.PhasePong), true, nil
}

// Online lists the users known to be connected, self included once the
// server has announced it, in ascending order.
func (s *Session) Online() []protocol.UserID {
	ids := make([]protocol.UserID, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Session) Transcript() []protocol.Event {
	return slices.Clone(s.transcript)
}

func unexpected(ev protocol.Event, when string) error {
	return fmt.Errorf("%w: %s %s", ErrUnexpected, ev, when)
}
