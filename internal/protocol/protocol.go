// Package protocol defines the wire format for all client-server communication.
// Each event is a single JSON object followed by a newline character (\n):
//
//	{"what":"Event","type":"CHAT","user_id":1,"chat_msg":"hi"}
//
// The "what" marker identifies the object as a protocol event and "type" is
// the discriminant that selects the variant.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// MaxMessageBuffer is the largest chunk read from a connection at once,
	// and the longest line a peer may leave pending between reads.
	MaxMessageBuffer = 4096

	marker = "Event"
)

// UserID is the server-assigned identity of a connected client.
type UserID int64

// EventType is the discriminant of an Event.
type EventType string

const (
	TypeHello      EventType = "HELLO"
	TypeUserJoined EventType = "USER_JOINED"
	TypeUserLeft   EventType = "USER_LEFT"
	TypePing       EventType = "PING"
	TypeChat       EventType = "CHAT"
)

// PingType distinguishes the two halves of the keepalive round-trip.
type PingType string

const (
	PhasePing PingType = "PING"
	PhasePong PingType = "PONG"
)

// Event is the tagged union carried over the wire.
//
// UserID is nil only for a HELLO sent by a client that still needs an
// identity, or for a CHAT line whose sender left it for the server to fill in.
// Ping is set for TypePing only, Text for TypeChat only.
type Event struct {
	Type   EventType
	UserID *UserID
	Ping   PingType
	Text   string
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// HelloRequest is the first event a client sends to ask for an identity.
func HelloRequest() Event { return Event{Type: TypeHello} }

// Hello is the server's reply carrying the assigned identity.
func Hello(id UserID) Event { return Event{Type: TypeHello, UserID: ptr(id)} }

// UserJoined announces that id is online.
func UserJoined(id UserID) Event { return Event{Type: TypeUserJoined, UserID: ptr(id)} }

// UserLeft announces that id disconnected.
func UserLeft(id UserID) Event { return Event{Type: TypeUserLeft, UserID: ptr(id)} }

// Ping is one half of the keepalive exchange.
func Ping(phase PingType) Event { return Event{Type: TypePing, Ping: phase} }

// Chat is a message from id, relayed to everyone.
func Chat(id UserID, text string) Event {
	return Event{Type: TypeChat, UserID: ptr(id), Text: text}
}

func ptr(id UserID) *UserID { return &id }

// ID returns the identity carried by e and whether one is present.
func (e Event) ID() (UserID, bool) {
	if e.UserID == nil {
		return 0, false
	}
	return *e.UserID, true
}

// WithID returns a copy of e carrying id.
func (e Event) WithID(id UserID) Event {
	e.UserID = ptr(id)
	return e
}

func (e Event) String() string {
	switch e.Type {
	case TypePing:
		return fmt.Sprintf("%s{%s}", e.Type, e.Ping)
	case TypeChat:
		if id, ok := e.ID(); ok {
			return fmt.Sprintf("%s{%d, %q}", e.Type, id, e.Text)
		}
		return fmt.Sprintf("%s{%q}", e.Type, e.Text)
	}
	if id, ok := e.ID(); ok {
		return fmt.Sprintf("%s{%d}", e.Type, id)
	}
	return fmt.Sprintf("%s{}", e.Type)
}

// ---------------------------------------------------------------------------
// Wire shapes
// ---------------------------------------------------------------------------

// header is shared by every event on the wire.
type header struct {
	What string    `json:"what"`
	Type EventType `json:"type"`
}

// helloWire keeps user_id without omitempty: a request carries an explicit null.
type helloWire struct {
	header
	UserID *UserID `json:"user_id"`
}

type presenceWire struct {
	header
	UserID UserID `json:"user_id"`
}

type pingWire struct {
	header
	PingType PingType `json:"ping_type"`
}

type chatWire struct {
	header
	UserID  UserID `json:"user_id"`
	ChatMsg string `json:"chat_msg"`
}

// inbound accepts every variant; pointers tell absent fields from zero values.
type inbound struct {
	What     *string    `json:"what"`
	Type     *EventType `json:"type"`
	UserID   *UserID    `json:"user_id"`
	PingType *PingType  `json:"ping_type"`
	ChatMsg  *string    `json:"chat_msg"`
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// Encode returns the JSON bytes for e followed by a newline.
func Encode(e Event) ([]byte, error) {
	h := header{What: marker, Type: e.Type}

	var v any
	switch e.Type {
	case TypeHello:
		v = helloWire{header: h, UserID: e.UserID}
	case TypeUserJoined, TypeUserLeft:
		if e.UserID == nil {
			return nil, fmt.Errorf("protocol: encode %s: missing user_id", e.Type)
		}
		v = presenceWire{header: h, UserID: *e.UserID}
	case TypePing:
		if !e.Ping.valid() {
			return nil, fmt.Errorf("protocol: encode %s: invalid ping_type %q", e.Type, e.Ping)
		}
		v = pingWire{header: h, PingType: e.Ping}
	case TypeChat:
		if e.UserID == nil {
			return nil, fmt.Errorf("protocol: encode %s: missing user_id", e.Type)
		}
		v = chatWire{header: h, UserID: *e.UserID, ChatMsg: e.Text}
	default:
		return nil, fmt.Errorf("protocol: encode: unknown event type %q", e.Type)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", e.Type, err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line (with or without its trailing newline) into an Event.
// Any failure is reported as a *DecodeError.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimRight(line, "\r\n")

	var in inbound
	if err := json.Unmarshal(line, &in); err != nil {
		return Event{}, decodeErr(line, "malformed json", err)
	}
	if in.What == nil || *in.What != marker {
		return Event{}, decodeErr(line, "missing event marker", nil)
	}
	if in.Type == nil {
		return Event{}, decodeErr(line, "missing type", nil)
	}

	e := Event{Type: *in.Type}
	switch e.Type {
	case TypeHello:
		e.UserID = in.UserID
	case TypeUserJoined, TypeUserLeft:
		if in.UserID == nil {
			return Event{}, decodeErr(line, "missing user_id", nil)
		}
		e.UserID = in.UserID
	case TypePing:
		if in.PingType == nil || !in.PingType.valid() {
			return Event{}, decodeErr(line, "invalid ping_type", nil)
		}
		e.Ping = *in.PingType
	case TypeChat:
		if in.ChatMsg == nil {
			return Event{}, decodeErr(line, "missing chat_msg", nil)
		}
		e.UserID = in.UserID
		e.Text = *in.ChatMsg
	default:
		return Event{}, decodeErr(line, fmt.Sprintf("unknown type %q", e.Type), nil)
	}
	return e, nil
}

func (p PingType) valid() bool { return p == PhasePing || p == PhasePong }
