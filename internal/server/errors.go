package server

import (
	"errors"
	"fmt"

	"chatrelay/internal/protocol"
)

// ErrProtocol matches every *ProtocolError via errors.Is.
var ErrProtocol = errors.New("server: protocol violation")

// ProtocolError is a well-formed event that is not allowed in the
// connection's current state.
type ProtocolError struct {
	State string
	Event protocol.Event
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server: unexpected %s while %s", e.Event, e.State)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// ConnectionError wraps an I/O failure on a client connection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
