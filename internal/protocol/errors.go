package protocol

import "errors"

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("protocol: decode error")

// DecodeError reports a payload that is not a well-formed protocol event.
type DecodeError struct {
	Reason  string
	Payload string // possibly truncated
	Err     error
}

func (e *DecodeError) Error() string {
	msg := "protocol: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Payload != "" {
		msg += " (payload " + e.Payload + ")"
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

const maxPayloadInError = 128

func decodeErr(payload []byte, reason string, err error) *DecodeError {
	p := string(payload)
	if len(p) > maxPayloadInError {
		p = p[:maxPayloadInError] + "…"
	}
	return &DecodeError{Reason: reason, Payload: p, Err: err}
}
