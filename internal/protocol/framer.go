package protocol

import (
	"bytes"
	"fmt"
)

// Framer reassembles newline-delimited lines from arbitrary read chunks.
// Several events may arrive in one read and a line may be split across
// reads; Framer returns only complete, non-empty lines and keeps the rest.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	pending []byte
	limit   int
}

// NewFramer returns a Framer that rejects a partial line longer than limit.
// A limit <= 0 selects MaxMessageBuffer.
func NewFramer(limit int) *Framer {
	if limit <= 0 {
		limit = MaxMessageBuffer
	}
	return &Framer{limit: limit}
}

// Feed appends chunk and returns every line it completes, without the
// delimiter. Empty fragments (such as the one after a trailing newline) are
// skipped. The returned slices do not alias chunk or the Framer's buffer.
func (f *Framer) Feed(chunk []byte) ([][]byte, error) {
	f.pending = append(f.pending, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(f.pending[:i], "\r")
		if len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		f.pending = f.pending[i+1:]
	}

	if len(f.pending) > f.limit {
		n := len(f.pending)
		f.pending = nil
		return lines, decodeErr(nil, fmt.Sprintf("line exceeds %d bytes (%d pending)", f.limit, n), nil)
	}
	if len(f.pending) == 0 {
		f.pending = nil
	} else {
		f.pending = bytes.Clone(f.pending)
	}
	return lines, nil
}

// Pending reports how many bytes of an incomplete line are buffered.
func (f *Framer) Pending() int { return len(f.pending) }
