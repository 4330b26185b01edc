package wsgate

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/protocol"
)

const closeWait = time.Second

// Conn presents a WebSocket connection as a stream of newline-delimited
// events. Every inbound text frame holds one or more events; every Write
// goes out as a single text frame.
//
// Write and SetWriteDeadline may be called from several goroutines. The
// websocket allows one writer at a time, and its write deadline counts as
// writer state, so the deadline is recorded here and applied under wmu.
type Conn struct {
	ws *websocket.Conn

	pending []byte // unread remainder of the current frame

	wmu sync.Mutex // serializes frame writes

	dmu      sync.Mutex
	deadline time.Time // write deadline for the next Write
}

var _ net.Conn = (*Conn)(nil)

func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(protocol.MaxMessageBuffer)
	return &Conn{ws: ws}
}

// Read is not safe for concurrent use.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return 0, io.EOF
			}
			return 0, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if len(data) > 0 && data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.dmu.Lock()
	deadline := c.deadline
	c.dmu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close frame, best effort, and closes the connection.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	return errors.Join(c.SetReadDeadline(t), c.SetWriteDeadline(t))
}

func (c *Conn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

// SetWriteDeadline never waits for a Write in progress. The new deadline is
// also pushed to the network connection so a blocked write sees it at once.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.dmu.Lock()
	c.deadline = t
	c.dmu.Unlock()
	return c.ws.NetConn().SetWriteDeadline(t)
}
