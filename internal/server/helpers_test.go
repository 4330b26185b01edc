package server

import (
	"bufio"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/protocol"
)

// mockConn records writes. Methods the relay never calls on a broadcast
// target are left to the nil embedded interface.
type mockConn struct {
	net.Conn

	mu       sync.Mutex
	written  []byte
	writeErr error
	closes   int
}

func (m *mockConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.written = append(m.written, p...)
	return len(p), nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *mockConn) SetDeadline(time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) events(t *testing.T) []protocol.Event {
	t.Helper()
	m.mu.Lock()
	data := append([]byte(nil), m.written...)
	m.mu.Unlock()

	lines, err := protocol.NewFramer(len(data) + 1).Feed(data)
	require.NoError(t, err)
	var out []protocol.Event
	for _, line := range lines {
		ev, err := protocol.Decode(line)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

// countingConn counts Close calls on a real connection.
type countingConn struct {
	net.Conn

	mu     sync.Mutex
	closes int
}

func (c *countingConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *countingConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// peer is the client side of a test connection.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	return &peer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) send(events ...protocol.Event) {
	p.t.Helper()
	var data []byte
	for _, ev := range events {
		line, err := protocol.Encode(ev)
		require.NoError(p.t, err)
		data = append(data, line...)
	}
	p.sendRaw(string(data))
}

func (p *peer) sendRaw(s string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := p.conn.Write([]byte(s))
	require.NoError(p.t, err)
}

func (p *peer) recv() protocol.Event {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := p.r.ReadBytes('\n')
	require.NoError(p.t, err)
	ev, err := protocol.Decode(line)
	require.NoError(p.t, err)
	return ev
}

func (p *peer) recvN(n int) []protocol.Event {
	p.t.Helper()
	out := make([]protocol.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.recv())
	}
	return out
}

// waitFor reads until an event equal to want arrives, skipping others.
func (p *peer) waitFor(want protocol.Event) {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reflect.DeepEqual(p.recv(), want) {
			return
		}
	}
	p.t.Fatalf("did not receive %s", want)
}

// expectClosed drains the connection until the server closes it.
func (p *peer) expectClosed() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, err := p.r.ReadBytes('\n')
		if err == nil {
			continue
		}
		var ne net.Error
		require.False(p.t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed: %v", err)
		return
	}
}
