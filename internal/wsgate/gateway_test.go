package wsgate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/protocol"
	"chatrelay/internal/server"
)

func startGateway(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Tick = 5 * time.Millisecond
	cfg.IdleTimeout = 0

	relay := server.New(cfg, zerolog.Nop())
	ts := httptest.NewServer(New(relay, zerolog.Nop()).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		assert.NoError(t, relay.Shutdown(ctx))
		ts.Close()
	})
	return relay, ts
}

type wsPeer struct {
	t       *testing.T
	ws      *websocket.Conn
	pending []protocol.Event
}

func dialWS(t *testing.T, ts *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &wsPeer{t: t, ws: ws}
}

func (p *wsPeer) sendRaw(frame string) {
	p.t.Helper()
	require.NoError(p.t, p.ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (p *wsPeer) send(ev protocol.Event) {
	p.t.Helper()
	data, err := protocol.Encode(ev)
	require.NoError(p.t, err)
	p.sendRaw(string(data))
}

// recv returns the next event, reading another frame when needed.
func (p *wsPeer) recv() protocol.Event {
	p.t.Helper()
	for len(p.pending) == 0 {
		require.NoError(p.t, p.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := p.ws.ReadMessage()
		require.NoError(p.t, err)
		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			ev, err := protocol.Decode(line)
			require.NoError(p.t, err)
			p.pending = append(p.pending, ev)
		}
	}
	ev := p.pending[0]
	p.pending = p.pending[1:]
	return ev
}

func (p *wsPeer) recvN(n int) []protocol.Event {
	p.t.Helper()
	out := make([]protocol.Event, n)
	for i := range out {
		out[i] = p.recv()
	}
	return out
}

func TestGateway_Greeting(t *testing.T) {
	relay, ts := startGateway(t)

	p := dialWS(t, ts)
	p.send(protocol.HelloRequest())
	assert.Equal(t, []protocol.Event{protocol.Hello(0), protocol.Ping(protocol.PhasePing)}, p.recvN(2))

	p.send(protocol.Ping(protocol.PhasePong))
	assert.Equal(t, protocol.Ping(protocol.PhasePing), p.recv())

	require.Eventually(t, func() bool { return relay.Stats().Online == 1 }, time.Second, time.Millisecond)
}

func TestGateway_FrameWithoutNewline(t *testing.T) {
	_, ts := startGateway(t)

	p := dialWS(t, ts)
	p.sendRaw(`{"what":"Event","type":"HELLO","user_id":null}`)
	assert.Equal(t, protocol.Hello(0), p.recv())
}

func TestGateway_ChatAndLeave(t *testing.T) {
	relay, ts := startGateway(t)

	a := dialWS(t, ts)
	a.send(protocol.HelloRequest())
	a.recvN(2)

	b := dialWS(t, ts)
	b.send(protocol.HelloRequest())
	assert.Equal(t, []protocol.Event{
		protocol.Hello(1),
		protocol.UserJoined(0),
		protocol.Ping(protocol.PhasePing),
	}, b.recvN(3))

	b.send(protocol.Chat(1, "over websocket"))
	for {
		if ev := a.recv(); ev.Type == protocol.TypeChat {
			assert.Equal(t, protocol.Chat(1, "over websocket"), ev)
			break
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, b.ws.WriteMessage(websocket.CloseMessage, msg))
	for {
		if ev := a.recv(); ev.Type == protocol.TypeUserLeft {
			assert.Equal(t, protocol.UserLeft(1), ev)
			break
		}
	}
	require.Eventually(t, func() bool { return relay.Stats().Online == 1 }, time.Second, time.Millisecond)
}

func TestGateway_BroadcastsOverlapDirectReplies(t *testing.T) {
	_, ts := startGateway(t)

	a := dialWS(t, ts)
	a.send(protocol.HelloRequest())
	a.recvN(2)

	b := dialWS(t, ts)
	b.send(protocol.HelloRequest())
	b.recvN(3)

	const rounds = 40

	// The ticker writes b's chats to a while a's handler answers each PONG.
	type tally struct{ pings, chats int }
	done := make(chan tally, 1)
	go func() {
		var got tally
		for got.pings < rounds || got.chats < rounds {
			a.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := a.ws.ReadMessage()
			if err != nil {
				break
			}
			for _, line := range bytes.Split(data, []byte("\n")) {
				if len(line) == 0 {
					continue
				}
				ev, err := protocol.Decode(line)
				if err != nil {
					continue
				}
				switch ev.Type {
				case protocol.TypePing:
					got.pings++
				case protocol.TypeChat:
					got.chats++
				}
			}
		}
		done <- got
	}()

	go func() {
		for i := 0; i < rounds; i++ {
			data, _ := protocol.Encode(protocol.Chat(1, "tick"))
			if b.ws.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		}
	}()
	for i := 0; i < rounds; i++ {
		a.send(protocol.Ping(protocol.PhasePong))
	}

	select {
	case got := <-done:
		assert.GreaterOrEqual(t, got.pings, rounds)
		assert.GreaterOrEqual(t, got.chats, rounds)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for replies and broadcasts")
	}
}

func TestGateway_ViolationClosesSocket(t *testing.T) {
	_, ts := startGateway(t)

	p := dialWS(t, ts)
	p.sendRaw(`{"what":"Event","type":"CHAT","chat_msg":"too early"}`)

	require.NoError(t, p.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := p.ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestGateway_Health(t *testing.T) {
	_, ts := startGateway(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestGateway_Stats(t *testing.T) {
	relay, ts := startGateway(t)

	p := dialWS(t, ts)
	p.send(protocol.HelloRequest())
	p.recvN(2)
	require.Eventually(t, func() bool { return relay.Stats().Online == 1 }, time.Second, time.Millisecond)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats server.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Online)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, uint64(1), stats.Served)
	assert.Equal(t, 1000, stats.HistoryLimit)
}

func TestGateway_PlainHTTPOnWS(t *testing.T) {
	_, ts := startGateway(t)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
