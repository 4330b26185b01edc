// Package wsgate exposes the relay to browsers and other WebSocket clients.
// The line protocol is carried unchanged inside text frames.
package wsgate

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/server"
)

// Relay is the part of *server.Server the gateway needs.
type Relay interface {
	ServeConn(conn net.Conn)
	Stats() server.Stats
}

type Gateway struct {
	relay    Relay
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(relay Relay, log zerolog.Logger) *Gateway {
	return &Gateway{
		relay: relay,
		log:   log.With().Str("component", "wsgate").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler routes /ws, /health and /stats.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.serveWS)
	mux.HandleFunc("GET /health", g.health)
	mux.HandleFunc("GET /stats", g.stats)
	return mux
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		g.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade")
		return
	}
	g.log.Debug().Str("upgrade", uuid.NewString()).Str("remote", r.RemoteAddr).Msg("websocket upgraded")

	// Blocks until the client is gone.
	g.relay.ServeConn(NewConn(ws))
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (g *Gateway) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.relay.Stats())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
