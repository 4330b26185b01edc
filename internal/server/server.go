// Package server implements the chat relay.
//
// Concurrency overview
// --------------------
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Listener goroutine(s)                                   │
//	│  Accept connections; one handler goroutine per client.   │
//	└───────────────────┬─────────────────────────────────────┘
//	                    │  Register / UnregisterID, Append, Enqueue
//	                    ▼
//	┌──────────────┐  ┌──────────────┐  ┌──────────────┐
//	│  Registry    │  │  Queue       │  │  History     │
//	│  conn → id   │  │  pending     │  │  chat log    │
//	│  (mutex)     │  │  (mutex)     │  │  (rwmutex)   │
//	└──────┬───────┘  └──────┬───────┘  └──────────────┘
//	       │ Snapshot        │ Drain
//	       ▼                 ▼
//	┌─────────────────────────────────────────────────────────┐
//	│  Ticker goroutine                                        │
//	│  Every tick: snapshot, drain, write to every member.     │
//	└─────────────────────────────────────────────────────────┘
//
// Each shared structure guards itself with its own lock and only exposes
// single-purpose operations, so no call site ever holds two locks and no lock
// is held across I/O.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatrelay/internal/protocol"
	"chatrelay/internal/store"
)

// aLongTimeAgo is a deadline in the past; setting it fails blocked I/O at once.
var aLongTimeAgo = time.Unix(1, 0)

// Stats is a point-in-time view of the relay.
type Stats struct {
	Online       int    `json:"online"`
	Connections  int    `json:"connections"`
	History      int    `json:"history"`
	HistoryLimit int    `json:"history_limit"`
	Pending      int    `json:"pending"`
	Served       uint64 `json:"served"`
}

// Server ties together the Registry, Queue, History and Ticker, and owns the
// lifecycle of every connection handed to it.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	registry *Registry
	queue    *Queue
	history  *store.History
	ticker   *Ticker

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}

	nextID atomic.Int64 // next identity to hand out
	served atomic.Uint64
}

// New creates a Server. Nothing runs until Serve, ListenAndServe or
// ServeConn is called.
func New(cfg Config, log zerolog.Logger) *Server {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry()
	queue := NewQueue()
	return &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "server").Logger(),
		registry:  registry,
		queue:     queue,
		history:   store.NewHistory(cfg.HistoryLimit),
		ticker:    NewTicker(registry, queue, cfg.Tick, cfg.WriteTimeout, log.With().Str("component", "ticker").Logger()),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the TCP address addr and serves it.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil when the
// listener was closed by Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return nil
	}
	defer s.untrackListener(ln)

	s.start()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("accept")
			return err
		}
		go s.ServeConn(conn)
	}
}

// ServeConn runs the protocol on conn and blocks until the client is gone.
// The server takes ownership of conn.
func (s *Server) ServeConn(conn net.Conn) {
	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)

	s.start()
	s.served.Add(1)

	log := s.log.With().
		Str("component", "handler").
		Str("conn", uuid.NewString()).
		Str("remote", remoteAddr(conn)).
		Logger()
	log.Info().Msg("client connected")

	newHandler(conn, s, log).serve(s.ctx)
}

// Shutdown stops accepting connections, asks every handler to leave its read
// loop, stops the ticker and waits for all of them or for ctx to expire.
// Handlers still close their own connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cancel()
		for ln := range s.listeners {
			ln.Close()
		}
		for conn := range s.conns {
			// Unblocks pending reads and writes.
			conn.SetDeadline(aLongTimeAgo)
		}
		s.log.Info().Int("connections", len(s.conns)).Msg("shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	conns := len(s.conns)
	s.mu.Unlock()
	return Stats{
		Online:       s.registry.Len(),
		Connections:  conns,
		History:      s.history.Len(),
		HistoryLimit: s.history.Limit(),
		Pending:      s.queue.Len(),
		Served:       s.served.Load(),
	}
}

// allocateID hands out identities 0, 1, 2, … never reusing one.
func (s *Server) allocateID() protocol.UserID {
	return protocol.UserID(s.nextID.Add(1) - 1)
}

// start launches the ticker the first time the server is used.
func (s *Server) start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ticker.Run(s.ctx)
		}()
	})
}

// ---------------------------------------------------------------------------
// Listener / connection tracking
// ---------------------------------------------------------------------------

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
