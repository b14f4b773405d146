// Package monitorws serves a raw websocket feed of the current slot and
// leader for the monitor subcommand's "display-only refresh" (spec.md §6
// MONITOR_INTERVAL_MS). It wires up gobwas/ws, a dependency the teacher
// carried in go.mod but never imported from any .go file — see DESIGN.md.
package monitorws

import (
	"net"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"

	"github.com/scramjetlabs/scramjet/cartographer"
)

// Snapshot is one broadcast frame: the current slot plus the resolved
// leader, if any.
type Snapshot struct {
	Slot       uint64 `json:"slot"`
	LeaderId   string `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// LeaderSource is satisfied by *cartographer.Cartographer.
type LeaderSource interface {
	CurrentLeader() (cartographer.Leader, bool)
}

// SlotSource reports the clock's current slot.
type SlotSource interface {
	Load() uint64
}

// Server accepts raw websocket connections on a TCP listener and pushes a
// Snapshot to every connected client every Interval. There is no request
// handling beyond the opening handshake: clients connect, read, disconnect.
type Server struct {
	Clock        SlotSource
	Cartographer LeaderSource
	Interval     time.Duration

	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

// NewServer builds a Server; call Run to start accepting connections and
// broadcasting.
func NewServer(clockSrc SlotSource, cg LeaderSource, interval time.Duration) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{
		Clock:        clockSrc,
		Cartographer: cg,
		Interval:     interval,
		clients:      make(map[net.Conn]struct{}),
	}
}

// Run accepts websocket upgrades on ln and starts broadcasting a Snapshot
// every Interval. It blocks until Accept fails (for example because ln was
// closed) and returns that error. The broadcast goroutine is not stopped
// when Run returns.
func (s *Server) Run(ln net.Listener) error {
	go s.broadcastLoop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if _, err := ws.Upgrade(conn); err != nil {
		log.Debug().Err(err).Msg("monitorws: upgrade failed")
		conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// Clients are not expected to send anything; a read here only detects
	// disconnection so the conn can be dropped from the broadcast set.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for range ticker.C {
		s.broadcastOnce()
	}
}

func (s *Server) broadcastOnce() {
	snap := Snapshot{Slot: s.Clock.Load()}
	if leader, ok := s.Cartographer.CurrentLeader(); ok {
		snap.LeaderId = leader.Id.String()
		snap.LeaderAddr = leader.Endpoint.String()
	}

	body, err := json.Marshal(snap)
	if err != nil {
		log.Warn().Err(err).Msg("monitorws: failed to marshal snapshot")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := wsutil.WriteServerText(conn, body); err != nil {
			log.Debug().Err(err).Msg("monitorws: write failed, dropping client")
			delete(s.clients, conn)
			conn.Close()
		}
	}
}
