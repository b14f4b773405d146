// Package scout amortizes QUIC handshake cost by pre-warming sessions to
// upcoming leaders before they are needed (spec.md §4.4). It generalizes
// the teacher's onUpcomingLeader callback wiring in transaction_sender.go
// into a loop driven by Cartographer.LeadersAhead instead of a single
// next-leader callback.
package scout

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scramjetlabs/scramjet/cartographer"
	"github.com/scramjetlabs/scramjet/internal/identity"
)

// LeaderSource is satisfied by *cartographer.Cartographer.
type LeaderSource interface {
	LeadersAhead(n int) []cartographer.Leader
}

// Dialer is satisfied by *quicengine.Engine.
type Dialer interface {
	Cached(endpoint identity.TpuEndpoint) bool
	Send(ctx context.Context, endpoint identity.TpuEndpoint, b []byte) error
}

// Blocklist is satisfied by *shield.Shield.
type Blocklist interface {
	IsBlocked(id identity.ValidatorId) bool
}

// Scout periodically pre-warms QUIC sessions to the next lookahead leaders.
type Scout struct {
	Cartographer LeaderSource
	Engine       Dialer
	Blocklist    Blocklist

	Interval  time.Duration
	Lookahead int
}

// Run pre-warms leaders every Interval until ctx is cancelled (spec.md §4.4
// "Every SCOUT_INTERVAL_MS ... triggers a non-blocking dial").
func (s *Scout) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scout) tick(ctx context.Context) {
	leaders := s.Cartographer.LeadersAhead(s.Lookahead)

	for _, l := range leaders {
		if s.Blocklist != nil && s.Blocklist.IsBlocked(l.Id) {
			continue
		}
		if s.Engine.Cached(l.Endpoint) {
			continue
		}

		endpoint := l.Endpoint
		// Dialing happens via a zero-length Send rather than a dedicated
		// Dial method: the engine's getConnection path is the only dial
		// entry point, and a pre-warm is simply a dial whose result is
		// discarded. Failures are logged only, never surfaced (spec.md
		// §4.4 "Scout ignores dial failures").
		go func() {
			dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.Engine.Send(dialCtx, endpoint, nil); err != nil {
				log.Debug().Err(err).Str("endpoint", endpoint.String()).Msg("scout: pre-warm dial failed")
			}
		}()
	}
}
