package clock

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scramjetlabs/scramjet/internal/rpc"
)

// PollingSource queries the RPC endpoint for the current slot on a fixed
// interval (spec.md §4.2 "Polling mode"). It is the fallback Clock used
// whenever GEYSER_URL is not configured.
type PollingSource struct {
	RPC      *rpc.Client
	Interval time.Duration
}

// Run polls until ctx is cancelled. Poll failures are logged; the last
// known slot is retained, never cleared.
func (p *PollingSource) Run(ctx context.Context, slot *Slot) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		s, err := p.RPC.Slot(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("clock: poll failed, keeping last known slot")
		} else if slot.Advance(s) {
			log.Debug().Uint64("slot", s).Msg("clock: slot advanced")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
