package scramjet

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/scramjetlabs/scramjet/cartographer"
	"github.com/scramjetlabs/scramjet/clock"
	"github.com/scramjetlabs/scramjet/internal/config"
	"github.com/scramjetlabs/scramjet/internal/health"
	"github.com/scramjetlabs/scramjet/internal/identity"
	"github.com/scramjetlabs/scramjet/internal/rpc"
	"github.com/scramjetlabs/scramjet/quicengine"
	"github.com/scramjetlabs/scramjet/scout"
	"github.com/scramjetlabs/scramjet/shield"
)

// App is the composition root: it owns construction, background-loop
// startup and shutdown of every subsystem, generalizing the teacher's
// TransactionSender (which only wired an RPCService, LeaderMonitor and
// TPUService) to the full Cartographer/Clock/QUIC Engine/Scout/Shield set
// spec.md §2 describes.
type App struct {
	cfg *config.Config

	rpc          *rpc.Client
	slot         *clock.Slot
	clockSource  clock.Source
	cartographer *cartographer.Cartographer
	engine       *quicengine.Engine
	scout        *scout.Scout
	shield       *shield.Shield

	cartographerHealth *health.Source
	shieldHealth       *health.Source

	cancel context.CancelFunc
}

// New builds every subsystem from cfg and kp but starts nothing; call
// Start to begin the background refresh/scout/shield loops.
func New(cfg *config.Config, kp identity.Keypair) (*App, error) {
	if cfg == nil {
		return nil, errors.Wrap(ErrConfigInvalid, "nil config")
	}

	cert, err := identity.GenerateCertificate(kp)
	if err != nil {
		return nil, errors.Wrap(err, "generating tpu client certificate")
	}

	rpcClient := rpc.NewClient(cfg.SolanaRPCURL, 5*time.Second)
	slot := &clock.Slot{}

	var source clock.Source
	if cfg.GeyserURL != "" {
		source = &clock.StreamingSource{
			Endpoint:     cfg.GeyserURL,
			InitialDelay: cfg.GeyserReconnectDelay(),
			MaxDelay:     cfg.GeyserMaxReconnectDelay(),
		}
	} else {
		source = &clock.PollingSource{RPC: rpcClient, Interval: cfg.RPCPollInterval()}
	}

	sh := shield.New(cfg.BlocklistFile, cfg.BlocklistURL, cfg.BlocklistRefreshInterval())

	cg := cartographer.New(rpcClient, slot, sh, cfg.NodeMapRefreshInterval())

	engine := quicengine.New(cert, cfg.QUICKeepAlive(), cfg.QUICIdleTimeout())

	sc := &scout.Scout{
		Cartographer: cg,
		Engine:       engine,
		Blocklist:    sh,
		Interval:     cfg.ScoutInterval(),
		Lookahead:    int(cfg.ScoutLookaheadSlots),
	}

	cartographerHealth := health.NewSource("cartographer", 2*cfg.RPCPollInterval()+10*time.Second)
	shieldHealth := health.NewSource("shield", 2*cfg.BlocklistRefreshInterval())

	// Both refresh hooks mark the same health source: either cadence proves
	// Cartographer is making progress against RPC, which is what /healthz
	// cares about (spec.md §7 "observable via degraded readiness").
	cg.OnScheduleRefresh = func() { cartographerHealth.MarkRefreshed(time.Now()) }
	cg.OnTopologyRefresh = func() { cartographerHealth.MarkRefreshed(time.Now()) }
	sh.OnReload = func() { shieldHealth.MarkRefreshed(time.Now()) }

	return &App{
		cfg:                cfg,
		rpc:                rpcClient,
		slot:               slot,
		clockSource:        source,
		cartographer:       cg,
		engine:             engine,
		scout:              sc,
		shield:             sh,
		cartographerHealth: cartographerHealth,
		shieldHealth:       shieldHealth,
	}, nil
}

// Start launches the clock source, Cartographer's refresh loop, Scout's
// pre-warm loop and Shield's reload loop, all tied to an internally owned
// context that Shutdown cancels.
func (a *App) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() {
		if err := a.clockSource.Run(ctx, a.slot); err != nil {
			log.Error().Err(err).Msg("scramjet: clock source exited")
		}
	}()

	go a.cartographer.RunScheduleRefreshLoop(ctx, a.cfg.RPCPollInterval())
	go a.cartographer.RunTopologyRefreshLoop(ctx, a.cfg.NodeMapRefreshInterval())
	go a.scout.Run(ctx)
	go a.shield.Run(ctx)
}

// HealthSources exposes the subsystems cmd/scramjet wires into /healthz.
func (a *App) HealthSources() []*health.Source {
	return []*health.Source{a.cartographerHealth, a.shieldHealth}
}

// Slot exposes the shared clock for the monitor websocket feed.
func (a *App) Slot() *clock.Slot {
	return a.slot
}

// Cartographer exposes the leader resolver for the monitor websocket feed.
func (a *App) Cartographer() *cartographer.Cartographer {
	return a.cartographer
}

// Fire resolves the current leader and sends txBytes to it once over a
// fresh or cached QUIC session (spec.md §4.1/§4.3 "fire" mode — one
// transaction, the common case, mirroring TransactionSender.Send).
func (a *App) Fire(ctx context.Context, txBytes []byte) error {
	leader, ok := a.cartographer.CurrentLeader()
	if !ok {
		return ErrLeaderUnknown
	}

	log.Info().Str("leader", leader.Id.String()).Uint64("slot", leader.Slot).Msg("scramjet: firing transaction")
	if err := a.engine.Send(ctx, leader.Endpoint, txBytes); err != nil {
		if errors.Is(err, quicengine.ErrDialFailed) {
			return errors.Wrap(ErrDialFailed, err.Error())
		}
		return errors.Wrap(ErrSendFailed, err.Error())
	}
	return nil
}

// Spam resolves the current leader once and sends every transaction read
// from txs over that single shared QUIC session, multiplexing streams
// rather than re-resolving the leader per send (spec.md §4.3 "session" /
// design note (c), the "machine gun" mode). It returns when txs is closed,
// ctx is cancelled, or the leader cannot be resolved.
func (a *App) Spam(ctx context.Context, txs <-chan []byte) error {
	leader, ok := a.cartographer.CurrentLeader()
	if !ok {
		return ErrLeaderUnknown
	}

	handle, err := a.engine.Session(ctx, leader.Endpoint)
	if err != nil {
		return errors.Wrap(ErrDialFailed, err.Error())
	}

	log.Info().Str("leader", leader.Id.String()).Uint64("slot", leader.Slot).Msg("scramjet: spamming transactions")

	for {
		select {
		case <-ctx.Done():
			return nil
		case txBytes, ok := <-txs:
			if !ok {
				return nil
			}
			if err := handle.Send(ctx, txBytes); err != nil {
				log.Warn().Err(err).Msg("scramjet: spam send failed")
			}
		}
	}
}

// Shutdown cancels every background loop and drains the QUIC session cache
// (spec.md §5 "On shutdown the session cache is drained").
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.engine.Shutdown()
	return nil
}
