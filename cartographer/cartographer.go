// Package cartographer answers "who leads slot S, and where do I send bytes
// to them?" (spec.md §4.1). It caches the leader schedule and cluster
// topology, refreshes both from RPC, and consults Shield's blocklist at
// resolution time — never caching a blocked status, so a blocklist edit
// takes effect on the very next read.
package cartographer

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/scramjetlabs/scramjet/clock"
	"github.com/scramjetlabs/scramjet/internal/identity"
	"github.com/scramjetlabs/scramjet/internal/rpc"
)

// ErrUpstreamUnavailable is returned by Refresh when every underlying RPC
// call failed; the previous snapshot keeps serving readers regardless.
var ErrUpstreamUnavailable = errors.New("cartographer: upstream unavailable")

// Blocklist is consulted at leader resolution time. *shield.Shield satisfies
// this directly; it is an interface here purely to avoid a cartographer →
// shield import (shield has no reason to depend on cartographer either, but
// keeping the dependency edge one-directional and narrow is the pattern the
// rest of this port follows).
type Blocklist interface {
	IsBlocked(id identity.ValidatorId) bool
}

// allowAll never blocks anyone; used when Cartographer is built without a
// Shield (e.g. in tests).
type allowAll struct{}

func (allowAll) IsBlocked(identity.ValidatorId) bool { return false }

// schedule is one epoch's slot → leader mapping plus the epoch window it is
// valid for (spec.md §4.1 "Algorithm (epoch boundary)").
type schedule struct {
	epoch         uint64
	firstSlot     uint64
	slotsPerEpoch uint64
	leaders       map[uint64]identity.ValidatorId // absolute slot -> leader
}

func (s *schedule) contains(slot uint64) bool {
	if s == nil {
		return false
	}
	return slot >= s.firstSlot && slot < s.firstSlot+s.slotsPerEpoch
}

// Leader pairs a resolved validator with its TPU endpoint.
type Leader struct {
	Slot     uint64
	Id       identity.ValidatorId
	Endpoint identity.TpuEndpoint
}

// Cartographer is safe for concurrent use. Readers never block on a
// refresh in progress: the leader schedule is published as an immutable
// snapshot via atomic.Pointer, following the teacher's preference for
// lock-free reads over tpu.go's session map but generalized here to the
// schedule the Rust original keeps behind an RwLock
// (original_source/crates/scramjet-net/src/cartographer.rs). The node map is
// not a swapped snapshot: it is a go-cache that RefreshTopology flushes and
// refills in place, so a reader racing a topology refresh can find a leader's
// endpoint missing and resolve no leader for that read.
type Cartographer struct {
	rpc       *rpc.Client
	slot      *clock.Slot
	blocklist Blocklist

	snapshot atomic.Pointer[schedule]
	nodes    *cache.Cache // identity.ValidatorId.String() -> identity.TpuEndpoint

	nodeMapTTL time.Duration

	// OnScheduleRefresh and OnTopologyRefresh, if set, are called after
	// each successful RefreshSchedule/RefreshTopology — RunScheduleRefreshLoop
	// and RunTopologyRefreshLoop invoke them, letting a caller (App) track
	// per-cadence liveness for /healthz without the two loops needing to
	// share a single combined refresh interval.
	OnScheduleRefresh func()
	OnTopologyRefresh func()
}

// New builds a Cartographer reading slots from the shared clock.Slot and
// resolving topology/schedule from rpcClient. nodeMapTTL controls the
// go-cache expiry applied to individual NodeMap entries (spec.md §4.1
// "NodeMap refresh cadence").
func New(rpcClient *rpc.Client, slot *clock.Slot, blocklist Blocklist, nodeMapTTL time.Duration) *Cartographer {
	if blocklist == nil {
		blocklist = allowAll{}
	}
	if nodeMapTTL <= 0 {
		nodeMapTTL = 45 * time.Second
	}
	return &Cartographer{
		rpc:        rpcClient,
		slot:       slot,
		blocklist:  blocklist,
		nodes:      cache.New(nodeMapTTL, nodeMapTTL/2),
		nodeMapTTL: nodeMapTTL,
	}
}

// CurrentLeader resolves the validator leading the current slot and its TPU
// endpoint, applying the blocklist. It returns ok=false if no snapshot has
// ever loaded, the current slot has no scheduled leader, the leader has no
// known endpoint, or the leader is blocked (spec.md §4.1).
func (c *Cartographer) CurrentLeader() (Leader, bool) {
	return c.resolve(c.slot.Load())
}

// LeadersAhead returns up to n distinct upcoming leaders starting at the
// current slot + 1, deduplicated by endpoint, skipping blocked validators
// and unresolved ids (spec.md §4.1).
func (c *Cartographer) LeadersAhead(n int) []Leader {
	if n <= 0 {
		return nil
	}
	base := c.slot.Load()

	out := make([]Leader, 0, n)
	seen := make(map[identity.TpuEndpoint]struct{}, n)

	for i := uint64(1); len(out) < n; i++ {
		if i > uint64(n)*4 {
			// Schedule has fewer resolvable leaders than requested within a
			// reasonable search window; stop rather than loop forever.
			break
		}
		leader, ok := c.resolve(base + i)
		if !ok {
			continue
		}
		if _, dup := seen[leader.Endpoint]; dup {
			continue
		}
		seen[leader.Endpoint] = struct{}{}
		out = append(out, leader)
	}
	return out
}

func (c *Cartographer) resolve(slot uint64) (Leader, bool) {
	snap := c.snapshot.Load()
	if snap == nil || !snap.contains(slot) {
		return Leader{}, false
	}
	id, ok := snap.leaders[slot]
	if !ok {
		return Leader{}, false
	}
	if c.blocklist.IsBlocked(id) {
		return Leader{}, false
	}
	endpoint, ok := c.lookupEndpoint(id)
	if !ok {
		return Leader{}, false
	}
	return Leader{Slot: slot, Id: id, Endpoint: endpoint}, true
}

func (c *Cartographer) lookupEndpoint(id identity.ValidatorId) (identity.TpuEndpoint, bool) {
	v, ok := c.nodes.Get(id.String())
	if !ok {
		return identity.TpuEndpoint{}, false
	}
	endpoint, ok := v.(identity.TpuEndpoint)
	return endpoint, ok
}

// Refresh reloads the leader schedule (on epoch boundary or first run) and
// the cluster topology together. It is a convenience for callers (tests, an
// initial warm-up load) that want both refreshed in lockstep; the steady
// state instead runs RefreshSchedule and RefreshTopology on their own
// independent cadences via RunScheduleRefreshLoop/RunTopologyRefreshLoop
// (spec.md §4.1 "NodeMap refresh cadence" is independent of the leader
// schedule's). RPC failures are logged and leave the previous snapshot in
// place (spec.md §4.1 "Failures").
func (c *Cartographer) Refresh(ctx context.Context) error {
	var scheduleErr, topologyErr error

	if err := c.RefreshSchedule(ctx); err != nil {
		scheduleErr = err
		log.Warn().Err(err).Msg("cartographer: schedule refresh failed, keeping previous snapshot")
	}
	if err := c.RefreshTopology(ctx); err != nil {
		topologyErr = err
		log.Warn().Err(err).Msg("cartographer: topology refresh failed, keeping previous node map")
	}

	if scheduleErr != nil && topologyErr != nil {
		return errors.Wrap(ErrUpstreamUnavailable, "both schedule and topology refresh failed")
	}
	return nil
}

// RefreshSchedule reloads the leader schedule on an epoch boundary (or on
// first run). Safe to call concurrently with readers and with itself.
func (c *Cartographer) RefreshSchedule(ctx context.Context) error {
	info, err := c.rpc.EpochInfo(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching epoch info")
	}

	if prev := c.snapshot.Load(); prev != nil && info.Epoch <= prev.epoch {
		// Same epoch as last successful load; nothing to do.
		return nil
	}

	raw, err := c.rpc.LeaderSchedule(ctx, &info.Epoch)
	if err != nil {
		return errors.Wrap(err, "fetching leader schedule")
	}
	if raw == nil {
		// Open question (b): treat a null schedule as "not yet available"
		// and retry on the next refresh tick rather than erroring.
		log.Debug().Uint64("epoch", info.Epoch).Msg("cartographer: leader schedule not yet available")
		return nil
	}

	startSlot := info.AbsoluteSlot - info.SlotIndex
	leaders := make(map[uint64]identity.ValidatorId, len(raw))
	for pubkeyStr, relativeSlots := range raw {
		id, err := identity.ParseValidatorId(pubkeyStr)
		if err != nil {
			log.Debug().Err(err).Str("pubkey", pubkeyStr).Msg("cartographer: skipping unparseable leader schedule entry")
			continue
		}
		for _, rel := range relativeSlots {
			leaders[startSlot+rel] = id
		}
	}

	next := &schedule{
		epoch:         info.Epoch,
		firstSlot:     startSlot,
		slotsPerEpoch: info.SlotsInEpoch,
		leaders:       leaders,
	}
	c.snapshot.Store(next)
	log.Info().Uint64("epoch", info.Epoch).Int("leaders", len(leaders)).Msg("cartographer: leader schedule updated")
	return nil
}

// RefreshTopology reloads the cluster node map from getClusterNodes. Safe
// to call concurrently with readers and with itself, and on its own
// cadence independent of RefreshSchedule (spec.md §4.1 "NodeMap refresh
// cadence").
func (c *Cartographer) RefreshTopology(ctx context.Context) error {
	nodes, err := c.rpc.ClusterNodes(ctx)
	if err != nil {
		return errors.Wrap(err, "fetching cluster nodes")
	}

	c.nodes.Flush()
	resolved := 0
	for _, n := range nodes {
		if n.TPUQuic == "" {
			continue
		}
		addr, err := netip.ParseAddrPort(n.TPUQuic)
		if err != nil {
			continue
		}
		id, err := identity.ParseValidatorId(n.Pubkey)
		if err != nil {
			continue
		}
		c.nodes.SetDefault(id.String(), identity.TpuEndpoint(addr))
		resolved++
	}
	log.Info().Int("nodes", resolved).Msg("cartographer: topology updated")
	return nil
}

// RunScheduleRefreshLoop refreshes the leader schedule on interval until
// ctx is cancelled, calling OnScheduleRefresh after each success.
func (c *Cartographer) RunScheduleRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		if err := c.RefreshSchedule(ctx); err != nil {
			log.Warn().Err(err).Msg("cartographer: schedule refresh failed, keeping previous snapshot")
			return
		}
		if c.OnScheduleRefresh != nil {
			c.OnScheduleRefresh()
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// RunTopologyRefreshLoop refreshes the cluster node map on interval until
// ctx is cancelled, calling OnTopologyRefresh after each success. interval
// is independent of RunScheduleRefreshLoop's (spec.md §4.1).
func (c *Cartographer) RunTopologyRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		if err := c.RefreshTopology(ctx); err != nil {
			log.Warn().Err(err).Msg("cartographer: topology refresh failed, keeping previous node map")
			return
		}
		if c.OnTopologyRefresh != nil {
			c.OnTopologyRefresh()
		}
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

