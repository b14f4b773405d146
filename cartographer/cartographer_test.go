package cartographer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scramjetlabs/scramjet/clock"
	"github.com/scramjetlabs/scramjet/internal/identity"
	"github.com/scramjetlabs/scramjet/internal/rpc"
)

func newValidatorId(t *testing.T) identity.ValidatorId {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var v identity.ValidatorId
	copy(v[:], pub)
	return v
}

func TestLeadersAheadDedupesByEndpointAndSkipsUnresolved(t *testing.T) {
	a := newValidatorId(t)
	b := newValidatorId(t)
	unresolved := newValidatorId(t)

	c := &Cartographer{blocklist: allowAll{}}
	c.nodes = newTestCache()
	c.nodes.SetDefault(a.String(), identity.TpuEndpoint(mustAddrPort("1.1.1.1:80")))
	c.nodes.SetDefault(b.String(), identity.TpuEndpoint(mustAddrPort("2.2.2.2:80")))

	var s clock.Slot
	s.Advance(100)
	c.slot = &s

	c.snapshot.Store(&schedule{
		epoch:         1,
		firstSlot:     0,
		slotsPerEpoch: 1_000_000,
		leaders: map[uint64]identity.ValidatorId{
			101: a,
			102: a,
			103: b,
			104: unresolved,
		},
	})

	got := c.LeadersAhead(5)
	if len(got) != 2 {
		t.Fatalf("expected 2 deduplicated leaders, got %d: %+v", len(got), got)
	}
}

func TestCurrentLeaderReturnsFalseWithNoSnapshot(t *testing.T) {
	var s clock.Slot
	s.Advance(100)
	c := &Cartographer{blocklist: allowAll{}, slot: &s, nodes: newTestCache()}

	if _, ok := c.CurrentLeader(); ok {
		t.Fatal("expected no leader before any refresh")
	}
}

func TestCurrentLeaderRespectsBlocklist(t *testing.T) {
	v := newValidatorId(t)

	var s clock.Slot
	s.Advance(100)

	c := &Cartographer{
		blocklist: blockAll{v},
		slot:      &s,
		nodes:     newTestCache(),
	}
	c.nodes.SetDefault(v.String(), identity.TpuEndpoint(mustAddrPort("9.9.9.9:80")))
	c.snapshot.Store(&schedule{
		firstSlot:     0,
		slotsPerEpoch: 1_000_000,
		leaders:       map[uint64]identity.ValidatorId{100: v},
	})

	if _, ok := c.CurrentLeader(); ok {
		t.Fatal("expected blocked leader to resolve to none")
	}
}

func TestCurrentLeaderReturnsNoneAcrossEpochBoundaryWithoutNewSchedule(t *testing.T) {
	v := newValidatorId(t)

	var s clock.Slot
	s.Advance(500_000) // outside the cached epoch window below

	c := &Cartographer{blocklist: allowAll{}, slot: &s, nodes: newTestCache()}
	c.snapshot.Store(&schedule{
		firstSlot:     0,
		slotsPerEpoch: 432_000,
		leaders:       map[uint64]identity.ValidatorId{100: v},
	})

	if _, ok := c.CurrentLeader(); ok {
		t.Fatal("expected stale epoch window to yield no leader rather than a stale one")
	}
}

func TestRefreshBuildsScheduleAndTopologyFromRPC(t *testing.T) {
	leader := newValidatorId(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		decodeRequest(t, r, &req)

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "getEpochInfo":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"epoch":5,"slotIndex":10,"absoluteSlot":2160010,"slotsInEpoch":432000}}`)
		case "getLeaderSchedule":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{%q:[0,1,2]}}`, leader.String())
		case "getClusterNodes":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":[{"pubkey":%q,"tpu":"1.2.3.4:8001","tpuQuic":"1.2.3.4:8009"}]}`, leader.String())
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
	}))
	defer srv.Close()

	var s clock.Slot
	s.Advance(2160000)

	c := New(rpc.NewClient(srv.URL, time.Second), &s, nil, time.Minute)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, ok := c.CurrentLeader()
	if !ok {
		t.Fatal("expected a resolvable current leader after refresh")
	}
	if got.Id != leader {
		t.Fatalf("unexpected leader: %x", got.Id)
	}
	if got.Endpoint.Port() != 8009 {
		t.Fatalf("unexpected endpoint: %v", got.Endpoint)
	}
}

func TestRefreshKeepsPreviousSnapshotOnFailure(t *testing.T) {
	v := newValidatorId(t)

	var s clock.Slot
	s.Advance(100)

	c := &Cartographer{blocklist: allowAll{}, slot: &s, nodes: newTestCache()}
	c.nodes.SetDefault(v.String(), identity.TpuEndpoint(mustAddrPort("9.9.9.9:80")))
	c.snapshot.Store(&schedule{
		firstSlot:     0,
		slotsPerEpoch: 1_000_000,
		leaders:       map[uint64]identity.ValidatorId{100: v},
	})

	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()
	c.rpc = rpc.NewClient(badSrv.URL, time.Second)

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh to report the upstream failure")
	}

	if _, ok := c.CurrentLeader(); !ok {
		t.Fatal("expected the previous snapshot to still serve readers after a failed refresh")
	}
}

type blockAll struct {
	blocked identity.ValidatorId
}

func (b blockAll) IsBlocked(id identity.ValidatorId) bool { return id == b.blocked }
