// Package scramjet is the composition root: it owns construction and
// shutdown of Cartographer, Clock, QUIC Engine, Scout and Shield behind one
// App, generalizing the teacher's TransactionSender composition root in
// transaction_sender.go to the full subsystem set (spec.md §2).
package scramjet

import "github.com/pkg/errors"

// Sentinel errors realizing spec.md §7's error kinds. Each subsystem owns
// its own sentinel (cartographer.ErrUpstreamUnavailable,
// quicengine.ErrDialFailed, quicengine.ErrSendFailed, shield's
// ErrEmptyRemoteBlocklist) to avoid those packages importing this one. The
// sentinels below are separate values, not aliases of those: App's methods
// wrap them around subsystem failures so callers of App can use one
// consistent set of errors.Is targets without reaching into subpackages.
var (
	// ErrConfigInvalid is returned by New for a nil config and by the CLI
	// when a required flag is missing. internal/config.Validate failures
	// wrap config.ErrInvalid instead.
	ErrConfigInvalid = errors.New("scramjet: invalid configuration")

	// ErrUpstreamUnavailable names the upstream-failure kind. No App method
	// returns it: RPC failures stay inside the background loops, wrapped as
	// rpc.ErrUpstreamUnavailable or cartographer.ErrUpstreamUnavailable, and
	// are only logged.
	ErrUpstreamUnavailable = errors.New("scramjet: upstream unavailable")

	// ErrLeaderUnknown is returned by Fire and Spam when CurrentLeader
	// resolves no leader for the current slot (no schedule loaded, slot
	// outside the cached epoch window, the leader has no known endpoint, or
	// the leader is blocked).
	ErrLeaderUnknown = errors.New("scramjet: leader unknown")

	// ErrLeaderBlocked names the blocked-leader kind. No App method returns
	// it: CurrentLeader reports a blocked leader as unresolved, so Fire and
	// Spam return ErrLeaderUnknown for it.
	ErrLeaderBlocked = errors.New("scramjet: leader blocked")

	// ErrDialFailed classifies a QUIC dial failure.
	ErrDialFailed = errors.New("scramjet: dial failed")

	// ErrSendFailed classifies a send that failed after a session was
	// obtained (stream open, write or close).
	ErrSendFailed = errors.New("scramjet: send failed")
)
