// Package quicengine delivers transaction bytes to a validator's TPU over
// QUIC with minimal handshake cost (spec.md §4.3). It generalizes the
// teacher's tpu.go: the single-shard mutex-guarded map and second
// "connecting" mutex are replaced by a lock-free xsync.MapOf session cache
// and singleflight-coalesced dialing, but the dial parameters (self-signed
// client cert, ALPN "solana-tpu", InsecureSkipVerify) are unchanged.
package quicengine

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/scramjetlabs/scramjet/internal/identity"
)

// ErrDialFailed classifies any failure to establish a session: UDP
// resolution, QUIC handshake, or ALPN negotiation.
var ErrDialFailed = errors.New("quicengine: dial failed")

// ErrSendFailed classifies a connection-fatal send error: the session was
// evicted from the cache as a result (spec.md §4.3 "Connection-fatal
// errors"). Transient stream-only errors are returned unwrapped so a caller
// can distinguish "retry on a fresh session" from "this stream write
// failed, but the session may still be good."
var ErrSendFailed = errors.New("quicengine: send failed")

const alpnSolanaTPU = "solana-tpu"

// session wraps one QUIC connection to a TpuEndpoint with its health state.
type session struct {
	endpoint identity.TpuEndpoint
	conn     *quic.Conn
	healthy  atomic.Bool
}

func (s *session) markUnhealthy() {
	s.healthy.Store(false)
}

// Engine is the QUIC Engine: a session cache plus dial coalescing. Safe for
// concurrent use from Scout's pre-warming loop and any number of senders.
type Engine struct {
	cert tls.Certificate

	keepAlive   time.Duration
	idleTimeout time.Duration

	// sessions is keyed by endpoint.String() rather than identity.TpuEndpoint
	// itself: xsync.NewMapOf (v2) provides a lock-free string-keyed map out
	// of the box, with no need to supply a custom hasher for an arbitrary
	// comparable key type.
	sessions *xsync.MapOf[string, *session]
	dialing  singleflight.Group
}

// New builds an Engine presenting cert as its QUIC/TLS client certificate.
// keepAlive must be strictly less than idleTimeout (spec.md §4.3 invariant;
// enforced earlier by internal/config.Validate, asserted again here as a
// last line of defense).
func New(cert tls.Certificate, keepAlive, idleTimeout time.Duration) *Engine {
	if keepAlive >= idleTimeout {
		// Caller should have validated config already; fall back to the
		// documented defaults rather than building a transport that will
		// immediately idle itself out.
		keepAlive, idleTimeout = 5*time.Second, 10*time.Second
	}
	return &Engine{
		cert:        cert,
		keepAlive:   keepAlive,
		idleTimeout: idleTimeout,
		sessions:    xsync.NewMapOf[*session](),
	}
}

// Send obtains a session for endpoint, opens a unidirectional stream,
// writes all of b, and closes the stream (spec.md §4.3 "send"). It does
// not await any application-level acknowledgement.
func (e *Engine) Send(ctx context.Context, endpoint identity.TpuEndpoint, b []byte) error {
	sess, err := e.getConnection(ctx, endpoint)
	if err != nil {
		return err
	}

	stream, err := sess.conn.OpenUniStreamSync(ctx)
	if err != nil {
		e.evict(sess)
		return errors.Wrap(ErrSendFailed, err.Error())
	}

	if _, err := stream.Write(b); err != nil {
		e.evict(sess)
		return errors.Wrap(ErrSendFailed, err.Error())
	}

	if err := stream.Close(); err != nil {
		// The stream's own close failing doesn't necessarily mean the
		// connection is dead; treat as transient rather than evicting.
		return err
	}
	return nil
}

// SessionHandle supports caller-driven multiplexed submission over one
// shared session ("spam" / "machine gun" mode, spec.md §4.3 "session").
type SessionHandle struct {
	engine *Engine
	sess   *session
}

// Send opens a new unidirectional stream over the shared session for every
// call. Per design note (c), stream-open is allowed to block on the
// transport's own flow control rather than surfacing ErrSendFailed eagerly.
func (h *SessionHandle) Send(ctx context.Context, b []byte) error {
	stream, err := h.sess.conn.OpenUniStreamSync(ctx)
	if err != nil {
		h.engine.evict(h.sess)
		return errors.Wrap(ErrSendFailed, err.Error())
	}
	if _, err := stream.Write(b); err != nil {
		h.engine.evict(h.sess)
		return errors.Wrap(ErrSendFailed, err.Error())
	}
	return stream.Close()
}

// Session obtains a SessionHandle for endpoint, dialing if necessary.
func (e *Engine) Session(ctx context.Context, endpoint identity.TpuEndpoint) (*SessionHandle, error) {
	sess, err := e.getConnection(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &SessionHandle{engine: e, sess: sess}, nil
}

// getConnection implements the three-step lookup from spec.md §4.3: return
// a healthy cached session, evict-and-fall-through on an unhealthy one, or
// dial fresh. Concurrent dials to the same endpoint are coalesced via
// singleflight, mirroring the intent of the teacher's "connecting" map
// without a second mutex.
func (e *Engine) getConnection(ctx context.Context, endpoint identity.TpuEndpoint) (*session, error) {
	key := endpoint.String()

	if sess, ok := e.sessions.Load(key); ok {
		if sess.healthy.Load() {
			return sess, nil
		}
		e.sessions.Delete(key)
	}

	v, err, _ := e.dialing.Do(key, func() (any, error) {
		// Re-check after winning the dial race: another goroutine may have
		// populated the cache between our Load above and this point.
		if sess, ok := e.sessions.Load(key); ok && sess.healthy.Load() {
			return sess, nil
		}
		return e.dial(ctx, endpoint)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (e *Engine) dial(ctx context.Context, endpoint identity.TpuEndpoint) (*session, error) {
	addr := endpoint.String()

	tn := time.Now()
	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnSolanaTPU},
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &e.cert, nil
		},
	}, &quic.Config{
		KeepAlivePeriod: e.keepAlive,
		MaxIdleTimeout:  e.idleTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(ErrDialFailed, err.Error())
	}

	log.Info().Str("endpoint", addr).Dur("took", time.Since(tn)).Msg("quicengine: dialed session")

	sess := &session{endpoint: endpoint, conn: conn}
	sess.healthy.Store(true)
	e.sessions.Store(addr, sess)

	go e.watchForClose(sess)

	return sess, nil
}

// watchForClose marks a session unhealthy the moment quic-go observes its
// connection context end (idle timeout, peer reset, handshake teardown),
// so the next getConnection call evicts it instead of handing out a dead
// session (spec.md §4.3 "never returns a session known to be closed").
func (e *Engine) watchForClose(sess *session) {
	<-sess.conn.Context().Done()
	sess.markUnhealthy()
}

func (e *Engine) evict(sess *session) {
	sess.markUnhealthy()
	e.sessions.Delete(sess.endpoint.String())
	_ = sess.conn.CloseWithError(0, "evicted")
}

// Shutdown closes every cached session with a graceful application close
// frame, draining the cache (spec.md §5 "On shutdown the session cache is
// drained").
func (e *Engine) Shutdown() {
	e.sessions.Range(func(key string, sess *session) bool {
		_ = sess.conn.CloseWithError(0, "shutdown")
		e.sessions.Delete(key)
		return true
	})
}

// Cached reports whether a healthy session for endpoint currently exists,
// without dialing. Scout uses this to skip endpoints it has already warmed.
func (e *Engine) Cached(endpoint identity.TpuEndpoint) bool {
	sess, ok := e.sessions.Load(endpoint.String())
	return ok && sess.healthy.Load()
}
