package scramjet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/scramjetlabs/scramjet/internal/config"
	"github.com/scramjetlabs/scramjet/internal/health"
	"github.com/scramjetlabs/scramjet/internal/identity"
)

func testKeypair(t *testing.T) identity.Keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var kp identity.Keypair
	copy(kp.Seed[:], priv.Seed())
	copy(kp.Pubkey[:], pub)
	return kp
}

func testKeypairFile(t *testing.T) string {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	raw := append(append([]byte{}, priv.Seed()...), pub...)
	body, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "keypair.json")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() *config.Config {
	cfg := &config.Config{
		SolanaRPCURL:            "http://127.0.0.1:1", // unreachable; no test exercises live RPC
		RPCPollIntervalMS:       400,
		ScoutIntervalMS:         1000,
		ScoutLookaheadSlots:     10,
		MonitorIntervalMS:       400,
		QUICKeepAliveSecs:       5,
		QUICIdleTimeoutSecs:     10,
		NodeMapRefreshMS:        45_000,
		DefaultComputeUnitLimit: 200_000,
		DefaultPriorityFee:      100_000,
		BlocklistRefreshSecs:    300,
		GeyserReconnectDelayMS:    1000,
		GeyserMaxReconnectDelayMS: 10_000,
	}
	return cfg
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil, testKeypair(t))
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestFireReturnsLeaderUnknownWithoutCartographerSnapshot(t *testing.T) {
	app, err := New(testConfig(), testKeypair(t))
	if err != nil {
		t.Fatal(err)
	}

	err = app.Fire(context.Background(), []byte("tx"))
	if !errors.Is(err, ErrLeaderUnknown) {
		t.Fatalf("expected ErrLeaderUnknown, got %v", err)
	}
}

func TestSpamReturnsLeaderUnknownWithoutCartographerSnapshot(t *testing.T) {
	app, err := New(testConfig(), testKeypair(t))
	if err != nil {
		t.Fatal(err)
	}

	txs := make(chan []byte)
	close(txs)
	err = app.Spam(context.Background(), txs)
	if !errors.Is(err, ErrLeaderUnknown) {
		t.Fatalf("expected ErrLeaderUnknown, got %v", err)
	}
}

func TestShutdownIsSafeBeforeStart(t *testing.T) {
	app, err := New(testConfig(), testKeypair(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestHealthSourcesReportDegradedBeforeAnyRefresh(t *testing.T) {
	app, err := New(testConfig(), testKeypair(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(app.HealthSources()) != 2 {
		t.Fatalf("expected 2 health sources, got %d", len(app.HealthSources()))
	}
	w := httptest.NewRecorder()
	health.Handler(app.HealthSources()...).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before any refresh, got %d", w.Code)
	}
}

func TestBootLoadsKeypairFile(t *testing.T) {
	path := testKeypairFile(t)
	kp, err := identity.LoadKeypairFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	app, err := New(cfg, kp)
	if err != nil {
		t.Fatal(err)
	}
	if app.Slot().Load() != 0 {
		t.Fatal("expected fresh clock to start at slot 0")
	}
}
