package config

import (
	"os"
	"sync"
	"testing"
)

// Env var mutation must be serialized: tests run in the same process.
var envLock sync.Mutex

func clearEnv() {
	for _, k := range []string{
		"SOLANA_RPC_URL", "GEYSER_URL", "RPC_POLL_INTERVAL_MS", "SCOUT_INTERVAL_MS",
		"SCOUT_LOOKAHEAD_SLOTS", "MONITOR_INTERVAL_MS", "QUIC_KEEP_ALIVE_SECS",
		"QUIC_IDLE_TIMEOUT_SECS", "NODE_MAP_REFRESH_MS", "DEFAULT_COMPUTE_UNIT_LIMIT", "DEFAULT_PRIORITY_FEE",
		"SCRAMJET_BLOCKLIST_FILE", "SCRAMJET_BLOCKLIST_URL", "SCRAMJET_BLOCKLIST_REFRESH_SECS",
		"GEYSER_RECONNECT_DELAY_MS", "GEYSER_MAX_RECONNECT_DELAY_MS",
	} {
		os.Unsetenv(k)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	envLock.Lock()
	defer envLock.Unlock()
	clearEnv()
	defer clearEnv()

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SolanaRPCURL != "https://api.mainnet-beta.solana.com" {
		t.Fatalf("unexpected default rpc url: %s", cfg.SolanaRPCURL)
	}
	if cfg.GeyserURL != "" {
		t.Fatal("expected empty geyser url by default (polling mode)")
	}
	if cfg.RPCPollIntervalMS != 400 {
		t.Fatalf("unexpected default poll interval: %d", cfg.RPCPollIntervalMS)
	}
	if cfg.ScoutIntervalMS != 1000 || cfg.ScoutLookaheadSlots != 10 {
		t.Fatal("unexpected scout defaults")
	}
	if cfg.DefaultComputeUnitLimit != 200_000 {
		t.Fatal("unexpected compute unit default")
	}
}

func TestFromEnvDefaultsNodeMapRefreshIndependentlyOfPollInterval(t *testing.T) {
	envLock.Lock()
	defer envLock.Unlock()
	clearEnv()
	defer clearEnv()

	os.Setenv("RPC_POLL_INTERVAL_MS", "400")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NodeMapRefreshMS != 45_000 {
		t.Fatalf("unexpected default node map refresh: %d", cfg.NodeMapRefreshMS)
	}
	if cfg.NodeMapRefreshInterval() == cfg.RPCPollInterval() {
		t.Fatal("expected node map refresh cadence to differ from the schedule poll cadence by default")
	}
}

func TestFromEnvRejectsLowInterval(t *testing.T) {
	envLock.Lock()
	defer envLock.Unlock()
	clearEnv()
	defer clearEnv()

	os.Setenv("RPC_POLL_INTERVAL_MS", "10")
	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error for too-low poll interval")
	}
}

func TestFromEnvRejectsZeroComputeUnits(t *testing.T) {
	envLock.Lock()
	defer envLock.Unlock()
	clearEnv()
	defer clearEnv()

	os.Setenv("DEFAULT_COMPUTE_UNIT_LIMIT", "0")
	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error for zero compute unit limit")
	}
}

func TestFromEnvRejectsKeepAliveExceedingIdleTimeout(t *testing.T) {
	envLock.Lock()
	defer envLock.Unlock()
	clearEnv()
	defer clearEnv()

	os.Setenv("QUIC_KEEP_ALIVE_SECS", "15")
	os.Setenv("QUIC_IDLE_TIMEOUT_SECS", "10")
	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error when keep-alive >= idle timeout")
	}
}

func TestFromEnvRejectsShrinkingMaxBackoff(t *testing.T) {
	envLock.Lock()
	defer envLock.Unlock()
	clearEnv()
	defer clearEnv()

	os.Setenv("GEYSER_RECONNECT_DELAY_MS", "5000")
	os.Setenv("GEYSER_MAX_RECONNECT_DELAY_MS", "1000")
	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error when max backoff is below initial backoff")
	}
}

func TestIntervalHelpersConvertToDuration(t *testing.T) {
	envLock.Lock()
	defer envLock.Unlock()
	clearEnv()
	defer clearEnv()

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RPCPollInterval().Milliseconds() != int64(cfg.RPCPollIntervalMS) {
		t.Fatal("RPCPollInterval mismatch")
	}
	if cfg.QUICKeepAlive().Seconds() != float64(cfg.QUICKeepAliveSecs) {
		t.Fatal("QUICKeepAlive mismatch")
	}
}
