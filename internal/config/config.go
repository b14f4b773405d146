// Package config loads and validates Scramjet's environment-variable
// configuration surface (spec.md §6), failing fast on anything that would
// degrade the system silently.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const minIntervalMS = 50

// ErrInvalid wraps every error Validate returns, giving callers one
// errors.Is target regardless of which invariant failed.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is Scramjet's fully validated runtime configuration.
type Config struct {
	SolanaRPCURL string
	GeyserURL    string // empty means polling-mode Clock

	RPCPollIntervalMS    uint64
	ScoutIntervalMS      uint64
	ScoutLookaheadSlots  uint64
	MonitorIntervalMS    uint64

	QUICKeepAliveSecs   uint64
	QUICIdleTimeoutSecs uint64

	// NodeMapRefreshMS controls Cartographer's topology (getClusterNodes)
	// refresh cadence, kept independent of RPCPollIntervalMS — the leader
	// schedule refresh cadence — per spec.md §4.1.
	NodeMapRefreshMS uint64

	DefaultComputeUnitLimit uint32
	DefaultPriorityFee      uint64

	BlocklistFile          string
	BlocklistURL           string
	BlocklistRefreshSecs   uint64

	GeyserReconnectDelayMS    uint64
	GeyserMaxReconnectDelayMS uint64
}

// FromEnv loads configuration from the process environment, applying the
// defaults from spec.md §6 and validating the result.
func FromEnv() (*Config, error) {
	for _, key := range []string{
		"RPC_POLL_INTERVAL_MS", "SCOUT_INTERVAL_MS", "SCOUT_LOOKAHEAD_SLOTS", "MONITOR_INTERVAL_MS",
		"QUIC_KEEP_ALIVE_SECS", "QUIC_IDLE_TIMEOUT_SECS", "NODE_MAP_REFRESH_MS", "DEFAULT_COMPUTE_UNIT_LIMIT",
		"DEFAULT_PRIORITY_FEE", "SCRAMJET_BLOCKLIST_REFRESH_SECS", "GEYSER_RECONNECT_DELAY_MS", "GEYSER_MAX_RECONNECT_DELAY_MS",
	} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if _, err := strconv.ParseUint(v, 10, 64); err != nil {
				return nil, errors.Wrapf(ErrInvalid, "%s=%q is not an unsigned integer", key, v)
			}
		}
	}

	cfg := &Config{
		SolanaRPCURL: getEnvString("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		GeyserURL:    getEnvString("GEYSER_URL", ""),

		RPCPollIntervalMS:   getEnvUint("RPC_POLL_INTERVAL_MS", 400),
		ScoutIntervalMS:     getEnvUint("SCOUT_INTERVAL_MS", 1000),
		ScoutLookaheadSlots: getEnvUint("SCOUT_LOOKAHEAD_SLOTS", 10),
		MonitorIntervalMS:   getEnvUint("MONITOR_INTERVAL_MS", 400),

		QUICKeepAliveSecs:   getEnvUint("QUIC_KEEP_ALIVE_SECS", 5),
		QUICIdleTimeoutSecs: getEnvUint("QUIC_IDLE_TIMEOUT_SECS", 10),

		NodeMapRefreshMS: getEnvUint("NODE_MAP_REFRESH_MS", 45_000),

		DefaultComputeUnitLimit: uint32(getEnvUint("DEFAULT_COMPUTE_UNIT_LIMIT", 200_000)),
		DefaultPriorityFee:      getEnvUint("DEFAULT_PRIORITY_FEE", 100_000),

		BlocklistFile:        getEnvString("SCRAMJET_BLOCKLIST_FILE", "./blocklist.txt"),
		BlocklistURL:         getEnvString("SCRAMJET_BLOCKLIST_URL", ""),
		BlocklistRefreshSecs: getEnvUint("SCRAMJET_BLOCKLIST_REFRESH_SECS", 300),

		GeyserReconnectDelayMS:    getEnvUint("GEYSER_RECONNECT_DELAY_MS", 1000),
		GeyserMaxReconnectDelayMS: getEnvUint("GEYSER_MAX_RECONNECT_DELAY_MS", 10_000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces every cross-field invariant spec.md §6/§4.3 requires.
func (c *Config) Validate() error {
	if c.RPCPollIntervalMS < minIntervalMS {
		return errors.Wrapf(ErrInvalid, "RPC_POLL_INTERVAL_MS=%d is too low (min %dms)", c.RPCPollIntervalMS, minIntervalMS)
	}
	if c.ScoutIntervalMS < minIntervalMS {
		return errors.Wrapf(ErrInvalid, "SCOUT_INTERVAL_MS=%d is too low (min %dms)", c.ScoutIntervalMS, minIntervalMS)
	}
	if c.MonitorIntervalMS < minIntervalMS {
		return errors.Wrapf(ErrInvalid, "MONITOR_INTERVAL_MS=%d is too low (min %dms)", c.MonitorIntervalMS, minIntervalMS)
	}
	if c.NodeMapRefreshMS < minIntervalMS {
		return errors.Wrapf(ErrInvalid, "NODE_MAP_REFRESH_MS=%d is too low (min %dms)", c.NodeMapRefreshMS, minIntervalMS)
	}
	if c.DefaultComputeUnitLimit == 0 {
		return errors.Wrap(ErrInvalid, "DEFAULT_COMPUTE_UNIT_LIMIT=0 means all transactions will fail")
	}
	if c.QUICIdleTimeoutSecs == 0 {
		return errors.Wrap(ErrInvalid, "QUIC_IDLE_TIMEOUT_SECS=0 means connections disconnect immediately")
	}
	if c.QUICKeepAliveSecs >= c.QUICIdleTimeoutSecs {
		return errors.Wrapf(ErrInvalid, "QUIC_KEEP_ALIVE_SECS=%d must be less than QUIC_IDLE_TIMEOUT_SECS=%d",
			c.QUICKeepAliveSecs, c.QUICIdleTimeoutSecs)
	}
	if c.GeyserMaxReconnectDelayMS < c.GeyserReconnectDelayMS {
		return errors.Wrapf(ErrInvalid, "GEYSER_MAX_RECONNECT_DELAY_MS=%d must be >= GEYSER_RECONNECT_DELAY_MS=%d",
			c.GeyserMaxReconnectDelayMS, c.GeyserReconnectDelayMS)
	}
	return nil
}

func (c *Config) RPCPollInterval() time.Duration {
	return time.Duration(c.RPCPollIntervalMS) * time.Millisecond
}

func (c *Config) ScoutInterval() time.Duration {
	return time.Duration(c.ScoutIntervalMS) * time.Millisecond
}

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMS) * time.Millisecond
}

func (c *Config) QUICKeepAlive() time.Duration {
	return time.Duration(c.QUICKeepAliveSecs) * time.Second
}

func (c *Config) QUICIdleTimeout() time.Duration {
	return time.Duration(c.QUICIdleTimeoutSecs) * time.Second
}

func (c *Config) NodeMapRefreshInterval() time.Duration {
	return time.Duration(c.NodeMapRefreshMS) * time.Millisecond
}

func (c *Config) BlocklistRefreshInterval() time.Duration {
	return time.Duration(c.BlocklistRefreshSecs) * time.Second
}

func (c *Config) GeyserReconnectDelay() time.Duration {
	return time.Duration(c.GeyserReconnectDelayMS) * time.Millisecond
}

func (c *Config) GeyserMaxReconnectDelay() time.Duration {
	return time.Duration(c.GeyserMaxReconnectDelayMS) * time.Millisecond
}

func getEnvString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvUint(key string, fallback uint64) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
