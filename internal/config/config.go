// Package config loads runtime configuration from environment
// variables (optionally via a .env file), following the same
// godotenv-based convention the rest of this module's ancestry uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseType selects the address book's storage backend.
type DatabaseType string

const (
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabasePostgres DatabaseType = "postgres"
)

// Config holds every tunable the networking core and its surrounding
// services need at startup. Fields map directly to the option table
// carried from the distilled spec plus the supplemental ambient
// options (database, ZMQ, diagnostics, logging).
type Config struct {
	// Network selection
	Network string // "mainnet", "testnet3", "regtest"

	// PeerGroup fleet policy
	TargetConnections          int
	ConnectTimeout             time.Duration
	PingInterval               time.Duration
	PeerDiscoveryTimeout       time.Duration
	MaxPeersToDiscover         int
	StallPeriodSecs            int
	BloomFPRate                float64
	BloomEnabled               bool
	MinBroadcastConnections    int
	MinRequiredProtocolVersion uint32
	PreferLocalhost            bool
	DownloadTxDependencyDepth  int

	// Discovery seeds
	DNSSeeds     []string
	HTTPSeedURLs []string
	HardcodedSeeds []string

	// Address book persistence
	DatabaseType DatabaseType
	DatabaseURL  string

	// ZMQ ingestion
	ZMQEndpoint string

	// Diagnostics HTTP + WebSocket surface
	DiagnosticsListenAddr string

	// Logging
	LogLevel string

	// UserAgent is this node's advertised sub-version string.
	UserAgent string
}

// Load reads configuration from the process environment, loading a
// .env file first if one is present in the working directory (a
// missing .env is not an error; real deployments set the environment
// directly).
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("SPVNET_NETWORK"); v != "" {
		cfg.Network = v
	}
	if v, err := envInt("SPVNET_TARGET_CONNECTIONS"); err == nil && v != 0 {
		cfg.TargetConnections = v
	} else if err != nil {
		return cfg, err
	}
	if v, err := envDuration("SPVNET_CONNECT_TIMEOUT_MS"); err == nil && v != 0 {
		cfg.ConnectTimeout = v
	} else if err != nil {
		return cfg, err
	}
	if v, err := envDuration("SPVNET_PING_INTERVAL_MS"); err == nil && v != 0 {
		cfg.PingInterval = v
	} else if err != nil {
		return cfg, err
	}
	if v, err := envDuration("SPVNET_PEER_DISCOVERY_TIMEOUT_MS"); err == nil && v != 0 {
		cfg.PeerDiscoveryTimeout = v
	} else if err != nil {
		return cfg, err
	}
	if v, err := envInt("SPVNET_MAX_PEERS_TO_DISCOVER"); err == nil && v != 0 {
		cfg.MaxPeersToDiscover = v
	} else if err != nil {
		return cfg, err
	}
	if v, err := envInt("SPVNET_STALL_PERIOD_SECS"); err == nil && v != 0 {
		cfg.StallPeriodSecs = v
	} else if err != nil {
		return cfg, err
	}
	if v, err := envFloat("SPVNET_BLOOM_FP_RATE"); err == nil && v != 0 {
		cfg.BloomFPRate = v
	} else if err != nil {
		return cfg, err
	}
	if v := os.Getenv("SPVNET_BLOOM_ENABLED"); v != "" {
		cfg.BloomEnabled = v == "true" || v == "1"
	}
	if v, err := envInt("SPVNET_MIN_BROADCAST_CONNECTIONS"); err == nil && v != 0 {
		cfg.MinBroadcastConnections = v
	} else if err != nil {
		return cfg, err
	}
	if v := os.Getenv("SPVNET_PREFER_LOCALHOST"); v != "" {
		cfg.PreferLocalhost = v == "true" || v == "1"
	}
	if v, err := envInt("SPVNET_DOWNLOAD_TX_DEPENDENCY_DEPTH"); err == nil && v != 0 {
		cfg.DownloadTxDependencyDepth = v
	} else if err != nil {
		return cfg, err
	}
	if v := os.Getenv("SPVNET_DNS_SEEDS"); v != "" {
		cfg.DNSSeeds = splitCSV(v)
	}
	if v := os.Getenv("SPVNET_HTTP_SEED_URLS"); v != "" {
		cfg.HTTPSeedURLs = splitCSV(v)
	}
	if v := os.Getenv("SPVNET_HARDCODED_SEEDS"); v != "" {
		cfg.HardcodedSeeds = splitCSV(v)
	}
	if v := os.Getenv("SPVNET_DATABASE_TYPE"); v != "" {
		cfg.DatabaseType = DatabaseType(v)
	}
	if v := os.Getenv("SPVNET_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SPVNET_ZMQ_ENDPOINT"); v != "" {
		cfg.ZMQEndpoint = v
	}
	if v := os.Getenv("SPVNET_DIAGNOSTICS_LISTEN_ADDR"); v != "" {
		cfg.DiagnosticsListenAddr = v
	}
	if v := os.Getenv("SPVNET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SPVNET_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}

	return cfg, cfg.validate()
}

// Default returns the out-of-the-box configuration used when no
// environment override is present.
func Default() Config {
	return Config{
		Network:                    "mainnet",
		TargetConnections:          8,
		ConnectTimeout:             8 * time.Second,
		PingInterval:               2 * time.Minute,
		PeerDiscoveryTimeout:       10 * time.Second,
		MaxPeersToDiscover:         200,
		StallPeriodSecs:            90,
		BloomFPRate:                0.0001,
		BloomEnabled:               true,
		MinBroadcastConnections:    1,
		MinRequiredProtocolVersion: 70001,
		PreferLocalhost:            true,
		DownloadTxDependencyDepth:  5,
		DatabaseType:               DatabaseSQLite,
		DatabaseURL:                "spvnet.db",
		DiagnosticsListenAddr:      "127.0.0.1:8669",
		LogLevel:                   "info",
		UserAgent:                  "/spvnet:0.1.0/",
	}
}

func (c Config) validate() error {
	switch c.DatabaseType {
	case DatabaseSQLite, DatabasePostgres:
	default:
		return fmt.Errorf("config: unsupported database_type %q", c.DatabaseType)
	}
	if c.TargetConnections <= 0 {
		return fmt.Errorf("config: target_connections must be positive")
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		return fmt.Errorf("config: bloom_fp_rate must be in (0,1)")
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
