// Package config loads the gossip engine's tunables from an optional
// properties file plus environment variable overrides, the same
// layered-default style the teacher repo uses for its own config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/magiconair/properties"
)

// Config holds every knob the engine assembly (pkg/gossipdb.Open) needs.
type Config struct {
	NodeID string

	// transport
	ListenAddr         string // this node's sync server bind address, host:port
	ClusterSecret      string
	SecureMode         bool
	CompressionEnabled bool
	SyncRequestTimeout time.Duration

	// discovery
	DiscoveryBroadcastAddr    string
	DiscoveryListenAddr       string
	DiscoveryLoopbackOverride bool

	// orchestrator
	GossipInterval time.Duration
	GossipFanout   int

	// conflict resolution: "lww" or "field-merge"
	ResolverMode string

	// metrics
	MetricsNamespace string
	MetricsAddr      string
}

// Load builds a Config from defaults, then a properties file named by the
// CONFIG_FILE environment variable (if set), then individual environment
// variable overrides, in that increasing-precedence order.
func Load() (*Config, error) {
	cfg := &Config{
		NodeID:                    "node-1",
		ListenAddr:                ":7946",
		ClusterSecret:             "",
		SecureMode:                false,
		CompressionEnabled:        true,
		SyncRequestTimeout:        5 * time.Second,
		DiscoveryBroadcastAddr:    "255.255.255.255",
		DiscoveryListenAddr:       "0.0.0.0",
		DiscoveryLoopbackOverride: false,
		GossipInterval:            2 * time.Second,
		GossipFanout:              3,
		ResolverMode:              "lww",
		MetricsNamespace:          "gossipdb",
		MetricsAddr:               ":9090",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyPropertiesFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyPropertiesFile(cfg *Config, path string) error {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return err
	}

	cfg.NodeID = p.GetString("node_id", cfg.NodeID)
	cfg.ListenAddr = p.GetString("listen_addr", cfg.ListenAddr)
	cfg.ClusterSecret = p.GetString("cluster_secret", cfg.ClusterSecret)
	cfg.SecureMode = p.GetBool("secure_mode", cfg.SecureMode)
	cfg.CompressionEnabled = p.GetBool("compression_enabled", cfg.CompressionEnabled)
	cfg.SyncRequestTimeout = parseDurationString(p.GetString("sync_request_timeout", ""), cfg.SyncRequestTimeout)
	cfg.DiscoveryBroadcastAddr = p.GetString("discovery_broadcast_addr", cfg.DiscoveryBroadcastAddr)
	cfg.DiscoveryListenAddr = p.GetString("discovery_listen_addr", cfg.DiscoveryListenAddr)
	cfg.DiscoveryLoopbackOverride = p.GetBool("discovery_loopback_override", cfg.DiscoveryLoopbackOverride)
	cfg.GossipInterval = parseDurationString(p.GetString("gossip_interval", ""), cfg.GossipInterval)
	cfg.GossipFanout = p.GetInt("gossip_fanout", cfg.GossipFanout)
	cfg.ResolverMode = p.GetString("resolver_mode", cfg.ResolverMode)
	cfg.MetricsNamespace = p.GetString("metrics_namespace", cfg.MetricsNamespace)
	cfg.MetricsAddr = p.GetString("metrics_addr", cfg.MetricsAddr)
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.NodeID = getEnv("NODE_ID", cfg.NodeID)
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.ClusterSecret = getEnv("CLUSTER_SECRET", cfg.ClusterSecret)
	cfg.SecureMode = getBoolEnv("SECURE_MODE", cfg.SecureMode)
	cfg.CompressionEnabled = getBoolEnv("COMPRESSION_ENABLED", cfg.CompressionEnabled)
	cfg.SyncRequestTimeout = getDurationEnv("SYNC_REQUEST_TIMEOUT", cfg.SyncRequestTimeout)
	cfg.DiscoveryBroadcastAddr = getEnv("DISCOVERY_BROADCAST_ADDR", cfg.DiscoveryBroadcastAddr)
	cfg.DiscoveryListenAddr = getEnv("DISCOVERY_LISTEN_ADDR", cfg.DiscoveryListenAddr)
	cfg.DiscoveryLoopbackOverride = getBoolEnv("DISCOVERY_LOOPBACK_OVERRIDE", cfg.DiscoveryLoopbackOverride)
	cfg.GossipInterval = getDurationEnv("GOSSIP_INTERVAL", cfg.GossipInterval)
	cfg.GossipFanout = getIntEnv("GOSSIP_FANOUT", cfg.GossipFanout)
	cfg.ResolverMode = getEnv("RESOLVER_MODE", cfg.ResolverMode)
	cfg.MetricsNamespace = getEnv("METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
}

// Validate rejects configurations the rest of the engine can't act on.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: NODE_ID cannot be empty")
	}
	if c.GossipFanout < 1 {
		return fmt.Errorf("config: GOSSIP_FANOUT must be >= 1, got %d", c.GossipFanout)
	}
	mode := strings.ToLower(c.ResolverMode)
	if mode != "lww" && mode != "field-merge" {
		return fmt.Errorf("config: RESOLVER_MODE must be \"lww\" or \"field-merge\", got %q", c.ResolverMode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// parseDurationString parses raw with time.ParseDuration, falling back to
// defaultValue when raw is empty or malformed.
func parseDurationString(raw string, defaultValue time.Duration) time.Duration {
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
