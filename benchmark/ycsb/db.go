// Package ycsb adapts the embeddable gossipdb engine to the go-ycsb
// benchmark harness, the same ycsb.DB binding shape the teacher's
// go-ycsb-vendor/db/acp package implements against its gRPC client —
// here calling the engine's Put/Get directly in-process instead, since
// the quorum-based remote client this was grounded on no longer exists
// in this engine.
package ycsb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/magiconair/properties"
	"github.com/pingcap/go-ycsb/pkg/ycsb"

	"github.com/gossipdb/gossipdb/internal/config"
	"github.com/gossipdb/gossipdb/pkg/gossipdb"
)

// gossipDB is the ycsb.DB binding for one in-process gossipdb engine.
type gossipDB struct {
	engine *gossipdb.Engine
}

type gossipCreator struct{}

func init() {
	ycsb.RegisterDBCreator("gossipdb", gossipCreator{})
}

// Create opens one in-process engine. gossipdb.node_id, gossipdb.listen_addr,
// and gossipdb.resolver_mode are read from the ycsb properties file, with
// defaults suitable for a single-process benchmark run.
func (c gossipCreator) Create(p *properties.Properties) (ycsb.DB, error) {
	cfg := &config.Config{
		NodeID:                    p.GetString("gossipdb.node_id", "ycsb-bench"),
		ListenAddr:                p.GetString("gossipdb.listen_addr", "127.0.0.1:0"),
		ClusterSecret:             p.GetString("gossipdb.cluster_secret", "ycsb-bench"),
		SecureMode:                p.GetBool("gossipdb.secure_mode", false),
		CompressionEnabled:        p.GetBool("gossipdb.compression_enabled", true),
		DiscoveryBroadcastAddr:    "127.0.0.1",
		DiscoveryListenAddr:       "0.0.0.0",
		DiscoveryLoopbackOverride: true,
		GossipFanout:              p.GetInt("gossipdb.gossip_fanout", 3),
		ResolverMode:              p.GetString("gossipdb.resolver_mode", "lww"),
		MetricsNamespace:          "gossipdb_ycsb",
		MetricsAddr:               ":0",
	}
	// GossipInterval is left at its zero value; orchestrator.New falls
	// back to orchestrator.DefaultInterval for any interval <= 0.

	engine, err := gossipdb.Open(cfg, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("gossipdb ycsb binding: open engine: %w", err)
	}
	return &gossipDB{engine: engine}, nil
}

func (db *gossipDB) Close() error {
	return db.engine.Close()
}

func (db *gossipDB) InitThread(ctx context.Context, _ int, _ int) context.Context {
	return ctx
}

func (db *gossipDB) CleanupThread(_ context.Context) {}

func (db *gossipDB) Read(ctx context.Context, table string, key string, fields []string) (map[string][]byte, error) {
	doc, ok, err := db.engine.Get(ctx, table, key)
	if err != nil {
		return nil, fmt.Errorf("gossipdb get failed: %w", err)
	}
	if !ok || doc.Deleted {
		return nil, fmt.Errorf("gossipdb: key not found")
	}

	var result map[string][]byte
	if err := json.Unmarshal(doc.Body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}

	if len(fields) > 0 {
		filtered := make(map[string][]byte, len(fields))
		for _, field := range fields {
			if val, ok := result[field]; ok {
				filtered[field] = val
			}
		}
		return filtered, nil
	}
	return result, nil
}

func (db *gossipDB) Scan(ctx context.Context, table string, startKey string, count int, fields []string) ([]map[string][]byte, error) {
	return nil, fmt.Errorf("scan operation not supported by gossipdb ycsb binding")
}

func (db *gossipDB) Update(ctx context.Context, table string, key string, values map[string][]byte) error {
	return db.Insert(ctx, table, key, values)
}

func (db *gossipDB) Insert(ctx context.Context, table string, key string, values map[string][]byte) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode values: %w", err)
	}

	if _, err := db.engine.Put(ctx, table, key, data); err != nil {
		return fmt.Errorf("gossipdb put failed: %w", err)
	}
	return nil
}

func (db *gossipDB) Delete(ctx context.Context, table string, key string) error {
	if _, err := db.engine.Delete(ctx, table, key); err != nil {
		return fmt.Errorf("gossipdb delete failed: %w", err)
	}
	return nil
}
