// Package convergence measures how long a write to one gossipdb engine
// takes to propagate to every other engine in an N-node cluster wired
// over loopback TCP. It adapts the teacher's benchmark/adaptive
// round-robin ClientPool — here the "pool" is a fixed ring of local
// engines instead of gRPC connections to remote nodes, since this
// engine is embedded rather than served over the network.
package convergence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gossipdb/gossipdb/internal/config"
	"github.com/gossipdb/gossipdb/pkg/gossipdb"
)

// Cluster is a ring of in-process engines, each seeded with every other
// member's address so gossip rounds can run without relying on UDP
// discovery (which is unreliable inside parallel test/benchmark runs).
type Cluster struct {
	engines []*gossipdb.Engine
	index   atomic.Uint32
	mu      sync.RWMutex
}

// NewCluster opens n engines, each listening on loopback with an
// OS-assigned port, and cross-seeds their peer directories.
func NewCluster(n int, gossipInterval time.Duration) (*Cluster, error) {
	if n < 2 {
		return nil, fmt.Errorf("convergence: cluster needs at least 2 nodes, got %d", n)
	}

	c := &Cluster{engines: make([]*gossipdb.Engine, 0, n)}

	for i := 0; i < n; i++ {
		cfg := &config.Config{
			NodeID:                    fmt.Sprintf("bench-node-%d", i),
			ListenAddr:                "127.0.0.1:0",
			ClusterSecret:             "convergence-bench",
			CompressionEnabled:        true,
			DiscoveryBroadcastAddr:    "127.0.0.1",
			DiscoveryListenAddr:       "0.0.0.0",
			DiscoveryLoopbackOverride: true,
			GossipInterval:            gossipInterval,
			GossipFanout:              3,
			ResolverMode:              "lww",
			MetricsNamespace:          fmt.Sprintf("gossipdb_bench_%d", i),
			MetricsAddr:               ":0",
		}

		engine, err := gossipdb.Open(cfg, nil, nil)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("convergence: open node %d: %w", i, err)
		}
		c.engines = append(c.engines, engine)
	}

	for i, e := range c.engines {
		for j, other := range c.engines {
			if i == j {
				continue
			}
			e.Seed(fmt.Sprintf("bench-node-%d", j), other.Addr())
		}
	}

	return c, nil
}

// Close stops every engine in the cluster.
func (c *Cluster) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.engines {
		e.Close()
	}
}

// Get returns the next engine in round-robin order.
func (c *Cluster) Get() *gossipdb.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := c.index.Add(1) % uint32(len(c.engines))
	return c.engines[idx]
}

// MeasureConvergence writes one document on the first engine and polls
// every other engine until all have observed it or the deadline passes.
// It returns the elapsed time from write to full propagation.
func (c *Cluster) MeasureConvergence(ctx context.Context, collection, key string, body []byte, deadline time.Duration) (time.Duration, error) {
	c.mu.RLock()
	engines := append([]*gossipdb.Engine(nil), c.engines...)
	c.mu.RUnlock()

	start := time.Now()
	if _, err := engines[0].Put(ctx, collection, key, body); err != nil {
		return 0, fmt.Errorf("convergence: seed write: %w", err)
	}

	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		allConverged := true
		for _, e := range engines[1:] {
			doc, ok, err := e.Get(ctx, collection, key)
			if err != nil {
				return 0, fmt.Errorf("convergence: poll: %w", err)
			}
			if !ok || string(doc.Body) != string(body) {
				allConverged = false
				break
			}
		}
		if allConverged {
			return time.Since(start), nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return 0, fmt.Errorf("convergence: cluster did not converge within %s", deadline)
}
