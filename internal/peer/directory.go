// Package peer implements the Peer Directory: a thread-safe registry of
// known cluster members with a background sweeper that evicts entries
// that have gone quiet.
package peer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gossipdb/gossipdb/internal/metrics"
)

const (
	// SweepInterval is how often the liveness sweeper runs.
	SweepInterval = 10 * time.Second
	// EvictAfter is the idle duration after which a peer is dropped.
	EvictAfter = 15 * time.Second
)

// Descriptor is one known peer's address and the last time Upsert was
// called for it (by a discovery beacon or a directly seeded peer). Sync
// exchanges do not refresh it.
type Descriptor struct {
	NodeID   string
	Addr     string // "host:port" for the sync transport
	LastSeen time.Time
}

// Directory is a concurrent map of nodeID -> Descriptor. The local node's
// own ID is never inserted, even if Upsert is called with it.
type Directory struct {
	mu      sync.RWMutex
	peers   map[string]Descriptor
	selfID  string
	logger  *zap.Logger
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// New creates an empty Directory. selfID is excluded from every Upsert so
// a node never discovers itself as a peer. logger and m may be nil.
func New(selfID string, logger *zap.Logger, m *metrics.Metrics) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		peers:   make(map[string]Descriptor),
		selfID:  selfID,
		logger:  logger,
		metrics: m,
		nowFn:   time.Now,
	}
}

// Upsert records or refreshes a peer's liveness. A no-op if nodeID is the
// local node's own ID.
func (d *Directory) Upsert(nodeID, addr string) {
	if nodeID == d.selfID {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.peers[nodeID] = Descriptor{NodeID: nodeID, Addr: addr, LastSeen: d.nowFn()}
	if d.metrics != nil {
		d.metrics.PeersKnown.Set(float64(len(d.peers)))
	}
}

// Snapshot returns a copy of all currently known peers.
func (d *Directory) Snapshot() []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Descriptor, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the current number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Run starts the liveness sweeper, which evicts peers idle past
// EvictAfter every SweepInterval. It blocks until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	d.logger.Info("peer directory sweeper starting",
		zap.Duration("interval", SweepInterval),
		zap.Duration("evict_after", EvictAfter))

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-ctx.Done():
			d.logger.Info("peer directory sweeper stopped")
			return
		}
	}
}

func (d *Directory) sweep() {
	now := d.nowFn()

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, p := range d.peers {
		if now.Sub(p.LastSeen) > EvictAfter {
			delete(d.peers, id)
			d.logger.Debug("evicted stale peer", zap.String("node_id", id), zap.String("addr", p.Addr))
			if d.metrics != nil {
				d.metrics.PeersEvicted.Inc()
			}
		}
	}
	if d.metrics != nil {
		d.metrics.PeersKnown.Set(float64(len(d.peers)))
	}
}
