// Package gossipdb is the embeddable entrypoint: Open wires a Store, HLC
// clock, resolver, merge engine, peer directory, discovery service, sync
// server, and sync orchestrator into one running Engine, the same
// by-hand dependency graph the teacher's cmd/acp-node/main.go builds for
// its own components.
package gossipdb

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gossipdb/gossipdb/internal/config"
	"github.com/gossipdb/gossipdb/internal/discovery"
	"github.com/gossipdb/gossipdb/internal/hlc"
	"github.com/gossipdb/gossipdb/internal/memstore"
	"github.com/gossipdb/gossipdb/internal/merge"
	"github.com/gossipdb/gossipdb/internal/metrics"
	"github.com/gossipdb/gossipdb/internal/orchestrator"
	"github.com/gossipdb/gossipdb/internal/peer"
	"github.com/gossipdb/gossipdb/internal/query"
	"github.com/gossipdb/gossipdb/internal/resolver"
	"github.com/gossipdb/gossipdb/internal/storage"
	"github.com/gossipdb/gossipdb/internal/syncserver"
)

// Engine is a single running node: local storage, the gossip protocol
// stack wired on top of it, and the clock that orders everything.
type Engine struct {
	cfg   *config.Config
	store storage.Store
	clock hlc.Source

	dir     *peer.Directory
	disc    *discovery.Service
	server  *syncserver.Server
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	logger  *zap.Logger

	listener net.Listener

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Open builds and starts an Engine from cfg. store, if nil, defaults to
// an in-memory memstore.Store (the reference implementation; spec.md §1
// treats the concrete storage engine as a pluggable concern). logger, if
// nil, defaults to a no-op logger.
func Open(cfg *config.Config, store storage.Store, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gossipdb: nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = memstore.New()
	}

	m := metrics.New(cfg.MetricsNamespace)
	clock := hlc.NewClock(cfg.NodeID, logger)

	// observe the latest stored timestamp so local ticks stay monotonic
	// across restarts of a durable store.
	latest, err := store.GetLatestTimestamp(context.Background())
	if err != nil {
		return nil, fmt.Errorf("gossipdb: load latest timestamp: %w", err)
	}
	if !latest.IsZero() {
		clock.Observe(latest)
	}

	var r resolver.Resolver
	switch strings.ToLower(cfg.ResolverMode) {
	case "field-merge":
		r = resolver.FieldMerge{}
	default:
		r = resolver.LWW{}
	}

	merger := merge.New(store, clock, r, logger, m)
	dir := peer.New(cfg.NodeID, logger, m)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("gossipdb: listen on %s: %w", cfg.ListenAddr, err)
	}

	srv := syncserver.New(cfg.NodeID, cfg.ClusterSecret, cfg.SecureMode, cfg.CompressionEnabled, store, clock, merger, logger, m)

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("gossipdb: parse listen addr: %w", err)
	}
	var tcpPort int
	if _, err := fmt.Sscanf(portStr, "%d", &tcpPort); err != nil {
		ln.Close()
		return nil, fmt.Errorf("gossipdb: parse listen port %q: %w", portStr, err)
	}

	disc := discovery.New(cfg.NodeID, tcpPort, cfg.DiscoveryBroadcastAddr, cfg.DiscoveryListenAddr, dir, logger, m)
	disc.LoopbackOverride = cfg.DiscoveryLoopbackOverride

	orch := orchestrator.New(cfg.NodeID, cfg.ClusterSecret, cfg.SecureMode, cfg.CompressionEnabled, cfg.GossipInterval, cfg.GossipFanout, dir, store, clock, merger, logger, m)

	e := &Engine{
		cfg: cfg, store: store, clock: clock,
		dir: dir, disc: disc, server: srv, orch: orch,
		metrics: m, logger: logger, listener: ln,
		stopped: make(chan struct{}),
	}

	e.start()
	return e, nil
}

func (e *Engine) start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	go e.server.Serve(ctx, e.listener)
	go e.dir.Run(ctx)
	go func() {
		if err := e.disc.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("discovery service stopped unexpectedly", zap.Error(err))
		}
	}()
	go e.orch.Run(ctx)

	e.logger.Info("gossipdb engine started",
		zap.String("node_id", e.cfg.NodeID),
		zap.String("listen_addr", e.listener.Addr().String()))
}

// Close cancels the one context shared by the orchestrator, discovery
// service, peer directory sweeper and sync server, then closes the
// listener. All four are signalled at the same moment, not one after
// another, and Close does not wait for their goroutines to return.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.stopped:
		return nil
	default:
	}
	close(e.stopped)

	e.cancel()
	err := e.listener.Close()
	e.logger.Info("gossipdb engine stopped", zap.String("node_id", e.cfg.NodeID))
	return err
}

// Addr returns the address the sync server is listening on.
func (e *Engine) Addr() string {
	return e.listener.Addr().String()
}

// Seed registers a known peer directly, bypassing discovery (useful in
// tests and for statically-configured clusters).
func (e *Engine) Seed(nodeID, addr string) {
	e.dir.Upsert(nodeID, addr)
}

// Put writes a document under (collection, key), assigning it a fresh HLC
// timestamp. body must be valid JSON.
func (e *Engine) Put(ctx context.Context, collection, key string, body []byte) (storage.Document, error) {
	start := time.Now()
	ts := e.clock.Tick()
	doc, err := e.store.ApplyLocal(ctx, storage.OplogEntry{
		Collection: collection, Key: key, Op: storage.OpPut, Body: body, Timestamp: ts,
	})
	if err != nil {
		e.metrics.Errors.WithLabelValues("put").Inc()
	} else {
		e.metrics.PutLatency.Observe(time.Since(start).Seconds())
	}
	return doc, err
}

// Get returns the latest document for (collection, key). A tombstoned key
// reads as absent (ok == false).
func (e *Engine) Get(ctx context.Context, collection, key string) (storage.Document, bool, error) {
	start := time.Now()
	doc, ok, err := e.store.GetDocument(ctx, collection, key)
	if err != nil {
		e.metrics.Errors.WithLabelValues("get").Inc()
	} else {
		e.metrics.GetLatency.Observe(time.Since(start).Seconds())
	}
	if ok && doc.Deleted {
		return storage.Document{}, false, err
	}
	return doc, ok, err
}

// Delete tombstones (collection, key).
func (e *Engine) Delete(ctx context.Context, collection, key string) (storage.Document, error) {
	start := time.Now()
	ts := e.clock.Tick()
	doc, err := e.store.ApplyLocal(ctx, storage.OplogEntry{
		Collection: collection, Key: key, Op: storage.OpDelete, Timestamp: ts,
	})
	if err != nil {
		e.metrics.Errors.WithLabelValues("delete").Inc()
	} else {
		e.metrics.DeleteLatency.Observe(time.Since(start).Seconds())
	}
	return doc, err
}

// Query runs predicate against collection, honoring skip/take/orderBy.
func (e *Engine) Query(ctx context.Context, collection string, predicate query.Predicate, skip, take int, orderBy string, asc bool) ([]storage.Document, error) {
	start := time.Now()
	docs, err := e.store.QueryDocuments(ctx, collection, predicate, skip, take, orderBy, asc)
	if err != nil {
		e.metrics.Errors.WithLabelValues("query").Inc()
	} else {
		e.metrics.QueryLatency.Observe(time.Since(start).Seconds())
	}
	return docs, err
}
