// Package orchestrator implements the active side of gossip sync: a
// single long-lived loop that periodically samples the peer directory,
// fans out bounded-concurrency sync rounds, and pulls or pushes oplog
// deltas depending on which side is ahead.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gossipdb/gossipdb/internal/hlc"
	"github.com/gossipdb/gossipdb/internal/merge"
	"github.com/gossipdb/gossipdb/internal/metrics"
	"github.com/gossipdb/gossipdb/internal/peer"
	"github.com/gossipdb/gossipdb/internal/storage"
	"github.com/gossipdb/gossipdb/internal/transport"
)

const (
	// DefaultInterval is the default cadence between sync rounds.
	DefaultInterval = 2 * time.Second
	// DefaultFanout is the default number of peers contacted per round.
	DefaultFanout = 3
)

// SupportedCompression is advertised to every peer this node dials when
// compression is enabled.
var SupportedCompression = []string{"brotli"}

// Orchestrator drives outbound sync rounds against the peer directory.
type Orchestrator struct {
	nodeID      string
	authToken   string
	secure      bool
	compression []string
	interval    time.Duration
	fanout      int

	dir    *peer.Directory
	store  storage.Store
	clock  hlc.Source
	merger *merge.Engine

	logger  *zap.Logger
	metrics *metrics.Metrics

	pool *sessionPool
}

// New creates an Orchestrator. secure must match the secureMode of every
// peer's sync server in the cluster — the two channel modes are
// mutually exclusive cluster-wide, not negotiated per dial. When
// compressionEnabled is false no compression algorithm is offered to
// peers. interval <= 0 or fanout <= 0 fall back to their package
// defaults. logger and m may be nil.
func New(nodeID, authToken string, secure, compressionEnabled bool, interval time.Duration, fanout int, dir *peer.Directory, store storage.Store, clock hlc.Source, merger *merge.Engine, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var compression []string
	if compressionEnabled {
		compression = SupportedCompression
	}
	return &Orchestrator{
		nodeID: nodeID, authToken: authToken, secure: secure, compression: compression,
		interval: interval, fanout: fanout,
		dir: dir, store: store, clock: clock, merger: merger,
		logger: logger, metrics: m,
		pool: newSessionPool(),
	}
}

// Run executes sync rounds on Orchestrator's interval until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.Info("sync orchestrator starting",
		zap.Duration("interval", o.interval),
		zap.Int("fanout", o.fanout))

	for {
		select {
		case <-ticker.C:
			o.runRound(ctx)
		case <-ctx.Done():
			o.logger.Info("sync orchestrator stopped")
			o.pool.closeAll()
			return
		}
	}
}

func (o *Orchestrator) runRound(ctx context.Context) {
	if o.metrics != nil {
		o.metrics.SyncRounds.Inc()
	}

	peers := o.dir.Snapshot()
	targets := sample(peers, o.fanout)
	if len(targets) == 0 {
		return
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(o.fanout)

	for _, target := range targets {
		target := target
		grp.Go(func() error {
			o.syncWith(gctx, target)
			return nil
		})
	}
	grp.Wait()
}

// sample returns a random subset of size min(n, len(peers)).
func sample(peers []peer.Descriptor, n int) []peer.Descriptor {
	if n >= len(peers) {
		return peers
	}
	shuffled := make([]peer.Descriptor, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// syncWith runs one SyncWith exchange against target, per spec.md §4.9.
// Any failure logs a warning, evicts the session, and returns; the next
// round will reconnect.
func (o *Orchestrator) syncWith(ctx context.Context, target peer.Descriptor) {
	start := time.Now()
	sess, err := o.pool.acquire(target.NodeID, target.Addr, func() (*transport.Session, error) {
		return transport.Dial(target.Addr, o.nodeID, o.authToken, o.compression, o.secure)
	})
	if err != nil {
		o.recordResult(target.NodeID, "connect_error", start)
		o.logger.Warn("sync orchestrator failed to connect", zap.String("peer", target.NodeID), zap.Error(err))
		return
	}

	if err := o.syncOnce(ctx, sess); err != nil {
		o.pool.evict(target.NodeID)
		sess.Fail()
		o.recordResult(target.NodeID, "error", start)
		o.logger.Warn("sync orchestrator round failed", zap.String("peer", target.NodeID), zap.Error(err))
		return
	}

	o.pool.release(target.NodeID)
	o.recordResult(target.NodeID, "ok", start)
}

func (o *Orchestrator) recordResult(peerID, result string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.SyncAttempts.WithLabelValues(result).Inc()
	o.metrics.SyncLatency.WithLabelValues(peerID).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) syncOnce(ctx context.Context, sess *transport.Session) error {
	clockPayload, err := transport.EncodeRecord(transport.GetClockReq{})
	if err != nil {
		return err
	}
	if err := sess.Send(transport.TypeGetClockReq, clockPayload); err != nil {
		return err
	}

	msgType, respPayload, err := sess.Receive()
	if err != nil {
		return err
	}
	if msgType != transport.TypeClockRes {
		return fmt.Errorf("orchestrator: expected ClockRes, got %s", msgType)
	}
	var clockRes transport.ClockRes
	if err := transport.DecodeRecord(respPayload, &clockRes); err != nil {
		return err
	}
	remoteClock := hlc.Timestamp{Wall: clockRes.HlcWall, Logical: clockRes.HlcLogical, Node: clockRes.HlcNode}

	localClock, err := o.store.GetLatestTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: load local clock: %w", err)
	}

	switch {
	case remoteClock.After(localClock):
		return o.pull(ctx, sess, localClock)
	case localClock.After(remoteClock):
		return o.push(ctx, sess, remoteClock)
	default:
		return nil
	}
}

func (o *Orchestrator) pull(ctx context.Context, sess *transport.Session, since hlc.Timestamp) error {
	req := transport.PullChangesReq{SinceWall: since.Wall, SinceLogical: since.Logical, SinceNode: since.Node}
	payload, err := transport.EncodeRecord(req)
	if err != nil {
		return err
	}
	if err := sess.Send(transport.TypePullChangesReq, payload); err != nil {
		return err
	}

	msgType, respPayload, err := sess.Receive()
	if err != nil {
		return err
	}
	if msgType != transport.TypeChangeSetRes {
		return fmt.Errorf("orchestrator: expected ChangeSetRes, got %s", msgType)
	}
	var res transport.ChangeSetRes
	if err := transport.DecodeRecord(respPayload, &res); err != nil {
		return err
	}

	return o.merger.ApplyBatch(ctx, transport.FromWireEntries(res.Entries))
}

func (o *Orchestrator) push(ctx context.Context, sess *transport.Session, since hlc.Timestamp) error {
	entries, err := o.store.GetOplogAfter(ctx, since)
	if err != nil {
		return fmt.Errorf("orchestrator: load local oplog since %v: %w", since, err)
	}

	req := transport.PushChangesReq{Entries: transport.ToWireEntries(entries)}
	payload, err := transport.EncodeRecord(req)
	if err != nil {
		return err
	}
	if err := sess.Send(transport.TypePushChangesReq, payload); err != nil {
		return err
	}

	msgType, respPayload, err := sess.Receive()
	if err != nil {
		return err
	}
	if msgType != transport.TypeAckRes {
		return fmt.Errorf("orchestrator: expected AckRes, got %s", msgType)
	}
	var res transport.AckRes
	if err := transport.DecodeRecord(respPayload, &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("orchestrator: peer rejected pushed batch")
	}
	return nil
}

// sessionPool holds at most one live Session per peer, with
// compare-and-swap-style ownership: acquire marks a peer busy so a
// second concurrent round against the same peer can't interleave
// exchanges on one connection (spec.md §5).
type sessionPool struct {
	mu       sync.Mutex
	sessions map[string]*transport.Session
	busy     map[string]bool
}

func newSessionPool() *sessionPool {
	return &sessionPool{
		sessions: make(map[string]*transport.Session),
		busy:     make(map[string]bool),
	}
}

func (p *sessionPool) acquire(nodeID, addr string, dial func() (*transport.Session, error)) (*transport.Session, error) {
	p.mu.Lock()
	if p.busy[nodeID] {
		p.mu.Unlock()
		return nil, fmt.Errorf("sessionpool: %s already in use", nodeID)
	}
	sess, ok := p.sessions[nodeID]
	p.busy[nodeID] = true
	p.mu.Unlock()

	if ok && sess.State() == transport.StateReady {
		return sess, nil
	}

	sess, err := dial()
	if err != nil {
		p.mu.Lock()
		p.busy[nodeID] = false
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	p.sessions[nodeID] = sess
	p.mu.Unlock()
	return sess, nil
}

func (p *sessionPool) release(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[nodeID] = false
}

func (p *sessionPool) evict(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, nodeID)
	p.busy[nodeID] = false
}

func (p *sessionPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sess := range p.sessions {
		sess.Close()
	}
	p.sessions = make(map[string]*transport.Session)
}
