// Package merge implements the Merge Engine: the component that ingests a
// remote oplog batch and folds it into local storage under the
// deterministic per-key ordering and conflict-resolution rules that make
// gossip converge regardless of delivery order.
package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/gossipdb/gossipdb/internal/hlc"
	"github.com/gossipdb/gossipdb/internal/metrics"
	"github.com/gossipdb/gossipdb/internal/resolver"
	"github.com/gossipdb/gossipdb/internal/storage"
)

type groupKey struct {
	collection string
	key        string
}

// Engine applies remote oplog batches to a storage.Store. It holds no
// locks of its own beyond what Store.ApplyBatch guarantees: concurrent
// ApplyBatch calls against the same store must be serialized by the
// caller if the store doesn't serialize them internally.
type Engine struct {
	store    storage.Store
	clock    hlc.Source
	resolver resolver.Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a Merge Engine. resolver is the conflict-resolution
// strategy used whenever both sides of a key disagree and the incoming
// entry is a Put (Delete always wins over an earlier Put, per spec — a
// tombstone never needs to consult a resolver). logger and metrics may be
// nil: a nil logger is replaced by a no-op logger, and with nil metrics
// nothing is recorded.
func New(store storage.Store, clock hlc.Source, r resolver.Resolver, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if r == nil {
		r = resolver.LWW{}
	}
	return &Engine{store: store, clock: clock, resolver: r, logger: logger, metrics: m}
}

// ApplyBatch ingests a batch of remote oplog entries. The batch need not
// be sorted or grouped; ApplyBatch groups by (collection, key), sorts
// each group by HLC ascending, and applies step by step per spec's merge
// algorithm. The whole batch commits in a single call to
// store.ApplyBatch; on any error nothing is applied.
func (e *Engine) ApplyBatch(ctx context.Context, batch []storage.OplogEntry) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.MergeLatency.Observe(time.Since(start).Seconds())
			e.metrics.MergeBatchSize.Observe(float64(len(batch)))
		}
	}()

	groups := make(map[groupKey][]storage.OplogEntry, len(batch))
	for _, entry := range batch {
		gk := groupKey{entry.Collection, entry.Key}
		groups[gk] = append(groups[gk], entry)
	}

	docs := make([]storage.Document, 0, len(groups))
	for gk, entries := range groups {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Less(entries[j].Timestamp) })

		existing, ok, err := e.store.GetDocument(ctx, gk.collection, gk.key)
		if err != nil {
			return fmt.Errorf("merge: load current document for %s/%s: %w", gk.collection, gk.key, err)
		}

		localHlc := hlc.Timestamp{}
		currentBody := []byte(nil)
		deleted := false
		if ok {
			localHlc = existing.UpdatedAt
			currentBody = existing.Body
			deleted = existing.Deleted
		}

		for _, entry := range entries {
			if !entry.Timestamp.After(localHlc) {
				// already superseded locally; oplog append still happens
				// below (idempotently), but document state doesn't change.
				if e.metrics != nil {
					e.metrics.MergeSkippedStale.Inc()
				}
				continue
			}

			switch {
			case entry.Op == storage.OpDelete:
				currentBody = nil
				deleted = true

			case localHlc.IsZero() || deleted:
				// no prior live value to merge against: a plain overwrite.
				currentBody = entry.Body
				deleted = false

			default:
				if e.metrics != nil {
					e.metrics.MergeConflicts.Inc()
				}
				merged, mergedHlc, err := e.resolver.Resolve(currentBody, entry.Body, localHlc, entry.Timestamp)
				if err != nil {
					if e.metrics != nil {
						e.metrics.MergeResolverFallback.Inc()
					}
					e.logger.Warn("resolver failed, falling back to last-write-wins",
						zap.String("collection", gk.collection),
						zap.String("key", gk.key),
						zap.Error(err))
					merged, mergedHlc, _ = resolver.LWW{}.Resolve(currentBody, entry.Body, localHlc, entry.Timestamp)
				}
				currentBody = merged
				entry.Timestamp = mergedHlc
				deleted = false
			}

			localHlc = entry.Timestamp
			if e.metrics != nil {
				e.metrics.MergeApplied.Inc()
			}
		}

		docs = append(docs, storage.Document{
			Collection: gk.collection,
			Key:        gk.key,
			Body:       currentBody,
			UpdatedAt:  localHlc,
			Deleted:    deleted,
		})
	}

	if err := e.store.ApplyBatch(ctx, docs, batch); err != nil {
		return fmt.Errorf("merge: commit batch: %w", err)
	}

	for _, entry := range batch {
		e.clock.Observe(entry.Timestamp)
	}

	return nil
}
