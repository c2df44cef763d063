// Package memstore is the in-memory reference implementation of
// storage.Store: a latest-document map plus an append-only oplog slice,
// both guarded by a single mutex so ApplyLocal/ApplyBatch stay atomic.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/gossipdb/gossipdb/internal/hlc"
	"github.com/gossipdb/gossipdb/internal/query"
	"github.com/gossipdb/gossipdb/internal/storage"
)

type docKey struct {
	collection string
	key        string
}

// Store is a thread-safe, memory-only storage.Store. Nothing is persisted;
// restarting a process loses all documents and oplog history.
type Store struct {
	mu sync.RWMutex

	docs  map[docKey]storage.Document
	oplog []storage.OplogEntry

	// seen indexes oplog entries by (node, wall, logical) for idempotent
	// re-apply of the same remote op (spec.md §4.2).
	seen map[hlc.Timestamp]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		docs: make(map[docKey]storage.Document),
		seen: make(map[hlc.Timestamp]struct{}),
	}
}

func (s *Store) GetDocument(ctx context.Context, collection, key string) (storage.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[docKey{collection, key}]
	return doc, ok, nil
}

func (s *Store) ApplyLocal(ctx context.Context, entry storage.OplogEntry) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.applyEntryLocked(entry)
	s.appendLocked(entry)
	return doc, nil
}

func (s *Store) ApplyBatch(ctx context.Context, docs []storage.Document, entries []storage.OplogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		s.docs[docKey{doc.Collection, doc.Key}] = doc
	}
	for _, entry := range entries {
		s.appendLocked(entry)
	}
	return nil
}

// applyEntryLocked upserts the document state for entry and returns the
// resulting Document. Callers must hold s.mu.
func (s *Store) applyEntryLocked(entry storage.OplogEntry) storage.Document {
	doc := storage.Document{
		Collection: entry.Collection,
		Key:        entry.Key,
		Body:       entry.Body,
		UpdatedAt:  entry.Timestamp,
		Deleted:    entry.Op == storage.OpDelete,
	}
	s.docs[docKey{entry.Collection, entry.Key}] = doc
	return doc
}

// appendLocked appends entry to the oplog, maintaining (Wall, Logical)
// order, and records it in the seen index. Callers must hold s.mu.
func (s *Store) appendLocked(entry storage.OplogEntry) {
	if _, ok := s.seen[entry.Timestamp]; ok {
		return
	}
	s.seen[entry.Timestamp] = struct{}{}

	idx := sort.Search(len(s.oplog), func(i int) bool {
		return entry.Timestamp.Less(s.oplog[i].Timestamp)
	})
	s.oplog = append(s.oplog, storage.OplogEntry{})
	copy(s.oplog[idx+1:], s.oplog[idx:])
	s.oplog[idx] = entry
}

func (s *Store) GetOplogAfter(ctx context.Context, since hlc.Timestamp) ([]storage.OplogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// oplog is already maintained in (Wall, Logical) order by append, so a
	// linear scan from the back would work too; a full scan keeps this
	// correct even if that invariant ever slips.
	out := make([]storage.OplogEntry, 0)
	for _, e := range s.oplog {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) GetLatestTimestamp(ctx context.Context) (hlc.Timestamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.oplog) == 0 {
		return hlc.Timestamp{}, nil
	}
	return s.oplog[len(s.oplog)-1].Timestamp, nil
}

func (s *Store) HasOplogEntry(ctx context.Context, ts hlc.Timestamp) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.seen[ts]
	return ok, nil
}

func (s *Store) QueryDocuments(ctx context.Context, collection string, predicate query.Predicate, skip, take int, orderBy string, asc bool) ([]storage.Document, error) {
	s.mu.RLock()
	matched := make([]storage.Document, 0)
	for k, doc := range s.docs {
		if k.collection != collection || doc.Deleted {
			continue
		}
		if query.Match(predicate, doc.Body) {
			matched = append(matched, doc)
		}
	}
	s.mu.RUnlock()

	sortDocuments(matched, orderBy, asc)

	if skip > 0 {
		if skip >= len(matched) {
			return []storage.Document{}, nil
		}
		matched = matched[skip:]
	}
	if take > 0 && take < len(matched) {
		matched = matched[:take]
	}
	return matched, nil
}

func sortDocuments(docs []storage.Document, orderBy string, asc bool) {
	sort.Slice(docs, func(i, j int) bool {
		var less bool
		if orderBy == "" || strings.EqualFold(orderBy, "key") {
			less = docs[i].Key < docs[j].Key
		} else {
			less = compareFieldValues(docs[i].Body, docs[j].Body, orderBy)
		}
		if !asc {
			return !less
		}
		return less
	})
}

// compareFieldValues reports whether a's value at path sorts before b's.
// Missing or non-comparable fields sort last.
func compareFieldValues(a, b []byte, path string) bool {
	av, aok := fieldValue(a, path)
	bv, bok := fieldValue(b, path)
	if !aok {
		return false
	}
	if !bok {
		return true
	}

	switch av := av.(type) {
	case float64:
		if bv, ok := bv.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := bv.(string); ok {
			return av < bv
		}
	}
	return false
}

func fieldValue(body []byte, path string) (any, bool) {
	var decoded map[string]any
	if len(body) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false
	}
	cur := any(decoded)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

var _ storage.Store = (*Store)(nil)
