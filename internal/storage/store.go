// Package storage defines the abstract document/oplog contract the
// replication core requires of a backing store, and the shared entity
// types every store implementation (and the merge engine) speaks.
//
// The concrete storage engine is out of scope for this repo (spec.md §1);
// internal/memstore ships one in-memory reference implementation.
//
// Oplog retention: the store is expected to retain oplog entries
// indefinitely in this design (no Compact method exists on Store). A real
// deployment needs compaction; two candidate designs are (a) periodic
// snapshot of the latest-document map plus prefix truncation of the oplog,
// or (b) Merkle-ranged incremental sync that avoids needing a contiguous
// oplog at all. This is an open design decision, deliberately left
// unimplemented rather than guessed at.
package storage

import (
	"context"

	"github.com/gossipdb/gossipdb/internal/hlc"
	"github.com/gossipdb/gossipdb/internal/query"
)

// Op identifies the kind of mutation an OplogEntry records.
type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "Delete"
	}
	return "Put"
}

// Document is the latest known state for a (Collection, Key) pair.
// Tombstones (Deleted == true) are retained permanently; Body is nil for
// a tombstone.
type Document struct {
	Collection string
	Key        string
	Body       []byte // opaque JSON text; nil when Deleted
	UpdatedAt  hlc.Timestamp
	Deleted    bool
}

// OplogEntry is a single accepted mutation. Entries are never mutated or
// removed once appended.
type OplogEntry struct {
	Collection string
	Key        string
	Op         Op
	Body       []byte // nil for Delete
	Timestamp  hlc.Timestamp
}

// Store is the contract the replication core requires of its backing
// storage. Implementations must guarantee that the document upsert and the
// oplog append for a single merged entry are atomic (spec.md I5) — there
// is deliberately no separate "upsert" and "append" pair on this
// interface, only ApplyLocal and ApplyBatch, each a single transactional
// call.
type Store interface {
	// GetDocument returns the latest document for (collection, key), or
	// ok == false if the key has never been written.
	GetDocument(ctx context.Context, collection, key string) (doc Document, ok bool, err error)

	// ApplyLocal performs one locally-originated mutation: document
	// upsert and oplog append in a single atomic transaction. It is the
	// only entrypoint for local writes.
	ApplyLocal(ctx context.Context, entry OplogEntry) (Document, error)

	// ApplyBatch ingests a remote oplog batch under the merge algorithm
	// in spec.md §4.4, atomically. It is invoked only by
	// internal/merge.Engine, which has already grouped, sorted, and
	// resolved the batch; ApplyBatch's job is the transactional
	// document+oplog write.
	ApplyBatch(ctx context.Context, docs []Document, entries []OplogEntry) error

	// GetOplogAfter streams entries with Timestamp > since, ordered by
	// (Wall, Logical) ascending.
	GetOplogAfter(ctx context.Context, since hlc.Timestamp) ([]OplogEntry, error)

	// GetLatestTimestamp returns the latest oplog entry's timestamp, or
	// the zero Timestamp if the oplog is empty.
	GetLatestTimestamp(ctx context.Context) (hlc.Timestamp, error)

	// HasOplogEntry reports whether an entry with this exact (node, wall,
	// logical) already exists, so appends can stay idempotent under
	// re-pushes (spec.md §4.2).
	HasOplogEntry(ctx context.Context, ts hlc.Timestamp) (bool, error)

	// QueryDocuments streams documents from collection matching the
	// predicate, honoring skip/take/orderBy as implemented by the store.
	// predicate == nil matches everything.
	QueryDocuments(ctx context.Context, collection string, predicate query.Predicate, skip, take int, orderBy string, asc bool) ([]Document, error)
}
