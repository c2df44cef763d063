// Package resolver implements the pluggable conflict-resolution strategies
// applied by the merge engine when an incoming op's HLC strictly exceeds
// the stored op's HLC (spec.md §4.3). Resolvers must be pure and
// deterministic: identical inputs must produce identical outputs on every
// node, so gossip converges regardless of delivery order.
package resolver

import (
	"github.com/gossipdb/gossipdb/internal/hlc"
)

// Resolver merges a local and remote body and returns the winning body and
// its timestamp. An error (e.g. malformed JSON) signals the caller to fall
// back to LWW for this key and log a warning, per spec.md §7.
type Resolver interface {
	// Resolve is called only when remoteHlc strictly supersedes localHlc
	// (the merge engine already gates on that per spec.md §4.4 step 3).
	Resolve(localBody, remoteBody []byte, localHlc, remoteHlc hlc.Timestamp) (mergedBody []byte, mergedHlc hlc.Timestamp, err error)
}

// LWW is last-write-wins: the body carried by the higher HLC always wins.
// It is also the implicit gate the merge engine applies before invoking
// any resolver at all (an op is applied only if its HLC strictly exceeds
// the stored op's HLC); as a Resolver it simply always returns the remote
// side, since Resolve is only ever called once that gate has passed.
type LWW struct{}

func (LWW) Resolve(localBody, remoteBody []byte, localHlc, remoteHlc hlc.Timestamp) ([]byte, hlc.Timestamp, error) {
	return remoteBody, remoteHlc, nil
}

var (
	_ Resolver = LWW{}
)
