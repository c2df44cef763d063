// Package test holds end-to-end scenarios driving two or more in-process
// gossipdb engines over real loopback TCP connections, analogous to the
// teacher's own root-level test/integration_test.go.
package test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gossipdb/gossipdb/internal/config"
	"github.com/gossipdb/gossipdb/pkg/gossipdb"
)

func newEngine(t *testing.T, nodeID, resolverMode string) *gossipdb.Engine {
	t.Helper()
	cfg := &config.Config{
		NodeID:                    nodeID,
		ListenAddr:                "127.0.0.1:0",
		ClusterSecret:             "integration-secret",
		CompressionEnabled:        true,
		DiscoveryBroadcastAddr:    "127.0.0.1",
		DiscoveryListenAddr:       "0.0.0.0",
		DiscoveryLoopbackOverride: true,
		GossipInterval:            100 * time.Millisecond,
		GossipFanout:              3,
		ResolverMode:              resolverMode,
		MetricsNamespace:          fmt.Sprintf("gossipdb_it_%s", strings.ReplaceAll(nodeID, "-", "_")),
		MetricsAddr:               ":0",
	}
	e, err := gossipdb.Open(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Open(%s): %v", nodeID, err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func pairUp(a, b *gossipdb.Engine, nodeA, nodeB string) {
	a.Seed(nodeB, b.Addr())
	b.Seed(nodeA, a.Addr())
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", deadline)
}

// scenario 1: single-writer propagate.
func TestScenario_SingleWriterPropagate(t *testing.T) {
	ctx := context.Background()
	a := newEngine(t, "scn1-a", "lww")
	b := newEngine(t, "scn1-b", "lww")
	pairUp(a, b, "scn1-a", "scn1-b")

	if _, err := a.Put(ctx, "users", "u1", []byte(`{"name":"Alice"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	waitFor(t, 6*time.Second, func() bool {
		doc, ok, err := b.Get(ctx, "users", "u1")
		return err == nil && ok && string(doc.Body) == `{"name":"Alice"}`
	})
}

// scenario 2: concurrent write, LWW tie-broken by node id.
func TestScenario_ConcurrentWriteLWW(t *testing.T) {
	ctx := context.Background()
	a := newEngine(t, "scn2-a", "lww")
	b := newEngine(t, "scn2-b", "lww")

	if _, err := a.Put(ctx, "users", "u1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put on a: %v", err)
	}
	if _, err := b.Put(ctx, "users", "u1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Put on b: %v", err)
	}

	pairUp(a, b, "scn2-a", "scn2-b")

	waitFor(t, 6*time.Second, func() bool {
		docA, okA, errA := a.Get(ctx, "users", "u1")
		docB, okB, errB := b.Get(ctx, "users", "u1")
		return errA == nil && errB == nil && okA && okB &&
			string(docA.Body) == `{"v":2}` && string(docB.Body) == `{"v":2}`
	})
}

// scenario 5: partition and heal.
func TestScenario_PartitionAndHeal(t *testing.T) {
	ctx := context.Background()
	a := newEngine(t, "scn5-a", "lww")
	b := newEngine(t, "scn5-b", "lww")

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("a-key-%d", i)
		if _, err := a.Put(ctx, "partition", key, []byte(`{"side":"a"}`)); err != nil {
			t.Fatalf("Put a: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("b-key-%d", i)
		if _, err := b.Put(ctx, "partition", key, []byte(`{"side":"b"}`)); err != nil {
			t.Fatalf("Put b: %v", err)
		}
	}

	pairUp(a, b, "scn5-a", "scn5-b")

	waitFor(t, 6*time.Second, func() bool {
		for i := 0; i < 10; i++ {
			if _, ok, _ := b.Get(ctx, "partition", fmt.Sprintf("a-key-%d", i)); !ok {
				return false
			}
			if _, ok, _ := a.Get(ctx, "partition", fmt.Sprintf("b-key-%d", i)); !ok {
				return false
			}
		}
		return true
	})
}

// scenario 6: delete dominance over an older concurrent put.
func TestScenario_DeleteDominance(t *testing.T) {
	ctx := context.Background()
	a := newEngine(t, "scn6-a", "lww")
	b := newEngine(t, "scn6-b", "lww")

	if _, err := b.Put(ctx, "items", "k", []byte(`{"v":"stale"}`)); err != nil {
		t.Fatalf("Put on b: %v", err)
	}
	// ensure a's delete carries a strictly later HLC than b's put
	time.Sleep(5 * time.Millisecond)
	if _, err := a.Delete(ctx, "items", "k"); err != nil {
		t.Fatalf("Delete on a: %v", err)
	}

	pairUp(a, b, "scn6-a", "scn6-b")

	waitFor(t, 6*time.Second, func() bool {
		_, okA, _ := a.Get(ctx, "items", "k")
		_, okB, _ := b.Get(ctx, "items", "k")
		return !okA && !okB
	})
}

// scenario: field-merge resolver combines non-overlapping field edits.
func TestScenario_FieldMergeResolver(t *testing.T) {
	ctx := context.Background()
	a := newEngine(t, "scn3-a", "field-merge")
	b := newEngine(t, "scn3-b", "field-merge")

	initial := []byte(`{"name":"Alice","age":25}`)
	if _, err := a.Put(ctx, "users", "u1", initial); err != nil {
		t.Fatalf("Put initial on a: %v", err)
	}
	pairUp(a, b, "scn3-a", "scn3-b")
	waitFor(t, 6*time.Second, func() bool {
		_, ok, _ := b.Get(ctx, "users", "u1")
		return ok
	})

	if _, err := a.Put(ctx, "users", "u1", []byte(`{"name":"Alice","age":26}`)); err != nil {
		t.Fatalf("Put age update on a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := b.Put(ctx, "users", "u1", []byte(`{"name":"Alicia","age":25}`)); err != nil {
		t.Fatalf("Put name update on b: %v", err)
	}

	waitFor(t, 6*time.Second, func() bool {
		docA, okA, _ := a.Get(ctx, "users", "u1")
		docB, okB, _ := b.Get(ctx, "users", "u1")
		return okA && okB && string(docA.Body) == string(docB.Body) &&
			bodyHasFields(docA.Body, `"name":"Alicia"`, `"age":26`)
	})
}

func bodyHasFields(body []byte, substrs ...string) bool {
	s := string(body)
	for _, sub := range substrs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
