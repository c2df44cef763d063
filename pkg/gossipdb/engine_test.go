package gossipdb

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gossipdb/gossipdb/internal/config"
)

// sanitizeMetricsName makes a test node ID safe to embed in a Prometheus
// metric namespace, which forbids hyphens.
func sanitizeMetricsName(nodeID string) string {
	return strings.ReplaceAll(nodeID, "-", "_")
}

func newTestConfig(nodeID string) *config.Config {
	return &config.Config{
		NodeID:                    nodeID,
		ListenAddr:                "127.0.0.1:0",
		ClusterSecret:             "test-secret",
		SecureMode:                false,
		CompressionEnabled:        true,
		SyncRequestTimeout:        2 * time.Second,
		DiscoveryBroadcastAddr:    "127.0.0.1",
		DiscoveryListenAddr:       "0.0.0.0",
		DiscoveryLoopbackOverride: true,
		GossipInterval:            50 * time.Millisecond,
		GossipFanout:              3,
		ResolverMode:              "lww",
		MetricsNamespace:          "gossipdb_test_" + sanitizeMetricsName(nodeID),
		MetricsAddr:               ":0",
	}
}

func TestOpen_PutGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()

	e, err := Open(newTestConfig("solo"), nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := e.Put(ctx, "widgets", "w1", []byte(`{"color":"red"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	doc, ok, err := e.Get(ctx, "widgets", "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected document to exist")
	}
	if string(doc.Body) != `{"color":"red"}` {
		t.Errorf("unexpected body: %s", doc.Body)
	}

	if _, err := e.Delete(ctx, "widgets", "w1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = e.Get(ctx, "widgets", "w1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if ok {
		t.Error("expected document to read as absent after delete")
	}
}

func TestOpen_TwoEnginesConverge(t *testing.T) {
	ctx := context.Background()

	a, err := Open(newTestConfig("engine-a"), nil, nil)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()

	b, err := Open(newTestConfig("engine-b"), nil, nil)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	if _, err := a.Put(ctx, "docs", "shared", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put on a: %v", err)
	}

	a.Seed("engine-b", b.Addr())
	b.Seed("engine-a", a.Addr())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if doc, ok, _ := b.Get(ctx, "docs", "shared"); ok {
			if string(doc.Body) != `{"v":1}` {
				t.Fatalf("unexpected converged body: %s", doc.Body)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("engine-b never converged to engine-a's write within the deadline")
}

func TestOpen_RejectsNilConfig(t *testing.T) {
	if _, err := Open(nil, nil, nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	e, err := Open(newTestConfig("idempotent"), nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
