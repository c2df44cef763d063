package syncserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gossipdb/gossipdb/internal/hlc"
	"github.com/gossipdb/gossipdb/internal/memstore"
	"github.com/gossipdb/gossipdb/internal/merge"
	"github.com/gossipdb/gossipdb/internal/resolver"
	"github.com/gossipdb/gossipdb/internal/storage"
	"github.com/gossipdb/gossipdb/internal/transport"
)

func startTestServer(t *testing.T, store storage.Store, clock hlc.Source) (addr string, stop func()) {
	t.Helper()
	return startTestServerMode(t, store, clock, false)
}

func startTestServerMode(t *testing.T, store storage.Store, clock hlc.Source, secureMode bool) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	merger := merge.New(store, clock, resolver.LWW{}, nil, nil)
	srv := New("server-node", "cluster-secret", secureMode, true, store, clock, merger, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)

	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
	}
}

func TestServer_GetClock(t *testing.T) {
	store := memstore.New()
	store.ApplyLocal(context.Background(), storage.OplogEntry{
		Collection: "c", Key: "k", Op: storage.OpPut, Body: []byte(`{}`),
		Timestamp: hlc.Timestamp{Wall: 500, Node: "server-node"},
	})
	clock := hlc.NewFake("server-node", 500)

	addr, stop := startTestServer(t, store, clock)
	defer stop()

	sess, err := transport.Dial(addr, "client-node", "cluster-secret", SupportedCompression, false)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	payload, _ := transport.EncodeRecord(transport.GetClockReq{})
	if err := sess.Send(transport.TypeGetClockReq, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgType, respPayload, err := sess.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msgType != transport.TypeClockRes {
		t.Fatalf("expected ClockRes, got %v", msgType)
	}

	var res transport.ClockRes
	if err := transport.DecodeRecord(respPayload, &res); err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if res.HlcWall < 500 {
		t.Errorf("expected clock wall >= 500, got %d", res.HlcWall)
	}
}

func TestServer_PullChanges(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	store.ApplyLocal(ctx, storage.OplogEntry{Collection: "c", Key: "a", Op: storage.OpPut, Body: []byte(`{"v":1}`), Timestamp: hlc.Timestamp{Wall: 100, Node: "server-node"}})
	store.ApplyLocal(ctx, storage.OplogEntry{Collection: "c", Key: "b", Op: storage.OpPut, Body: []byte(`{"v":2}`), Timestamp: hlc.Timestamp{Wall: 200, Node: "server-node"}})

	clock := hlc.NewFake("server-node", 200)
	addr, stop := startTestServer(t, store, clock)
	defer stop()

	sess, err := transport.Dial(addr, "client-node", "cluster-secret", SupportedCompression, false)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	req := transport.PullChangesReq{SinceWall: 0}
	payload, _ := transport.EncodeRecord(req)
	if err := sess.Send(transport.TypePullChangesReq, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgType, respPayload, err := sess.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msgType != transport.TypeChangeSetRes {
		t.Fatalf("expected ChangeSetRes, got %v", msgType)
	}

	var res transport.ChangeSetRes
	if err := transport.DecodeRecord(respPayload, &res); err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(res.Entries))
	}
}

func TestServer_PushChanges(t *testing.T) {
	store := memstore.New()
	clock := hlc.NewFake("server-node", 100)
	addr, stop := startTestServer(t, store, clock)
	defer stop()

	sess, err := transport.Dial(addr, "client-node", "cluster-secret", SupportedCompression, false)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	req := transport.PushChangesReq{Entries: []transport.ProtoOplogEntry{
		{Collection: "c", Key: "new-key", Operation: "Put", JSONData: []byte(`{"v":9}`), HlcWall: 999, HlcNode: "client-node"},
	}}
	payload, _ := transport.EncodeRecord(req)
	if err := sess.Send(transport.TypePushChangesReq, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgType, respPayload, err := sess.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msgType != transport.TypeAckRes {
		t.Fatalf("expected AckRes, got %v", msgType)
	}

	var res transport.AckRes
	if err := transport.DecodeRecord(respPayload, &res); err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected push to succeed")
	}

	doc, ok, _ := store.GetDocument(context.Background(), "c", "new-key")
	if !ok {
		t.Fatalf("expected pushed document to be applied to store")
	}
	if string(doc.Body) != `{"v":9}` {
		t.Errorf("unexpected document body: %s", doc.Body)
	}
}

func TestServer_HandshakeRejectsWrongToken(t *testing.T) {
	store := memstore.New()
	clock := hlc.NewFake("server-node", 100)
	addr, stop := startTestServer(t, store, clock)
	defer stop()

	_, err := transport.Dial(addr, "client-node", "wrong-token", SupportedCompression, false)
	if err == nil {
		t.Fatal("expected handshake to fail with wrong token")
	}
}

func TestServer_SecureModeRejectsPlaintextDial(t *testing.T) {
	store := memstore.New()
	clock := hlc.NewFake("server-node", 100)
	addr, stop := startTestServerMode(t, store, clock, true)
	defer stop()

	if _, err := transport.Dial(addr, "client-node", "cluster-secret", SupportedCompression, false); err == nil {
		t.Fatal("expected a plaintext dial against a secure-mode server to be rejected")
	}
}

func TestServer_PlaintextModeRejectsSecureDial(t *testing.T) {
	store := memstore.New()
	clock := hlc.NewFake("server-node", 100)
	addr, stop := startTestServerMode(t, store, clock, false)
	defer stop()

	if _, err := transport.Dial(addr, "client-node", "cluster-secret", SupportedCompression, true); err == nil {
		t.Fatal("expected a secure dial against a plaintext-mode server to be rejected")
	}
}

func TestServer_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	store := memstore.New()
	clock := hlc.NewFake("server-node", 100)
	merger := merge.New(store, clock, resolver.LWW{}, nil, nil)
	srv := New("server-node", "secret", false, true, store, clock, merger, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Serve to return after cancellation")
	}
}
