package peer

import (
	"context"
	"testing"
	"time"
)

func TestDirectory_UpsertAndSnapshot(t *testing.T) {
	d := New("local", nil, nil)
	d.Upsert("A", "10.0.0.1:9000")
	d.Upsert("B", "10.0.0.2:9000")

	snap := d.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(snap))
	}
}

func TestDirectory_SelfExcluded(t *testing.T) {
	d := New("local", nil, nil)
	d.Upsert("local", "10.0.0.1:9000")

	if d.Len() != 0 {
		t.Errorf("expected self to be excluded, got %d peers", d.Len())
	}
}

func TestDirectory_UpsertRefreshesExisting(t *testing.T) {
	d := New("local", nil, nil)
	d.Upsert("A", "10.0.0.1:9000")
	d.Upsert("A", "10.0.0.1:9001")

	snap := d.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 peer after refresh, got %d", len(snap))
	}
	if snap[0].Addr != "10.0.0.1:9001" {
		t.Errorf("expected address to be refreshed, got %s", snap[0].Addr)
	}
}

func TestDirectory_SweepEvictsStale(t *testing.T) {
	d := New("local", nil, nil)
	fakeNow := time.Unix(1000, 0)
	d.nowFn = func() time.Time { return fakeNow }

	d.Upsert("A", "10.0.0.1:9000")
	if d.Len() != 1 {
		t.Fatalf("expected 1 peer before sweep")
	}

	fakeNow = fakeNow.Add(EvictAfter + time.Second)
	d.sweep()

	if d.Len() != 0 {
		t.Errorf("expected stale peer to be evicted, got %d peers", d.Len())
	}
}

func TestDirectory_SweepKeepsFresh(t *testing.T) {
	d := New("local", nil, nil)
	fakeNow := time.Unix(1000, 0)
	d.nowFn = func() time.Time { return fakeNow }

	d.Upsert("A", "10.0.0.1:9000")

	fakeNow = fakeNow.Add(5 * time.Second)
	d.sweep()

	if d.Len() != 1 {
		t.Errorf("expected fresh peer to survive sweep, got %d peers", d.Len())
	}
}

func TestDirectory_Run_StopsOnCancel(t *testing.T) {
	d := New("local", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}
