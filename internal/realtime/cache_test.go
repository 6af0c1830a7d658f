package realtime

import (
	"testing"
	"time"
)

func newTestReconciler() (*Reconciler, *MemoryStore, *fakeClock) {
	clock := newFakeClock()
	store := NewMemoryStore(nil)
	return NewReconciler(clock, store, 30*time.Second, nil), store, clock
}

func TestOptimisticConfirm(t *testing.T) {
	r, store, _ := newTestReconciler()

	store.Set("equipment", "initial")
	snap, had := r.PerformOptimisticUpdate("equipment", "u1", "optimistic")
	if !had || snap != "initial" {
		t.Fatalf("snapshot = %v (%v), want initial", snap, had)
	}
	if v, _ := store.Get("equipment"); v != "optimistic" {
		t.Errorf("cache = %v, want optimistic write applied", v)
	}

	r.ConfirmOptimisticUpdate("u1", "server")
	if v, _ := store.Get("equipment"); v != "server" {
		t.Errorf("cache = %v, want server data after confirm", v)
	}
	if r.Pending("u1") {
		t.Error("u1 should no longer be pending")
	}
}

func TestOptimisticRollback(t *testing.T) {
	r, store, _ := newTestReconciler()

	store.Set("equipment", "before")
	snap, had := r.PerformOptimisticUpdate("equipment", "u2", "optimistic")

	r.RollbackOptimisticUpdate("u2", snap, had)
	if v, _ := store.Get("equipment"); v != "before" {
		t.Errorf("cache = %v, want snapshot restored", v)
	}
	if r.Pending("u2") {
		t.Error("u2 should no longer be pending")
	}
}

func TestOptimisticRollbackWithoutSnapshot(t *testing.T) {
	r, store, _ := newTestReconciler()

	snap, had := r.PerformOptimisticUpdate("fresh-key", "u1", "optimistic")
	if had {
		t.Fatal("no snapshot expected for a fresh key")
	}

	r.RollbackOptimisticUpdate("u1", snap, had)
	if !store.IsStale("fresh-key") {
		t.Error("rollback without snapshot should invalidate the key")
	}
}

func TestOptimisticLastWriterWins(t *testing.T) {
	r, store, _ := newTestReconciler()

	store.Set("k", "v0")
	snap1, had1 := r.PerformOptimisticUpdate("k", "old", "v1")
	_, _ = r.PerformOptimisticUpdate("k", "new", "v2")

	// the older update's rollback must not clobber the newer one's state
	r.RollbackOptimisticUpdate("old", snap1, had1)
	if v, _ := store.Get("k"); v != "v2" {
		t.Errorf("cache = %v, want v2 preserved", v)
	}
	if r.Pending("old") {
		t.Error("old update should be untracked after its rollback")
	}

	// a stale confirm is a no-op on the cache too
	store.Set("k", "v0")
	_, _ = r.PerformOptimisticUpdate("k", "a", "va")
	_, _ = r.PerformOptimisticUpdate("k", "b", "vb")
	r.ConfirmOptimisticUpdate("a", "server-a")
	if v, _ := store.Get("k"); v != "vb" {
		t.Errorf("cache = %v, want vb preserved over stale confirm", v)
	}

	// the slot owner's confirm still lands
	r.ConfirmOptimisticUpdate("b", "server-b")
	if v, _ := store.Get("k"); v != "server-b" {
		t.Errorf("cache = %v, want server-b", v)
	}
}

func TestOptimisticResolveConflicts(t *testing.T) {
	r, store, _ := newTestReconciler()

	_, _ = r.PerformOptimisticUpdate("k", "u1", "optimistic1")
	_, _ = r.PerformOptimisticUpdate("k", "u2", "optimistic2")
	if got := r.PendingForKey("k"); got != 2 {
		t.Fatalf("pending for key = %d, want 2", got)
	}

	r.ResolveConflicts("k", "server")
	if v, _ := store.Get("k"); v != "server" {
		t.Errorf("cache = %v, want server data", v)
	}
	if got := r.PendingForKey("k"); got != 0 {
		t.Errorf("pending for key = %d, want 0 after conflict resolution", got)
	}

	// a later confirm for a discarded update is a no-op
	r.ConfirmOptimisticUpdate("u1", "late")
	if v, _ := store.Get("k"); v != "server" {
		t.Errorf("cache = %v, server data should survive late confirm", v)
	}
}

func TestOptimisticSweep(t *testing.T) {
	r, _, clock := newTestReconciler()

	_, _ = r.PerformOptimisticUpdate("a", "abandoned", "x")
	clock.Advance(31 * time.Second)
	_, _ = r.PerformOptimisticUpdate("b", "live", "y")

	// any confirm sweeps entries older than the max age
	r.ConfirmOptimisticUpdate("live", "server")

	if r.Pending("abandoned") {
		t.Error("abandoned update should have been swept")
	}
	if got := r.PendingCount(); got != 0 {
		t.Errorf("pending count = %d, want 0", got)
	}
}
