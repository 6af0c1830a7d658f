package realtime

import (
	"sync"
	"time"

	"github.com/desco-devs/fleetsync/internal/metrics"
)

// Store is the keyed cache the reconciler writes through. Implementations
// must tolerate writes for keys they have never seen. Invalidate marks a key
// stale so the owner refetches it; CancelRefetch drops any refetch already
// queued for the key so an optimistic write is not immediately overwritten.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Invalidate(key string)
	CancelRefetch(key string)
}

// MemoryStore is the in-process Store used by the service and by tests. The
// invalidate hook, when set, is called outside the lock with the stale key.
type MemoryStore struct {
	mu           sync.RWMutex
	values       map[string]any
	stale        map[string]bool
	onInvalidate func(key string)
}

// NewMemoryStore creates an empty store. hook may be nil.
func NewMemoryStore(hook func(key string)) *MemoryStore {
	return &MemoryStore{
		values:       make(map[string]any),
		stale:        make(map[string]bool),
		onInvalidate: hook,
	}
}

func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStore) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	delete(s.stale, key)
	s.mu.Unlock()
}

func (s *MemoryStore) Invalidate(key string) {
	s.mu.Lock()
	s.stale[key] = true
	hook := s.onInvalidate
	s.mu.Unlock()
	if hook != nil {
		hook(key)
	}
}

func (s *MemoryStore) CancelRefetch(key string) {
	s.mu.Lock()
	delete(s.stale, key)
	s.mu.Unlock()
}

// IsStale reports whether the key is marked for refetch.
func (s *MemoryStore) IsStale(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale[key]
}

const defaultOptimisticMaxAge = 30 * time.Second

type pendingUpdate struct {
	key  string
	data any
	at   time.Time
}

// Reconciler tracks in-flight optimistic writes against a keyed cache and
// settles them against server-confirmed data.
//
// Per cache key the most recent update id owns the key's write slot. A
// confirm or rollback arriving for an older update clears its tracking entry
// but leaves the cache alone, so a slow first mutation can never clobber the
// optimistic state of a newer one. Conflict resolution is last writer wins:
// server data fully replaces the cache value and discards everything pending
// for that key, with no field-level merge.
type Reconciler struct {
	mu      sync.Mutex
	clock   Clock
	store   Store
	metrics *metrics.Metrics // optional
	maxAge  time.Duration

	pending map[string]pendingUpdate // update id -> entry
	owner   map[string]string        // cache key -> owning update id
}

// NewReconciler wires a reconciler to a store. maxAge bounds how long an
// unconfirmed entry may linger before the sweep discards it; zero or less
// uses the default of 30s.
func NewReconciler(clock Clock, store Store, maxAge time.Duration, m *metrics.Metrics) *Reconciler {
	if maxAge <= 0 {
		maxAge = defaultOptimisticMaxAge
	}
	return &Reconciler{
		clock:   clock,
		store:   store,
		metrics: m,
		maxAge:  maxAge,
		pending: make(map[string]pendingUpdate),
		owner:   make(map[string]string),
	}
}

// PerformOptimisticUpdate writes data into the cache immediately and records
// the update as pending. It returns the prior cached value so the caller can
// roll back, and whether one existed.
func (r *Reconciler) PerformOptimisticUpdate(key, updateID string, data any) (snapshot any, hadSnapshot bool) {
	r.store.CancelRefetch(key)
	snapshot, hadSnapshot = r.store.Get(key)

	r.mu.Lock()
	r.pending[updateID] = pendingUpdate{key: key, data: data, at: r.clock.Now()}
	r.owner[key] = updateID
	r.mu.Unlock()

	r.store.Set(key, data)
	r.count("performed")
	return snapshot, hadSnapshot
}

// ConfirmOptimisticUpdate settles a pending update with the authoritative
// server value. If a newer update has since taken the key's slot, only the
// tracking entry is removed. Every confirm also sweeps entries older than the
// max age, so abandoned updates cannot accumulate.
func (r *Reconciler) ConfirmOptimisticUpdate(updateID string, serverData any) {
	r.mu.Lock()
	entry, tracked := r.pending[updateID]
	owns := tracked && r.owner[entry.key] == updateID
	if tracked {
		delete(r.pending, updateID)
		if owns {
			delete(r.owner, entry.key)
		}
	}
	r.sweepLocked()
	r.mu.Unlock()

	if tracked && owns {
		r.store.Set(entry.key, serverData)
		r.count("confirmed")
	}
}

// RollbackOptimisticUpdate undoes a failed update. With a snapshot the cache
// is restored to it; without one the key is invalidated so the owner
// refetches, since there is nothing safe to restore. A rollback that lost
// the key's slot to a newer update removes only its tracking entry.
func (r *Reconciler) RollbackOptimisticUpdate(updateID string, snapshot any, hadSnapshot bool) {
	r.mu.Lock()
	entry, tracked := r.pending[updateID]
	owns := tracked && r.owner[entry.key] == updateID
	if tracked {
		delete(r.pending, updateID)
		if owns {
			delete(r.owner, entry.key)
		}
	}
	r.mu.Unlock()

	if !tracked || !owns {
		return
	}
	if hadSnapshot {
		r.store.Set(entry.key, snapshot)
	} else {
		r.store.Invalidate(entry.key)
	}
	r.count("rolled_back")
}

// ResolveConflicts applies a server change event to a key that may have
// pending optimistic writes. Server data wins: the cache value is replaced
// and every pending entry for the key is discarded.
func (r *Reconciler) ResolveConflicts(key string, serverData any) {
	r.mu.Lock()
	for id, entry := range r.pending {
		if entry.key == key {
			delete(r.pending, id)
			r.count("discarded")
		}
	}
	delete(r.owner, key)
	r.mu.Unlock()

	r.store.Set(key, serverData)
}

// Pending reports whether the update id is still tracked.
func (r *Reconciler) Pending(updateID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[updateID]
	return ok
}

// PendingForKey reports how many optimistic updates are in flight for a key.
func (r *Reconciler) PendingForKey(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entry := range r.pending {
		if entry.key == key {
			n++
		}
	}
	return n
}

// PendingCount reports the total number of tracked updates.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) sweepLocked() {
	cutoff := r.clock.Now().Add(-r.maxAge)
	for id, entry := range r.pending {
		if entry.at.Before(cutoff) {
			delete(r.pending, id)
			if r.owner[entry.key] == id {
				delete(r.owner, entry.key)
			}
			r.count("discarded")
		}
	}
}

func (r *Reconciler) count(outcome string) {
	if r.metrics != nil {
		r.metrics.OptimisticUpdates.WithLabelValues(outcome).Inc()
	}
}
