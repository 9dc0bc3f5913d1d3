package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torii-ai/torii/internal/model"
)

// MemoryStore is the in-process cache backend. Both tiers share one mutex;
// the per-key read-modify-write in Get happens entirely under it, which is
// what makes concurrent hit accounting exact.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[model.CacheKind]map[model.Fingerprint]*model.CacheEntry

	now func() time.Time // injectable for expiry tests

	hits   atomic.Int64
	misses atomic.Int64
	swept  atomic.Int64
}

// NewMemoryStore creates an empty in-memory cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[model.CacheKind]map[model.Fingerprint]*model.CacheEntry{
			model.CacheCall: {},
			model.CacheTask: {},
		},
		now: time.Now,
	}
}

// SetClock overrides the time source. Test hook; not safe to call after
// the store is shared between goroutines.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

// Get returns the live entry for key, atomically bumping its hit count and
// refreshing last_accessed. Returns ErrMiss when the key is absent or the
// entry has outlived last_accessed + ttl.
func (s *MemoryStore) Get(_ context.Context, kind model.CacheKind, key model.Fingerprint) (model.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[kind][key]
	now := s.now()
	if !ok || !e.Live(now) {
		s.misses.Add(1)
		return model.CacheEntry{}, ErrMiss
	}

	e.HitCount++
	e.LastAccessed = now
	s.hits.Add(1)
	return *e, nil
}

// Put stores payload under key with the given TTL, replacing any existing
// entry (live or dead) and resetting its hit count.
func (s *MemoryStore) Put(_ context.Context, kind model.CacheKind, key model.Fingerprint, payload string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[kind][key] = &model.CacheEntry{
		Key:          key,
		Kind:         kind,
		Payload:      payload,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
	}
	return nil
}

// Sweep physically removes dead entries from both tiers.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, tier := range s.entries {
		for k, e := range tier {
			if !e.Live(now) {
				delete(tier, k)
				removed++
			}
		}
	}
	s.swept.Add(int64(removed))
	return removed, nil
}

// Stats returns a snapshot of hit/miss/entry accounting.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	entries := int64(len(s.entries[model.CacheCall]) + len(s.entries[model.CacheTask]))
	s.mu.Unlock()
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: entries,
		Swept:   s.swept.Load(),
	}
}

// SweepLoop runs Sweep every interval until ctx is cancelled. Correctness
// never depends on it; it only reclaims memory from dead entries.
func (s *MemoryStore) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
