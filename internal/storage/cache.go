package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/torii-ai/torii/internal/cache"
	"github.com/torii-ai/torii/internal/model"
)

// tableFor maps a cache kind onto its table. Fixed map, never derived
// from input, so kind can safely reach SQL text.
var tableFor = map[model.CacheKind]string{
	model.CacheCall: "call_cache",
	model.CacheTask: "task_cache",
}

// CacheStore is the pgx-backed cache.Store. Hit accounting and the
// liveness check run as a single UPDATE, so concurrent hits on one key
// never under-count and an expired row is never returned.
type CacheStore struct {
	db *DB

	hits   atomic.Int64
	misses atomic.Int64
	swept  atomic.Int64
}

// NewCacheStore creates a cache store over db.
func NewCacheStore(db *DB) *CacheStore {
	return &CacheStore{db: db}
}

var _ cache.Store = (*CacheStore)(nil)

// Get returns the live entry for key, atomically bumping its hit count
// and refreshing last_accessed. A dead or absent row is a cache.ErrMiss.
func (s *CacheStore) Get(ctx context.Context, kind model.CacheKind, key model.Fingerprint) (model.CacheEntry, error) {
	table, ok := tableFor[kind]
	if !ok {
		return model.CacheEntry{}, fmt.Errorf("storage: unknown cache kind %q", kind)
	}

	var e model.CacheEntry
	var ttlSeconds int64
	err := s.db.pool.QueryRow(ctx,
		`UPDATE `+table+`
		 SET hit_count = hit_count + 1, last_accessed = now()
		 WHERE key = $1 AND now() < last_accessed + make_interval(secs => ttl_seconds)
		 RETURNING key, payload, created_at, last_accessed, ttl_seconds, hit_count`,
		string(key),
	).Scan(&e.Key, &e.Payload, &e.CreatedAt, &e.LastAccessed, &ttlSeconds, &e.HitCount)
	if errors.Is(err, pgx.ErrNoRows) {
		s.misses.Add(1)
		return model.CacheEntry{}, cache.ErrMiss
	}
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("storage: cache get: %w", err)
	}

	s.hits.Add(1)
	e.Kind = kind
	e.TTL = time.Duration(ttlSeconds) * time.Second
	return e, nil
}

// Put stores payload under key, replacing any previous entry (live or
// dead) and resetting its accounting.
func (s *CacheStore) Put(ctx context.Context, kind model.CacheKind, key model.Fingerprint, payload string, ttl time.Duration) error {
	table, ok := tableFor[kind]
	if !ok {
		return fmt.Errorf("storage: unknown cache kind %q", kind)
	}

	_, err := s.db.pool.Exec(ctx,
		`INSERT INTO `+table+` (key, payload, created_at, last_accessed, ttl_seconds, hit_count)
		 VALUES ($1, $2, now(), now(), $3, 0)
		 ON CONFLICT (key) DO UPDATE
		 SET payload = EXCLUDED.payload, created_at = now(), last_accessed = now(),
		     ttl_seconds = EXCLUDED.ttl_seconds, hit_count = 0`,
		string(key), payload, int64(ttl/time.Second),
	)
	if err != nil {
		return fmt.Errorf("storage: cache put: %w", err)
	}
	return nil
}

// Sweep physically removes dead rows from both tiers. Correctness never
// depends on it: Get already treats dead rows as absent.
func (s *CacheStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for _, table := range []string{"call_cache", "task_cache"} {
		tag, err := s.db.pool.Exec(ctx,
			`DELETE FROM `+table+` WHERE now() >= last_accessed + make_interval(secs => ttl_seconds)`)
		if err != nil {
			return removed, fmt.Errorf("storage: cache sweep %s: %w", table, err)
		}
		removed += int(tag.RowsAffected())
	}
	s.swept.Add(int64(removed))
	return removed, nil
}

// Stats reports process-local counters. Entries is not tracked for the
// Postgres store; row counts belong to database monitoring.
func (s *CacheStore) Stats() cache.Stats {
	return cache.Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Swept:  s.swept.Load(),
	}
}
