package model

import "time"

// CacheKind selects one of the two cache tiers.
type CacheKind string

const (
	// CacheCall is the fine-grained tier, keyed by raw prompt + model id.
	CacheCall CacheKind = "call"
	// CacheTask is the coarse tier, keyed by task type + full input context.
	CacheTask CacheKind = "task"
)

// Fingerprint is a deterministic hash of (task type, canonicalized input).
// Semantically identical inputs collide to the same fingerprint regardless
// of key ordering inside the input.
type Fingerprint string

// CacheEntry is one stored result. An entry is logically live only while
// now < LastAccessed + TTL; expiry is computed lazily at read time.
type CacheEntry struct {
	Key          Fingerprint   `json:"key"`
	Kind         CacheKind     `json:"kind"`
	Payload      string        `json:"payload"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	TTL          time.Duration `json:"ttl"`
	HitCount     int64         `json:"hit_count"`
}

// Live reports whether the entry is logically present at the given instant.
func (e CacheEntry) Live(now time.Time) bool {
	return now.Before(e.LastAccessed.Add(e.TTL))
}
