// Package store defines the State Store abstraction: a key/value
// interface with atomic compare-and-swap, windowed counter increment,
// and set/list operations, backing dedup keys, throttle counters, quota
// counters, group buffers, approval tokens, chain state, and recurring
// action claims. Every backend must uphold single-key linearizable
// semantics and must never silently swallow a partial failure.
package store

import (
	"context"
	"time"
)

// Key prefixes reserved per spec's persisted layout.
const (
	PrefixDedup           = "dedup/"
	PrefixThrottle        = "throttle/"
	PrefixQuota           = "quota/"
	PrefixGroup           = "group/"
	PrefixApproval        = "approval/"
	PrefixChain           = "chain/"
	PrefixEvent           = "event/"
	PrefixRecurringClaim  = "recurring_claim/"
	PrefixBreaker         = "breaker/"
	PrefixSchedule        = "schedule/"
	PrefixDLQ             = "dlq/"

	// PrefixWorkerClaim backs the per-tick CAS claim that lets exactly
	// one gateway instance run a given background worker's work for a
	// tick window, distinct from PrefixRecurringClaim's per-(recurring
	// action, fire time) claim.
	PrefixWorkerClaim = "worker_claim/"
)

// Store is the abstract State Store contract every backend implements.
type Store interface {
	// Get reads a key. It returns gwerrors-wrapped ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes a key unconditionally, with an optional TTL (zero means
	// no expiry).
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CAS compares the stored value to expected and, if equal, writes
	// new with the given TTL. expected == nil matches only an absent
	// key (first-writer-wins claims). Returns gwerrors-wrapped
	// ErrConflict on mismatch.
	CAS(ctx context.Context, key string, expected, new []byte, ttl time.Duration) error

	// Incr atomically increments the counter at key within window,
	// returning the new count. The first increment in a window starts
	// the window's expiry; subsequent increments extend nothing.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)

	// List returns up to limit keys with the given prefix, starting
	// after cursor (empty for the first page), and a next cursor if
	// more remain.
	List(ctx context.Context, prefix string, limit int, cursor string) (items []string, nextCursor string, err error)

	// PushTail appends item to the FIFO at key, refreshing ttl if set.
	PushTail(ctx context.Context, key string, item []byte, ttl time.Duration) error

	// Drain atomically removes and returns all items at key, in
	// insertion order.
	Drain(ctx context.Context, key string) ([][]byte, error)
}
