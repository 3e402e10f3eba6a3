// Package coord provides the distributed-coordination fast path shared by
// per-token decision claims and single-use OTP marking (C5 decision
// engine), usage-threshold-alert coalescing (tenant store), and
// at-most-once dead-letter alerts (C6 outbox). It generalizes the teacher's
// Redis-backed nonce/session coordination (internal/billing/signer.go's
// SET-NX-then-INCR, internal/billing/session.go's per-sandbox keys) from a
// single voucher-nonce concern into a small reusable primitive.
//
// The filesystem (internal/store) remains the source of truth for every
// durable record per spec.md §6's persisted layout; Coordinator exists only
// to make concurrent, cross-process claims and counters safe before those
// records are written.
package coord

import (
	"context"
	"time"
)

// Coordinator is the distributed-coordination interface. Both the Redis
// implementation and the in-process fallback satisfy it identically so
// callers never need to know which backend is active.
type Coordinator interface {
	// Claim atomically marks key as claimed for ttl. It returns true the
	// first time it is called for a given key within the ttl window
	// (a fresh claim), and false on every subsequent call until the claim
	// expires (someone else already holds it). Used for per-token decision
	// claims, OTP single-use enforcement, and usage-threshold and
	// dead-letter alert coalescing.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key (creating it with ttl
	// if absent) and returns the post-increment value. Only this package's
	// tests call it; internal/ratelimit keeps its windows on the filesystem.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Release clears a claim early, letting a later caller re-claim the
	// same key immediately. Used by the decision engine to release a
	// token's decision claim when Decide returns before persisting a report.
	Release(ctx context.Context, key string) error
}
