// Package ratelimit implements the sliding hourly rate-limit buckets from
// spec.md §3/§4.7: one bucket per (tenantId, verb), persisted as a bucket
// file with monotonically-bounded hit timestamps.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/settld/magiclink/internal/store"
)

const window = time.Hour

// Bucket is the persisted sliding-window record for one (tenantId, verb).
type Bucket struct {
	Hits []time.Time `json:"hits"`
}

// Limiter enforces per-verb hourly caps. Writes are serialized per bucket
// key (teacher's per-sandbox single-writer idiom, generalized the same
// way as internal/tenant.Store).
type Limiter struct {
	fs *store.FileStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(fs *store.FileStore) *Limiter {
	return &Limiter{fs: fs, locks: make(map[string]*sync.Mutex)}
}

func bucketKey(tenantID, verb string) string {
	return "ratelimit/" + tenantID + "/" + verb + ".json"
}

func (l *Limiter) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Result reports the outcome of an Allow call.
type Result struct {
	Allowed          bool
	RetryAfterSeconds int
}

// Allow records one hit for (tenantID, verb) against limit hits per rolling
// hour and reports whether it was allowed. When the limit is exceeded,
// RetryAfterSeconds is `ceil(secondsUntilNextSlotOpens)` — the time until
// the bucket's oldest hit ages out of the window (spec.md §9's pinned
// Open-Question formula).
func (l *Limiter) Allow(tenantID, verb string, limit int, now time.Time) (Result, error) {
	key := bucketKey(tenantID, verb)
	lock := l.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	b, err := l.load(key)
	if err != nil {
		return Result{}, err
	}

	cutoff := now.Add(-window)
	kept := b.Hits[:0]
	for _, h := range b.Hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	b.Hits = kept

	if limit <= 0 || len(b.Hits) < limit {
		b.Hits = append(b.Hits, now)
		if err := l.save(key, b); err != nil {
			return Result{}, err
		}
		return Result{Allowed: true}, nil
	}

	oldest := b.Hits[0]
	secondsUntilNextSlotOpens := oldest.Add(window).Sub(now).Seconds()
	retryAfter := int(math.Ceil(secondsUntilNextSlotOpens))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Result{Allowed: false, RetryAfterSeconds: retryAfter}, nil
}

func (l *Limiter) load(key string) (Bucket, error) {
	raw, err := l.fs.Get(key)
	if err == store.ErrNotFound {
		return Bucket{}, nil
	}
	if err != nil {
		return Bucket{}, err
	}
	var b Bucket
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bucket{}, fmt.Errorf("ratelimit: decode %s: %w", key, err)
	}
	return b, nil
}

func (l *Limiter) save(key string, b Bucket) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return l.fs.Put(key, raw)
}
