package coord

import (
	"context"
	"sync"
	"time"
)

// LocalCoordinator is an in-process Coordinator for single-instance
// deployments and for tests that don't need a real Redis/miniredis
// instance. It satisfies the same Coordinator contract as RedisCoordinator
// with no cross-process guarantees.
type LocalCoordinator struct {
	mu      sync.Mutex
	claims  map[string]time.Time
	counter map[string]*localCounter
}

type localCounter struct {
	value  int64
	expiry time.Time
}

// Local constructs a fresh in-process coordinator.
func Local() *LocalCoordinator {
	return &LocalCoordinator{
		claims:  make(map[string]time.Time),
		counter: make(map[string]*localCounter),
	}
}

func (c *LocalCoordinator) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if exp, ok := c.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)
	return true, nil
}

func (c *LocalCoordinator) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	cnt, ok := c.counter[key]
	if !ok || now.After(cnt.expiry) {
		cnt = &localCounter{value: 0, expiry: now.Add(ttl)}
		c.counter[key] = cnt
	}
	cnt.value++
	return cnt.value, nil
}

func (c *LocalCoordinator) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}
