package coord

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript mirrors the teacher's seedAndIncrScript shape
// (internal/billing/signer.go): a single round-trip SET-NX-with-expiry that
// reports whether THIS call performed the write.
//
// KEYS[1] = claim key
// ARGV[1] = ttl in milliseconds
var claimScript = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
	return 1
else
	return 0
end
`)

// RedisCoordinator is the production Coordinator, backed by a shared Redis
// instance (or, in tests, miniredis — same pattern the teacher uses in
// internal/billing/signer_test.go).
type RedisCoordinator struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{rdb: rdb}
}

func (c *RedisCoordinator) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := claimScript.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// incrScript increments a counter and sets its expiry only on the first
// increment, so the window length is fixed from the counter's creation
// rather than extended on every hit.
//
// KEYS[1] = counter key
// ARGV[1] = ttl in milliseconds
var incrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

func (c *RedisCoordinator) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64()
}

func (c *RedisCoordinator) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}
