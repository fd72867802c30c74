package backplane

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultPresenceTTL is how long a fleet count entry survives without being
// refreshed.
const DefaultPresenceTTL = 90 * time.Second

// Counter aggregates per-instance connection counts into a fleet total.
type Counter interface {
	// Set records n as the count of instance and returns the fleet total.
	Set(ctx context.Context, instance string, n int) (int, error)
	// Remove drops the entry of instance.
	Remove(ctx context.Context, instance string) error
}

// presenceScript stores one count, prunes instances not seen within the TTL
// and returns the sum of what is left.
var presenceScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[4])
for _, id in ipairs(stale) do
	redis.call('HDEL', KEYS[1], id)
	redis.call('ZREM', KEYS[2], id)
end
local total = 0
for _, v in ipairs(redis.call('HVALS', KEYS[1])) do
	total = total + (tonumber(v) or 0)
end
return total
`)

// RedisCounter keeps one hash field per instance, plus a sorted set of when
// each instance last reported. Entries older than the TTL are dropped on the
// next Set, so a crashed instance leaves the total once its TTL runs out.
type RedisCounter struct {
	client  *redis.Client
	key     string
	seenKey string
	ttl     time.Duration
	now     func() time.Time
}

// NewRedisCounter stores counts under the hash "<channel>:presence". A
// non-positive ttl selects DefaultPresenceTTL.
func NewRedisCounter(client *redis.Client, channel string, ttl time.Duration) *RedisCounter {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisCounter{
		client:  client,
		key:     channel + ":presence",
		seenKey: channel + ":presence:seen",
		ttl:     ttl,
		now:     time.Now,
	}
}

// Set records n for instance, refreshes its heartbeat and returns the total
// over all live instances.
func (c *RedisCounter) Set(ctx context.Context, instance string, n int) (int, error) {
	now := c.now()
	total, err := presenceScript.Run(ctx, c.client,
		[]string{c.key, c.seenKey},
		instance, n, now.UnixMilli(), now.Add(-c.ttl).UnixMilli(),
	).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "redis presence %s", c.key)
	}
	return total, nil
}

// Remove drops the entry of instance immediately.
func (c *RedisCounter) Remove(ctx context.Context, instance string) error {
	pipe := c.client.TxPipeline()
	pipe.HDel(ctx, c.key, instance)
	pipe.ZRem(ctx, c.seenKey, instance)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "redis presence %s", c.key)
	}
	return nil
}

// MemoryCounter is the in-process Counter paired with Memory.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

// Set records n for instance and returns the sum over all instances.
func (c *MemoryCounter) Set(_ context.Context, instance string, n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[instance] = n
	total := 0
	for _, count := range c.counts {
		total += count
	}
	return total, nil
}

// Remove drops the entry of instance.
func (c *MemoryCounter) Remove(_ context.Context, instance string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, instance)
	return nil
}
