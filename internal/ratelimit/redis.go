package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// admitScript increments the window counter and starts the window on the
// first hit. Running it as a script makes the check-and-increment atomic
// across gateway instances.
// Keys: [counter_key]
// Args: [window_ms]
// Returns: {count, pttl_ms}
var admitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares counters between gateway instances. Window expiry is
// delegated to Redis key TTLs, so no sweeping is needed.
type RedisLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisLimiterWithClient(client), nil
}

// NewRedisLimiterWithClient shares an existing connection pool.
func NewRedisLimiterWithClient(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		keyPrefix: "ratelimit:",
		now:       time.Now,
	}
}

func (r *RedisLimiter) key(clientKey string, tier domain.Tier) string {
	return r.keyPrefix + tier.Name + ":" + clientKey
}

func (r *RedisLimiter) Admit(ctx context.Context, clientKey string, tier domain.Tier) (Decision, error) {
	windowMs := tier.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}

	res, err := admitScript.Run(ctx, r.client, []string{r.key(clientKey, tier)}, windowMs).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %v", domain.ErrStoreUnavailable, res)
	}

	count := int(res[0])
	ttl := time.Duration(res[1]) * time.Millisecond
	elapsed := tier.Window - ttl

	return decide(tier, count, elapsed, r.now().Add(ttl)), nil
}

func (r *RedisLimiter) Reset(ctx context.Context, clientKey string, tier domain.Tier) error {
	if err := r.client.Del(ctx, r.key(clientKey, tier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
