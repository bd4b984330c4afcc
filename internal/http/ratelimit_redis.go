package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fixedWindow increments KEYS[1] and starts its expiry on first use.
// It returns the count and the remaining window in milliseconds.
var fixedWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

type redisLimiter struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter shares windows across orchestrator replicas through Redis.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return newRedisLimiter(client, logger), nil
}

func newRedisLimiter(client redis.UniversalClient, logger *slog.Logger) *redisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisLimiter{
		client:  client,
		logger:  logger.With("component", "ratelimit"),
		prefix:  "cortex:ratelimit:",
		timeout: 250 * time.Millisecond,
	}
}

// Allow fails open: a Redis outage never blocks instances or operators.
func (l *redisLimiter) Allow(ctx context.Context, key string, limit int, length time.Duration) RateDecision {
	if limit <= 0 {
		return RateDecision{Allowed: true}
	}
	if length <= 0 {
		length = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	res, err := fixedWindow.Run(ctx, l.client, []string{l.prefix + key}, length.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return RateDecision{Allowed: true, Remaining: limit}
	}
	count := int(res[0])
	return RateDecision{
		Allowed:   count <= limit,
		Remaining: limit - count,
		ResetAt:   time.Now().Add(time.Duration(res[1]) * time.Millisecond),
	}
}

func (l *redisLimiter) Close() error {
	return l.client.Close()
}
