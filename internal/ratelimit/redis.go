package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is the multi-process Coordinator. The reservation horizon
// lives in a single Redis key and every mutation runs as a Lua script, so
// reservations stay linearizable across worker processes. Replicating the
// horizon with eventual consistency would break that property, which is why
// there is exactly one authoritative key.
type RedisLimiter struct {
	rdb *redis.Client
	cfg Config
	key string

	interval time.Duration
}

// reserveScript: advance the horizon by n*interval starting from
// max(now, horizon) and return the caller's wait in ms.
var reserveScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local delay = 0
if last > now then delay = last - now end
redis.call('SET', KEYS[1], now + delay + n * interval)
return delay
`)

// throttleScript: push the horizon out by the penalty, never backwards.
var throttleScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
if last < now then last = now end
redis.call('SET', KEYS[1], last + tonumber(ARGV[2]))
return last
`)

// NewRedisLimiter creates a Redis-coordinated limiter. It pings Redis so a
// bad address fails at startup, not at the first reservation.
func NewRedisLimiter(rdb *redis.Client, cfg Config, key string) (*RedisLimiter, error) {
	if key == "" {
		key = "ratelimit:provider:horizon"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	slog.Info("rate limiter coordinating via redis", "key", key, "tps", cfg.TPS)
	return &RedisLimiter{rdb: rdb, cfg: cfg, key: key, interval: cfg.Interval()}, nil
}

// ReserveBatch grants a slot for n provider calls, serialized by Redis.
func (rl *RedisLimiter) ReserveBatch(ctx context.Context, n int) (Reservation, error) {
	if n < 0 {
		n = 0
	}
	nowMs := time.Now().UnixMilli()
	delayMs, err := reserveScript.Run(ctx, rl.rdb, []string{rl.key},
		nowMs, n, rl.interval.Milliseconds()).Int64()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve batch: %w", err)
	}
	return Reservation{
		Delay:    time.Duration(delayMs) * time.Millisecond,
		Interval: rl.interval,
	}, nil
}

// ReportThrottle pushes the shared horizon out by the configured penalty.
func (rl *RedisLimiter) ReportThrottle(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()
	err := throttleScript.Run(ctx, rl.rdb, []string{rl.key},
		nowMs, rl.cfg.ThrottlePenalty.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("report throttle: %w", err)
	}
	return nil
}

// Status reports the shared backlog.
func (rl *RedisLimiter) Status(ctx context.Context) (Status, error) {
	lastMs, err := rl.rdb.Get(ctx, rl.key).Int64()
	if err == redis.Nil {
		lastMs = 0
	} else if err != nil {
		return Status{}, fmt.Errorf("read horizon: %w", err)
	}

	var backlog time.Duration
	if now := time.Now().UnixMilli(); lastMs > now {
		backlog = time.Duration(lastMs-now) * time.Millisecond
	}
	return Status{Backlog: backlog, TPS: rl.cfg.TPS, Interval: rl.interval}, nil
}

// Reset clears the shared horizon. Test hook.
func (rl *RedisLimiter) Reset(ctx context.Context) error {
	return rl.rdb.Del(ctx, rl.key).Err()
}

var _ Coordinator = (*RedisLimiter)(nil)
