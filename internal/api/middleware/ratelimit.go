package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/d9705996/fleetd/internal/api/respond"
	"github.com/d9705996/fleetd/internal/apperr"
	"github.com/d9705996/fleetd/internal/config"
	"github.com/d9705996/fleetd/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// tokens and last_ms live in one hash per client. Refill is continuous at
// rate tokens per millisecond. Returns {allowed, remaining, retry_after_ms}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
	tokens = capacity
	last = now_ms
end

local elapsed = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
	allowed = 1
	tokens = tokens - 1
else
	retry_ms = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now_ms)
redis.call('EXPIRE', key, ttl)
return { allowed, math.floor(tokens), retry_ms }
`)

// NewRedisClient parses url and pings the server with a short timeout.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// RateLimit applies a per-client token bucket kept in Redis. Redis errors
// let the request through. A nil client or a disabled config is a no-op.
func RateLimit(cfg config.RateLimitConfig, rdb *redis.Client, log *slog.Logger) func(http.Handler) http.Handler {
	if !cfg.Enabled || rdb == nil || cfg.Capacity < 1 || cfg.RefillPerSec <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	ratePerMs := cfg.RefillPerSec / 1000
	ttl := int64(math.Ceil(float64(cfg.Capacity)/cfg.RefillPerSec)) + 1

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "rl:" + clientIP(r) + ":" + r.URL.Path
			vals, err := bucketScript.Run(r.Context(), rdb, []string{key},
				time.Now().UnixMilli(), cfg.Capacity, ratePerMs, ttl).Int64Slice()
			if err != nil || len(vals) != 3 {
				log.Warn("rate limiter unavailable", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(vals[1], 10))
			if vals[0] != 1 {
				metrics.RateLimited.WithLabelValues("http").Inc()
				respond.Error(w, r, log, apperr.RateLimited("rate limit exceeded",
					time.Duration(vals[2])*time.Millisecond))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
