package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter applies a sliding-window request limit per client,
// backed by a Redis sorted set per window key. Authenticated clients
// are keyed by user id, anonymous ones by remote IP.
type RateLimiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
	log    *zap.Logger
}

func NewRateLimiter(rdb *redis.Client, max int, window time.Duration, log *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, max: max, window: window, log: log}
}

// clientKey identifies the caller for limiting purposes.
func clientKey(r *http.Request) string {
	if uid := UserID(r.Context()); uid != "" {
		return "user:" + uid
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Handler is the middleware. When Redis is unreachable the request is
// allowed through; rate limiting degrades before availability does.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ratelimit:" + clientKey(r)
		now := time.Now()
		windowStart := now.Add(-l.window)

		pipe := l.rdb.TxPipeline()
		pipe.ZRemRangeByScore(r.Context(), key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
		pipe.ZAdd(r.Context(), key, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: uuid.New().String(),
		})
		card := pipe.ZCard(r.Context(), key)
		pipe.Expire(r.Context(), key, l.window)
		if _, err := pipe.Exec(r.Context()); err != nil {
			l.log.Warn("rate limiter unavailable, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		count := card.Val()
		remaining := int64(l.max) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.max))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(l.window).Unix(), 10))

		if count > int64(l.max) {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", l.window.Seconds()))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
