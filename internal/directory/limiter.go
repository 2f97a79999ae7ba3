package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	attemptKeyPrefix    = "admitfail:"
	DefaultAttemptLimit = 10
	DefaultAttemptTTL   = 5 * time.Minute
)

// AttemptLimiter throttles repeatedly denied login checks per category and
// caller address. It is advisory: it never decides admission, it only slows
// a caller hammering an occupied seat. Redis faults fail open so a limiter
// outage cannot block legitimate logins.
type AttemptLimiter struct {
	redis *redis.Client
	limit int
	ttl   time.Duration
}

func NewAttemptLimiter(rdb *redis.Client, limit int, ttl time.Duration) *AttemptLimiter {
	if limit <= 0 {
		limit = DefaultAttemptLimit
	}
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &AttemptLimiter{redis: rdb, limit: limit, ttl: ttl}
}

func attemptKey(category, ip string) string {
	return attemptKeyPrefix + category + ":" + strings.TrimSpace(ip)
}

// TooMany reports whether the caller has exhausted its denied-check budget
// for the category within the current window.
func (l *AttemptLimiter) TooMany(ctx context.Context, category, ip string) (bool, error) {
	count, err := l.redis.Get(ctx, attemptKey(category, ip)).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read attempt counter: %w", err)
	}
	return count >= l.limit, nil
}

// NoteDenied records one more denied check. The window starts with the first
// denial and is not extended by later ones.
func (l *AttemptLimiter) NoteDenied(ctx context.Context, category, ip string) error {
	key := attemptKey(category, ip)
	pipe := l.redis.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record denied attempt: %w", err)
	}
	return nil
}

// Reset clears the caller's counter, used once an admission succeeds.
func (l *AttemptLimiter) Reset(ctx context.Context, category, ip string) error {
	return l.redis.Del(ctx, attemptKey(category, ip)).Err()
}
