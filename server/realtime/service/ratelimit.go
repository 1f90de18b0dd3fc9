package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

const rateLimitKeyPrefix = "ratelimit:"

// RateLimiter is a fixed-window counter in Redis. It fails open.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

func (l *RateLimiter) Check(ctx context.Context, action, subject string, limit int, window time.Duration) domain.RateLimitResult {
	if window <= 0 {
		window = time.Minute
	}
	start := l.now().Truncate(window)
	resetAt := start.Add(window).UTC()
	if limit <= 0 {
		return domain.RateLimitResult{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	key := fmt.Sprintf("%s%s:%s:%d", rateLimitKeyPrefix, action, subject, start.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		commonlog.Warnf("event=rate_limit action=check status=fail_open limit_action=%s subject=%s error=%v", action, subject, err)
		return domain.RateLimitResult{Allowed: true, Remaining: limit, ResetAt: resetAt}
	}
	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitResult{Allowed: count <= limit, Remaining: remaining, ResetAt: resetAt}
}

// Enforce turns a denied check into an error wrapping ErrRateLimited.
func (l *RateLimiter) Enforce(ctx context.Context, action, subject string, limit int, window time.Duration) error {
	res := l.Check(ctx, action, subject, limit, window)
	if res.Allowed {
		return nil
	}
	retry := int(math.Ceil(res.ResetAt.Sub(l.now()).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return fmt.Errorf("%w for %s, retry after %ds", ErrRateLimited, action, retry)
}
