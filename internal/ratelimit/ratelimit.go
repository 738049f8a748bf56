// Package ratelimit provides Redis-based fixed-window rate limiting for the
// bundle and send endpoints. Without Redis every check passes.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRateLimited is returned when a rate limit is exceeded
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTargetedAttack is returned when one user's bundle is fetched often
	// enough to drain their one-time prekey pool
	ErrTargetedAttack = errors.New("targeted attack detected")
)

// Limits holds the window sizes for every check.
type Limits struct {
	// Per-requester: how many bundle fetches a single user can make
	RequesterLimit  int
	RequesterWindow time.Duration

	// Per-target: how many times a single user's bundle can be fetched.
	// High numbers indicate someone is draining prekeys.
	TargetLimit  int
	TargetWindow time.Duration

	// Per-IP: fallback limit for distributed callers
	IPLimit  int
	IPWindow time.Duration

	// Per-sender relay writes
	SendLimit  int
	SendWindow time.Duration
}

// DefaultLimits returns the recommended rate limits
func DefaultLimits() Limits {
	return Limits{
		RequesterLimit:  10,
		RequesterWindow: time.Minute,
		TargetLimit:     50,
		TargetWindow:    time.Minute,
		IPLimit:         100,
		IPWindow:        time.Minute,
		SendLimit:       120,
		SendWindow:      time.Minute,
	}
}

// Limiter provides rate limiting functionality using Redis
type Limiter struct {
	redis  *redis.Client
	limits Limits
	log    *logrus.Entry
}

// NewLimiter creates a limiter with DefaultLimits. redis may be nil.
func NewLimiter(redis *redis.Client) *Limiter {
	return NewLimiterWithLimits(redis, DefaultLimits())
}

func NewLimiterWithLimits(redis *redis.Client, limits Limits) *Limiter {
	return &Limiter{
		redis:  redis,
		limits: limits,
		log:    logrus.WithField("component", "ratelimit"),
	}
}

// CheckBundleFetch checks all rate limits for a prekey bundle fetch request
// Returns nil if allowed, ErrRateLimited or ErrTargetedAttack otherwise
func (l *Limiter) CheckBundleFetch(ctx context.Context, requesterID, targetID, ip string) error {
	if l == nil || l.redis == nil {
		// fail open
		return nil
	}

	requesterKey := fmt.Sprintf("ratelimit:bundle:requester:%s", requesterID)
	if err := l.checkLimit(ctx, requesterKey, l.limits.RequesterLimit, l.limits.RequesterWindow); err != nil {
		l.log.Warnf("Requester %s exceeded bundle fetch limit", requesterID)
		return ErrRateLimited
	}

	targetKey := fmt.Sprintf("ratelimit:bundle:target:%s", targetID)
	if err := l.checkLimit(ctx, targetKey, l.limits.TargetLimit, l.limits.TargetWindow); err != nil {
		l.log.Warnf("ALERT: Target %s bundle being drained (possible prekey exhaustion attack)", targetID)
		return ErrTargetedAttack
	}

	if ip != "" {
		ipKey := fmt.Sprintf("ratelimit:bundle:ip:%s", ip)
		if err := l.checkLimit(ctx, ipKey, l.limits.IPLimit, l.limits.IPWindow); err != nil {
			return ErrRateLimited
		}
	}

	return nil
}

// CheckSend limits how many relay blobs a sender can submit per window.
func (l *Limiter) CheckSend(ctx context.Context, senderID string) error {
	if l == nil || l.redis == nil {
		return nil
	}

	key := fmt.Sprintf("ratelimit:send:%s", senderID)
	if err := l.checkLimit(ctx, key, l.limits.SendLimit, l.limits.SendWindow); err != nil {
		l.log.Warnf("Sender %s exceeded relay send limit", senderID)
		return err
	}
	return nil
}

// checkLimit performs the actual rate limit check using Redis INCR
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		// Fail-open on Redis errors to maintain availability
		return nil
	}

	// First hit in the window sets the expiry
	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}

	return nil
}

// BundleFetchesRemaining reports how many bundle fetches requesterID has
// left in the current window.
func (l *Limiter) BundleFetchesRemaining(ctx context.Context, requesterID string) (int, error) {
	if l == nil {
		return DefaultLimits().RequesterLimit, nil
	}
	return l.GetRemainingRequests(ctx, "ratelimit:bundle:requester", requesterID, l.limits.RequesterLimit)
}

// GetRemainingRequests returns how many requests are remaining for a given key
func (l *Limiter) GetRemainingRequests(ctx context.Context, keyPrefix, identifier string, limit int) (int, error) {
	if l == nil || l.redis == nil {
		return limit, nil
	}

	key := fmt.Sprintf("%s:%s", keyPrefix, identifier)
	count, err := l.redis.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return limit, nil
	}
	if err != nil {
		return limit, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
