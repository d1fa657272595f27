// Package ratelimit provides Redis-backed rate limiting using a fixed INCR +
// EXPIRE window. Each user action that fans out (messages, likes) and each
// WebSocket upgrade is throttled per identity.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/heartline/realtime/internal/metrics"
	iredis "github.com/heartline/realtime/internal/redis"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // label used in metrics and logs
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Default rules. Limits are overridable through configuration.
var (
	// RuleMessage allows 20 messages per 10 seconds per user.
	RuleMessage = Rule{Name: "send_message", Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleLike allows 30 likes per minute per user.
	RuleLike = Rule{Name: "create_like", Key: "rl:like:", Limit: 30, Window: time.Minute}

	// RuleConnect allows 10 WebSocket connections per minute per user.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 10, Window: time.Minute}
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	cmd    iredis.Cmdable
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(cmd iredis.Cmdable, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{cmd: cmd, logger: logger.With(slog.String("component", "ratelimit"))}
}

// Allow increments the identifier's counter for rule and reports whether the
// request is within the limit. The expiry is set on the first increment of a
// window.
//
// On Redis errors the method fails open (Allowed is true) so that a Redis
// outage does not block legitimate traffic; the error is still returned.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	count, err := l.cmd.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", slog.String("key", key), slog.Any("error", err))
		return Decision{Allowed: true}, err
	}

	if count == 1 {
		if err := l.cmd.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", slog.String("key", key), slog.Any("error", err))
			// A key without TTL would throttle the identifier forever.
			l.cmd.Del(ctx, key)
			return Decision{Allowed: true}, err
		}
	}

	if int(count) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}

	metrics.RateLimited.WithLabelValues(rule.Name).Inc()
	ttl, err := l.cmd.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.cmd.Get(ctx, key).Int()
	if errors.Is(err, iredis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis GET failed, failing open", slog.String("key", key), slog.Any("error", err))
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
