package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/metrics"
	iredis "github.com/heartline/realtime/internal/redis"
)

// KeyPrefix is the Redis key prefix of per-recipient counter hashes.
const KeyPrefix = "notif:"

// Redis keeps counters in one hash per recipient with a field per author.
// HINCRBY and HDEL are atomic per field, so counters survive restarts and
// are shared by every node.
type Redis struct {
	cmd iredis.Cmdable
}

var _ Aggregator = (*Redis)(nil)

// NewRedis creates a Redis-backed aggregator.
func NewRedis(cmd iredis.Cmdable) *Redis {
	return &Redis{cmd: cmd}
}

func key(recipient domain.UserID) string {
	return KeyPrefix + recipient.String()
}

// Increment implements Aggregator.
func (r *Redis) Increment(ctx context.Context, recipient, author domain.UserID) (int64, error) {
	n, err := r.cmd.HIncrBy(ctx, key(recipient), author.String(), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("notify: increment %d/%d: %w: %w", recipient, author, domain.ErrStoreUnavailable, err)
	}
	metrics.NotificationsIncremented.Inc()
	return n, nil
}

// Reset implements Aggregator.
func (r *Redis) Reset(ctx context.Context, recipient, author domain.UserID) error {
	if err := r.cmd.HDel(ctx, key(recipient), author.String()).Err(); err != nil {
		return fmt.Errorf("notify: reset %d/%d: %w: %w", recipient, author, domain.ErrStoreUnavailable, err)
	}
	return nil
}

// CountFor implements Aggregator.
func (r *Redis) CountFor(ctx context.Context, recipient, author domain.UserID) (int64, error) {
	n, err := r.cmd.HGet(ctx, key(recipient), author.String()).Int64()
	if errors.Is(err, iredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("notify: count %d/%d: %w: %w", recipient, author, domain.ErrStoreUnavailable, err)
	}
	return n, nil
}

// CountsFor implements Aggregator.
func (r *Redis) CountsFor(ctx context.Context, recipient domain.UserID) (map[domain.UserID]int64, error) {
	raw, err := r.cmd.HGetAll(ctx, key(recipient)).Result()
	if err != nil {
		return nil, fmt.Errorf("notify: counts %d: %w: %w", recipient, domain.ErrStoreUnavailable, err)
	}
	out := make(map[domain.UserID]int64, len(raw))
	for field, val := range raw {
		author, err := domain.ParseUserID(field)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		out[author] = n
	}
	return out, nil
}
