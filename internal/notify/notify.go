// Package notify maintains unread-notification counters keyed by
// (recipient, author). A counter grows with every event the recipient was
// not actively viewing and returns to zero when the recipient opens the
// author's conversation.
package notify

import (
	"context"
	"sync"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/metrics"
)

// Aggregator is the counter contract used by the event bus and the chat
// service. Resetting a counter that is already zero is a no-op.
type Aggregator interface {
	Increment(ctx context.Context, recipient, author domain.UserID) (int64, error)
	Reset(ctx context.Context, recipient, author domain.UserID) error
	CountFor(ctx context.Context, recipient, author domain.UserID) (int64, error)
	// CountsFor returns every non-zero counter of recipient keyed by author.
	CountsFor(ctx context.Context, recipient domain.UserID) (map[domain.UserID]int64, error)
}

type counterKey struct {
	recipient domain.UserID
	author    domain.UserID
}

type memoryShard struct {
	mu     sync.Mutex
	counts map[counterKey]int64
}

// Memory keeps counters in process, striped by (recipient, author) key.
type Memory struct {
	shards []*memoryShard
}

var _ Aggregator = (*Memory)(nil)

// NewMemory creates an in-memory aggregator with the given number of stripes.
func NewMemory(shards int) *Memory {
	if shards <= 0 {
		shards = domain.RegistryShards
	}
	m := &Memory{shards: make([]*memoryShard, shards)}
	for i := range m.shards {
		m.shards[i] = &memoryShard{counts: make(map[counterKey]int64)}
	}
	return m
}

func (m *Memory) stripe(k counterKey) int {
	h := uint64(k.recipient)*0x9E3779B97F4A7C15 + uint64(k.author)
	return int(h % uint64(len(m.shards)))
}

func (m *Memory) shard(k counterKey) *memoryShard {
	return m.shards[m.stripe(k)]
}

// Increment implements Aggregator.
func (m *Memory) Increment(_ context.Context, recipient, author domain.UserID) (int64, error) {
	k := counterKey{recipient, author}
	sh := m.shard(k)
	sh.mu.Lock()
	sh.counts[k]++
	n := sh.counts[k]
	sh.mu.Unlock()

	metrics.NotificationsIncremented.Inc()
	return n, nil
}

// Reset implements Aggregator.
func (m *Memory) Reset(_ context.Context, recipient, author domain.UserID) error {
	k := counterKey{recipient, author}
	sh := m.shard(k)
	sh.mu.Lock()
	delete(sh.counts, k)
	sh.mu.Unlock()
	return nil
}

// CountFor implements Aggregator.
func (m *Memory) CountFor(_ context.Context, recipient, author domain.UserID) (int64, error) {
	k := counterKey{recipient, author}
	sh := m.shard(k)
	sh.mu.Lock()
	n := sh.counts[k]
	sh.mu.Unlock()
	return n, nil
}

// CountsFor implements Aggregator. It visits every stripe.
func (m *Memory) CountsFor(_ context.Context, recipient domain.UserID) (map[domain.UserID]int64, error) {
	out := make(map[domain.UserID]int64)
	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, n := range sh.counts {
			if k.recipient == recipient {
				out[k.author] = n
			}
		}
		sh.mu.Unlock()
	}
	return out, nil
}
