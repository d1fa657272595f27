package notify_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/notify"
)

func aggregators(t *testing.T) map[string]notify.Aggregator {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]notify.Aggregator{
		"memory": notify.NewMemory(8),
		"redis":  notify.NewRedis(rdb),
	}
}

func TestIncrementThenReset(t *testing.T) {
	for name, agg := range aggregators(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 3; i++ {
				n, err := agg.Increment(ctx, 2, 1)
				require.NoError(t, err)
				assert.Equal(t, int64(i), n)
			}

			require.NoError(t, agg.Reset(ctx, 2, 1))
			n, err := agg.CountFor(ctx, 2, 1)
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, agg.Reset(ctx, 2, 1), "reset of a zero counter is a no-op")
			n, err = agg.CountFor(ctx, 2, 1)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCountersAreIndependentPerKey(t *testing.T) {
	for name, agg := range aggregators(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := agg.Increment(ctx, 2, 1)
			require.NoError(t, err)
			_, err = agg.Increment(ctx, 2, 3)
			require.NoError(t, err)
			_, err = agg.Increment(ctx, 2, 3)
			require.NoError(t, err)
			_, err = agg.Increment(ctx, 1, 2)
			require.NoError(t, err)

			require.NoError(t, agg.Reset(ctx, 2, 1))

			counts, err := agg.CountsFor(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, map[domain.UserID]int64{3: 2}, counts)

			n, err := agg.CountFor(ctx, 1, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	for name, agg := range aggregators(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = agg.Increment(ctx, 9, 4)
				}()
			}
			wg.Wait()

			n, err := agg.CountFor(ctx, 9, 4)
			require.NoError(t, err)
			assert.Equal(t, int64(40), n)
		})
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	agg := notify.NewRedis(rdb)
	mr.Close()

	_, err := agg.Increment(context.Background(), 1, 2)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestMemoryStripesByKey(t *testing.T) {
	m := notify.NewMemory(4)
	ctx := context.Background()

	// One recipient's counters for different authors spread across stripes.
	seen := map[int]bool{}
	for author := domain.UserID(1); author <= 4; author++ {
		seen[notify.StripeOf(m, 7, author)] = true
		_, err := m.Increment(ctx, 7, author)
		require.NoError(t, err)
	}
	assert.Len(t, seen, 4)

	counts, err := m.CountsFor(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, map[domain.UserID]int64{1: 1, 2: 1, 3: 1, 4: 1}, counts)
}
