package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	iredis "github.com/heartline/realtime/internal/redis"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client := iredis.NewClient(iredis.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	require.NoError(t, client.Ping(context.Background()))

	var _ iredis.Cmdable = client.RDB
}

func TestPingFailsWhenServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := iredis.NewClient(iredis.Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mr.Close()
	require.Error(t, client.Ping(context.Background()))
}
