//go:build integration

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

func startRedis(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: addr, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisIntegration(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	t.Run("price cache", func(t *testing.T) {
		pc := NewPriceCache(c)
		_, err := pc.GetTick(ctx, "NIFTY")
		require.ErrorIs(t, err, domain.ErrNotFound)

		tick := domain.Tick{Symbol: "NIFTY", LastPrice: 22450.5, Volume: domain.Float(1200), Timestamp: ts}
		require.NoError(t, pc.SetTick(ctx, tick))

		got, err := pc.GetTick(ctx, "nifty")
		require.NoError(t, err)
		assert.Equal(t, 22450.5, got.LastPrice)
		require.NotNil(t, got.Volume)
		assert.Equal(t, 1200.0, *got.Volume)
		assert.Nil(t, got.Open)

		all, err := pc.GetTicks(ctx, []string{"NIFTY", "SENSEX"})
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.Contains(t, all, "NIFTY")
	})

	t.Run("stream", func(t *testing.T) {
		bus := NewSignalBus(c)
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamAlerts, []byte(`{"rule_id":"a"}`)))
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamAlerts, []byte(`{"rule_id":"b"}`)))

		msgs, err := bus.StreamRead(ctx, domain.StreamAlerts, "0", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)

		rest, err := bus.StreamRead(ctx, domain.StreamAlerts, msgs[0].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.JSONEq(t, `{"rule_id":"b"}`, string(rest[0].Payload))
	})

	t.Run("pubsub", func(t *testing.T) {
		bus := NewSignalBus(c)
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := bus.Subscribe(sctx, domain.ChannelTickPrefix+"*")
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, TickChannel("banknifty"), []byte("x")))

		select {
		case got := <-ch:
			assert.Equal(t, "x", string(got))
		case <-time.After(5 * time.Second):
			t.Fatal("no message")
		}
	})

	t.Run("lock", func(t *testing.T) {
		lm := NewLockManager(c)
		unlock, err := lm.Acquire(ctx, "archive", time.Minute)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "archive", time.Minute)
		require.True(t, errors.Is(err, domain.ErrLockHeld))

		unlock()
		unlock()
		unlock2, err := lm.Acquire(ctx, "archive", time.Minute)
		require.NoError(t, err)
		unlock2()
	})

	t.Run("rate limit", func(t *testing.T) {
		rl := NewRateLimiter(c)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "quotes", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := rl.Allow(ctx, "quotes", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
