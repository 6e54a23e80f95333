package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pinkpass/internal/model"
)

func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, Options{TTL: time.Hour, LeaseTTL: 30 * time.Second}), mr
}

func TestFulfilled_RoundTrip(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	_, ok, err := c.Fulfilled(ctx, "PIP-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.MarkFulfilled(ctx, "PIP-1", model.FulfillmentPartial))

	status, ok, err := c.Fulfilled(ctx, "PIP-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.FulfillmentPartial, status)

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Fulfilled(ctx, "PIP-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLease(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := c.AcquireLease(ctx, "PIP-1", "delivery-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLease(ctx, "PIP-1", "delivery-b")
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by delivery-a")

	require.NoError(t, c.ReleaseLease(ctx, "PIP-1", "delivery-b"))
	assert.True(t, mr.Exists("pinkpass:lease:PIP-1"), "foreign owner must not release")

	require.NoError(t, c.ReleaseLease(ctx, "PIP-1", "delivery-a"))
	assert.False(t, mr.Exists("pinkpass:lease:PIP-1"))

	ok, err = c.AcquireLease(ctx, "PIP-1", "delivery-b")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute)
	ok, err = c.AcquireLease(ctx, "PIP-1", "delivery-c")
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken")
}
