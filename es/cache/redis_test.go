package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTier(t *testing.T) (*RedisTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultRedisConfig()
	cfg.Prefix = "test"
	cfg.TTL = time.Minute
	return NewRedisTier(client, cfg), mr
}

func TestRedisTierRoundTrip(t *testing.T) {
	tier, _ := newRedisTier(t)
	ctx := context.Background()

	e := entryOf(2, 4)
	e.Events[0].EventID = uuid.New()
	e.Events[0].Metadata.ActorID = "user-7"
	e.Events[0].Metadata.CorrelationID = uuid.NullUUID{UUID: uuid.New(), Valid: true}
	e.Events[0].Metadata.Timestamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, ok, err := tier.Get(ctx, "t1|order-1")
	require.NoError(t, err)
	assert.False(t, ok)

	mustPopulate(t, tier, "t1|order-1", e)

	got, ok, err := tier.Get(ctx, "t1|order-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.From, got.From)
	require.Len(t, got.Events, 3)
	assert.Equal(t, e.Events[0].EventID, got.Events[0].EventID)
	assert.Equal(t, e.Events[0].Payload, got.Events[0].Payload)
	assert.Equal(t, e.Events[0].Metadata.CorrelationID, got.Events[0].Metadata.CorrelationID)
	assert.True(t, e.Events[0].Metadata.Timestamp.Equal(got.Events[0].Metadata.Timestamp))
	assert.Equal(t, int64(40), got.Events[2].GlobalPosition)
}

func TestRedisTierRejectsStalePopulate(t *testing.T) {
	tier, _ := newRedisTier(t)
	ctx := context.Background()

	tok, err := tier.Token(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tok)

	require.NoError(t, tier.Invalidate(ctx, "k"))

	assert.ErrorIs(t, tier.Populate(ctx, "k", tok, entryOf(1, 2)), ErrStaleToken)
	_, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	tok, err = tier.Token(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tok)
	require.NoError(t, tier.Populate(ctx, "k", tok, entryOf(1, 2)))
}

func TestRedisTierInvalidateRemovesEntry(t *testing.T) {
	tier, _ := newRedisTier(t)
	ctx := context.Background()

	mustPopulate(t, tier, "k", entryOf(1, 2))
	require.NoError(t, tier.Invalidate(ctx, "k"))

	_, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTierTTL(t *testing.T) {
	tier, mr := newRedisTier(t)
	ctx := context.Background()

	mustPopulate(t, tier, "k", entryOf(1, 2))
	mr.FastForward(2 * time.Minute)

	_, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTierUnavailable(t *testing.T) {
	tier, mr := newRedisTier(t)
	mr.Close()

	_, _, err := tier.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, tier.Invalidate(context.Background(), "k"))
}
