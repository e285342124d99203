package redisstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/mahavishnu/internal/adapter/state/redisstate"
)

func newStore(t *testing.T, ttl time.Duration) (*redisstate.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstate.New(client, ttl), mr
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t, time.Minute)
	ctx := context.Background()

	openedAt := time.Date(2026, 8, 24, 10, 30, 0, 123456789, time.UTC)
	require.NoError(t, store.SaveOpen(ctx, "stub:/repos/a", openedAt))

	got, found, err := store.LoadOpen(ctx, "stub:/repos/a")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(openedAt))
}

func TestLoadMissingKey(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t, time.Minute)

	_, found, err := store.LoadOpen(context.Background(), "stub:/repos/ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearOpen(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.SaveOpen(ctx, "stub:/repos/a", time.Now().UTC()))
	require.NoError(t, store.ClearOpen(ctx, "stub:/repos/a"))

	_, found, err := store.LoadOpen(ctx, "stub:/repos/a")
	require.NoError(t, err)
	assert.False(t, found)

	// Clearing an absent key is not an error.
	assert.NoError(t, store.ClearOpen(ctx, "stub:/repos/a"))
}

func TestSaveSetsTTL(t *testing.T) {
	t.Parallel()
	store, mr := newStore(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, store.SaveOpen(ctx, "stub:/repos/a", time.Now().UTC()))

	ttl := mr.TTL("mahavishnu:breaker:open:stub:/repos/a")
	assert.Equal(t, 30*time.Second, ttl)

	// Past the TTL the record is gone and the breaker fails safe to closed.
	mr.FastForward(time.Minute)
	_, found, err := store.LoadOpen(ctx, "stub:/repos/a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPing(t *testing.T) {
	t.Parallel()
	store, mr := newStore(t, time.Minute)
	assert.NoError(t, store.Ping(context.Background()))
	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
