package resilience_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
	"github.com/fairyhunter13/mahavishnu/internal/resilience"
)

func testBreakerConfig() domain.BreakerConfig {
	return domain.BreakerConfig{FailureThreshold: 3, Timeout: 50 * time.Millisecond, SuccessThreshold: 2}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker("stub:repo", testBreakerConfig(), nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.OnFailure()
		assert.Equal(t, domain.CircuitClosed, b.Snapshot().State)
	}
	require.NoError(t, b.Allow())
	b.OnFailure()
	assert.Equal(t, domain.CircuitOpen, b.Snapshot().State)

	err := b.Allow()
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker("stub:repo", testBreakerConfig(), nil)

	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	b.OnFailure()
	// Never three consecutive failures, so still closed.
	assert.Equal(t, domain.CircuitClosed, b.Snapshot().State)
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker("stub:repo", testBreakerConfig(), nil)
	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	require.Equal(t, domain.CircuitOpen, b.Snapshot().State)

	time.Sleep(60 * time.Millisecond)

	// First caller gets the probe, the second is refused.
	require.NoError(t, b.Allow())
	assert.Equal(t, domain.CircuitHalfOpen, b.Snapshot().State)
	assert.ErrorIs(t, b.Allow(), domain.ErrCircuitOpen)

	// Probe succeeds; next probe admitted, and the second success closes.
	b.OnSuccess()
	require.NoError(t, b.Allow())
	b.OnSuccess()
	assert.Equal(t, domain.CircuitClosed, b.Snapshot().State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker("stub:repo", testBreakerConfig(), nil)
	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.OnFailure()

	snap := b.Snapshot()
	assert.Equal(t, domain.CircuitOpen, snap.State)
	// Freshly reopened: the timeout starts over.
	assert.ErrorIs(t, b.Allow(), domain.ErrCircuitOpen)
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := resilience.NewBreaker("stub:repo", testBreakerConfig(), nil)
	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	require.Equal(t, domain.CircuitOpen, b.Snapshot().State)
	b.Reset()
	snap := b.Snapshot()
	assert.Equal(t, domain.CircuitClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.NoError(t, b.Allow())
}

func TestBreakerStateChangeHook(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var moves [][2]domain.CircuitState
	hook := func(_ string, from, to domain.CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		moves = append(moves, [2]domain.CircuitState{from, to})
	}
	b := resilience.NewBreaker("stub:repo", testBreakerConfig(), hook)
	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.OnSuccess()
	require.NoError(t, b.Allow())
	b.OnSuccess()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, moves, 3)
	assert.Equal(t, [2]domain.CircuitState{domain.CircuitClosed, domain.CircuitOpen}, moves[0])
	assert.Equal(t, [2]domain.CircuitState{domain.CircuitOpen, domain.CircuitHalfOpen}, moves[1])
	assert.Equal(t, [2]domain.CircuitState{domain.CircuitHalfOpen, domain.CircuitClosed}, moves[2])
}

type memStateStore struct {
	mu   sync.Mutex
	open map[string]time.Time
}

func newMemStateStore() *memStateStore { return &memStateStore{open: map[string]time.Time{}} }

func (s *memStateStore) SaveOpen(_ domain.Context, target string, openedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[target] = openedAt
	return nil
}

func (s *memStateStore) LoadOpen(_ domain.Context, target string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.open[target]
	return t, ok, nil
}

func (s *memStateStore) ClearOpen(_ domain.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, target)
	return nil
}

func TestRegistryRestoresPersistedOpenState(t *testing.T) {
	t.Parallel()
	store := newMemStateStore()
	cfg := domain.BreakerConfig{FailureThreshold: 3, Timeout: time.Minute, SuccessThreshold: 2}
	require.NoError(t, store.SaveOpen(context.Background(), "stub:repo", time.Now().UTC()))

	reg := resilience.NewRegistry(cfg, nil, store)
	b := reg.GetOrCreate(context.Background(), "stub:repo")
	assert.ErrorIs(t, b.Allow(), domain.ErrCircuitOpen)
}

func TestRegistryIgnoresExpiredPersistedState(t *testing.T) {
	t.Parallel()
	store := newMemStateStore()
	cfg := domain.BreakerConfig{FailureThreshold: 3, Timeout: 50 * time.Millisecond, SuccessThreshold: 2}
	require.NoError(t, store.SaveOpen(context.Background(), "stub:repo", time.Now().UTC().Add(-time.Hour)))

	reg := resilience.NewRegistry(cfg, nil, store)
	b := reg.GetOrCreate(context.Background(), "stub:repo")
	assert.NoError(t, b.Allow())

	_, found, err := store.LoadOpen(context.Background(), "stub:repo")
	require.NoError(t, err)
	assert.False(t, found, "expired record should be cleared")
}

func TestRegistryPersistsTransitions(t *testing.T) {
	t.Parallel()
	store := newMemStateStore()
	cfg := testBreakerConfig()
	reg := resilience.NewRegistry(cfg, nil, store)

	b := reg.GetOrCreate(context.Background(), "stub:repo")
	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	_, found, err := store.LoadOpen(context.Background(), "stub:repo")
	require.NoError(t, err)
	assert.True(t, found, "open transition should persist")

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.OnSuccess()
	require.NoError(t, b.Allow())
	b.OnSuccess()
	_, found, err = store.LoadOpen(context.Background(), "stub:repo")
	require.NoError(t, err)
	assert.False(t, found, "close transition should clear persisted state")
}

func TestRegistrySnapshotsAndReset(t *testing.T) {
	t.Parallel()
	reg := resilience.NewRegistry(testBreakerConfig(), nil, nil)
	b := reg.GetOrCreate(context.Background(), "stub:a")
	reg.GetOrCreate(context.Background(), "stub:b")

	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	snaps := reg.Snapshots()
	assert.Len(t, snaps, 2)

	assert.True(t, reg.Reset("stub:a"))
	assert.False(t, reg.Reset("stub:missing"))
	got, ok := reg.Get("stub:a")
	require.True(t, ok)
	assert.Equal(t, domain.CircuitClosed, got.Snapshot().State)
}
