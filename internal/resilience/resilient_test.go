package resilience_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
	"github.com/fairyhunter13/mahavishnu/internal/resilience"
)

type fakeAdapter struct {
	mu    sync.Mutex
	name  string
	calls int
	// errs are returned in order; nil means success. The last entry repeats.
	errs []error
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Execute(_ domain.Context, _ domain.Task, repos []string) (domain.AdapterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if len(a.errs) > 0 {
		i := a.calls
		if i >= len(a.errs) {
			i = len(a.errs) - 1
		}
		err = a.errs[i]
	}
	a.calls++
	if err != nil {
		return domain.AdapterResult{}, err
	}
	return domain.AdapterResult{Status: domain.AdapterSuccess, ReposProcessed: repos}, nil
}

func (a *fakeAdapter) Validate(domain.Context, domain.Task, []string) error { return nil }

func (a *fakeAdapter) Health(domain.Context) domain.AdapterHealth {
	return domain.AdapterHealth{Status: domain.HealthHealthy}
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type memDLQ struct {
	mu      sync.Mutex
	entries map[string]domain.DLQEntry
}

func newMemDLQ() *memDLQ { return &memDLQ{entries: map[string]domain.DLQEntry{}} }

func (d *memDLQ) Enqueue(_ domain.Context, e domain.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[e.ID] = e
	return nil
}

func (d *memDLQ) Get(_ domain.Context, id string) (domain.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
	}
	return e, nil
}

func (d *memDLQ) List(_ domain.Context, _ domain.DLQFilter) ([]domain.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DLQEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out, nil
}

func (d *memDLQ) Remove(_ domain.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
	return nil
}

func (d *memDLQ) Purge(_ domain.Context, before time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, e := range d.entries {
		if e.Timestamp.Before(before) {
			delete(d.entries, id)
			n++
		}
	}
	return n, nil
}

func (d *memDLQ) Size(domain.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.entries)), nil
}

func fastRetry() *resilience.Retry {
	return resilience.NewRetry(domain.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
}

func testTask() domain.Task { return domain.Task{ID: "t1", Type: "noop", Idempotent: true} }

func TestResilientAdapterSuccessPassesThrough(t *testing.T) {
	t.Parallel()
	inner := &fakeAdapter{name: "stub"}
	dlq := newMemDLQ()
	reg := resilience.NewRegistry(domain.DefaultBreakerConfig(), nil, nil)
	ra := resilience.NewResilientAdapter(inner, reg, fastRetry(), dlq, nil)

	res, err := ra.Execute(context.Background(), testTask(), []string{"/repos/a"})
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterSuccess, res.Status)
	size, _ := dlq.Size(context.Background())
	assert.Zero(t, size)
}

func TestResilientAdapterRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	inner := &fakeAdapter{name: "stub", errs: []error{domain.ErrTransient, domain.ErrTransient, nil}}
	dlq := newMemDLQ()
	reg := resilience.NewRegistry(domain.DefaultBreakerConfig(), nil, nil)
	ra := resilience.NewResilientAdapter(inner, reg, fastRetry(), dlq, nil)

	_, err := ra.Execute(context.Background(), testTask(), []string{"/repos/a"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.callCount())
	size, _ := dlq.Size(context.Background())
	assert.Zero(t, size, "recovered failures never dead-letter")
}

func TestResilientAdapterExhaustedRetriesDeadLetter(t *testing.T) {
	t.Parallel()
	inner := &fakeAdapter{name: "stub", errs: []error{domain.ErrTransient}}
	dlq := newMemDLQ()
	reg := resilience.NewRegistry(domain.DefaultBreakerConfig(), nil, nil)
	ra := resilience.NewResilientAdapter(inner, reg, fastRetry(), dlq, nil)

	ctx := domain.WithWorkflowID(context.Background(), "wf-1")
	_, err := ra.Execute(ctx, testTask(), []string{"/repos/a"})
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, 3, inner.callCount())

	entries, _ := dlq.List(context.Background(), domain.DLQFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, "wf-1", entries[0].WorkflowID)
	assert.Equal(t, "Transient", entries[0].ErrorKind)
	assert.Equal(t, []string{"/repos/a"}, entries[0].Repos)
}

func TestResilientAdapterNonRetryableDeadLettersOnce(t *testing.T) {
	t.Parallel()
	inner := &fakeAdapter{name: "stub", errs: []error{domain.ErrValidation}}
	dlq := newMemDLQ()
	reg := resilience.NewRegistry(domain.DefaultBreakerConfig(), nil, nil)
	ra := resilience.NewResilientAdapter(inner, reg, fastRetry(), dlq, nil)

	_, err := ra.Execute(context.Background(), testTask(), []string{"/repos/a"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, inner.callCount())
	size, _ := dlq.Size(context.Background())
	assert.EqualValues(t, 1, size)
}

func TestResilientAdapterOpenCircuitShortCircuits(t *testing.T) {
	t.Parallel()
	inner := &fakeAdapter{name: "stub", errs: []error{domain.ErrInternal}}
	dlq := newMemDLQ()
	cfg := domain.BreakerConfig{FailureThreshold: 2, Timeout: time.Minute, SuccessThreshold: 1}
	reg := resilience.NewRegistry(cfg, nil, nil)
	ra := resilience.NewResilientAdapter(inner, reg, fastRetry(), dlq, nil)

	// Two terminal failures open the breaker for this target.
	_, _ = ra.Execute(context.Background(), testTask(), []string{"/repos/a"})
	_, _ = ra.Execute(context.Background(), testTask(), []string{"/repos/a"})
	callsBefore := inner.callCount()

	_, err := ra.Execute(context.Background(), testTask(), []string{"/repos/a"})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, callsBefore, inner.callCount(), "open circuit must not invoke the adapter")

	entries, _ := dlq.List(context.Background(), domain.DLQFilter{})
	assert.Len(t, entries, 3, "refused call is dead-lettered too")
}

func TestResilientAdapterBreakersArePerTarget(t *testing.T) {
	t.Parallel()
	inner := &fakeAdapter{name: "stub", errs: []error{domain.ErrInternal}}
	cfg := domain.BreakerConfig{FailureThreshold: 1, Timeout: time.Minute, SuccessThreshold: 1}
	reg := resilience.NewRegistry(cfg, nil, nil)
	ra := resilience.NewResilientAdapter(inner, reg, fastRetry(), newMemDLQ(), nil)

	_, _ = ra.Execute(context.Background(), testTask(), []string{"/repos/a"})
	_, err := ra.Execute(context.Background(), testTask(), []string{"/repos/a"})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)

	// Different repo, different breaker: the call reaches the adapter.
	before := inner.callCount()
	_, err = ra.Execute(context.Background(), testTask(), []string{"/repos/b"})
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.Greater(t, inner.callCount(), before)
}
