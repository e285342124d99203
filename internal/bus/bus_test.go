package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/mahavishnu/internal/bus"
	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

func TestSubscriberReceivesEvents(t *testing.T) {
	t.Parallel()
	b := bus.New()

	var mu sync.Mutex
	var got []domain.Event
	b.Subscribe(func(e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	b.Publish(context.Background(), domain.EventWorkflowCreated, map[string]string{"workflow_id": "wf-1"})
	b.Publish(context.Background(), domain.EventWorkflowStarted, map[string]string{"workflow_id": "wf-1"})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, domain.EventWorkflowCreated, got[0].Type)
	assert.Equal(t, "wf-1", got[0].Fields["workflow_id"])
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	// ULID ids order lexically by emit time.
	assert.Less(t, got[0].ID, got[1].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEverySubscriberGetsEveryEvent(t *testing.T) {
	t.Parallel()
	b := bus.New()

	counts := make([]int, 3)
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe(func(domain.Event) {
			mu.Lock()
			defer mu.Unlock()
			counts[i]++
		})
	}

	for j := 0; j < 5; j++ {
		b.Publish(context.Background(), domain.EventRepoSucceeded, nil)
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	for i, n := range counts {
		assert.Equal(t, 5, n, "subscriber %d", i)
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (s *captureSink) Publish(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSinkReceivesEvents(t *testing.T) {
	t.Parallel()
	b := bus.New()
	sink := &captureSink{}
	b.AddSink(sink)

	b.Publish(context.Background(), domain.EventDLQEnqueued, map[string]string{"entry_id": "e1"})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, domain.EventDLQEnqueued, sink.events[0].Type)
	b.Close()
}

func TestFailingSinkDoesNotBlockSubscribers(t *testing.T) {
	t.Parallel()
	b := bus.New()
	b.AddSink(&captureSink{err: errors.New("broker down")})

	delivered := make(chan struct{}, 1)
	b.Subscribe(func(domain.Event) { delivered <- struct{}{} })

	b.Publish(context.Background(), domain.EventWorkflowFailed, nil)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("subscriber starved by failing sink")
	}
	b.Close()
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	t.Parallel()
	b := bus.New()
	var n int
	var mu sync.Mutex
	b.Subscribe(func(domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		n++
	})
	b.Close()

	// Must not panic on the closed channels.
	b.Publish(context.Background(), domain.EventWorkflowCreated, nil)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, n)
}

func TestPublishConcurrentWithClose(t *testing.T) {
	t.Parallel()
	b := bus.New()
	b.Subscribe(func(domain.Event) {})
	b.Subscribe(func(domain.Event) {})

	// Hammer Publish from several goroutines while Close runs: a publish must
	// either deliver or drop, never hit a closed channel.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Publish(context.Background(), domain.EventRepoSucceeded, nil)
			}
		}()
	}
	b.Close()
	wg.Wait()
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	b := bus.New()
	b.Subscribe(func(domain.Event) {})
	b.Close()
	b.Close()
}
