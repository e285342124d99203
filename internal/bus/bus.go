// Package bus provides the in-process lifecycle event bus. Collectors
// subscribe with handler functions; an optional sink forwards every event to
// an external system (e.g. Kafka) with at-least-once semantics.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// Sink forwards events to an external collector.
type Sink interface {
	Publish(ctx context.Context, e domain.Event) error
}

// Bus fans lifecycle events out to subscribers and sinks. Publish never
// blocks the caller's critical path: delivery happens on per-subscriber
// goroutines fed by buffered channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan domain.Event
	sinks       []Sink
	closed      bool
	wg          sync.WaitGroup
}

// New creates an event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn as a collector. Each subscriber gets its own
// delivery goroutine so a slow collector cannot stall the others.
func (b *Bus) Subscribe(fn func(domain.Event)) {
	ch := make(chan domain.Event, 256)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range ch {
			fn(e)
		}
	}()
}

// AddSink registers an external sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish emits one lifecycle event. Event ids are ULIDs so collectors can
// order events by id.
func (b *Bus) Publish(ctx domain.Context, typ domain.EventType, fields map[string]string) {
	e := domain.Event{
		ID:        ulid.Make().String(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Sends stay under the read lock: Close closes the channels under the
	// write lock, so it cannot race a send in flight. Subscriber goroutines
	// keep draining, so a blocked send always makes progress.
	for _, ch := range b.subscribers {
		ch <- e
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		sink := s
		go func() {
			sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sink.Publish(sinkCtx, e); err != nil {
				slog.Warn("event sink publish failed",
					slog.String("event_id", e.ID),
					slog.String("type", string(e.Type)),
					slog.Any("error", err))
			}
		}()
	}
}

// Close stops delivery and waits for subscriber goroutines to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
