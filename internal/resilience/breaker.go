// Package resilience implements the retry executor, per-target circuit
// breakers, and the resilient adapter decorator that ties them to the DLQ.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// StateChangeHook observes breaker transitions. Hooks must not block; they
// are invoked outside the breaker's lock.
type StateChangeHook func(target string, from, to domain.CircuitState)

// Breaker is a circuit breaker for one logical target (e.g. "engine:repo").
// All transitions are atomic under the breaker's lock and exactly one probe
// is admitted while half-open.
type Breaker struct {
	target string
	cfg    domain.BreakerConfig
	onMove StateChangeHook

	mu                sync.Mutex
	state             domain.CircuitState
	failures          int
	halfOpenSuccesses int
	probeInFlight     bool
	openedAt          time.Time
	lastFailureAt     time.Time
}

// NewBreaker creates a closed breaker for target.
func NewBreaker(target string, cfg domain.BreakerConfig, onMove StateChangeHook) *Breaker {
	return &Breaker{target: target, cfg: cfg, onMove: onMove, state: domain.CircuitClosed}
}

// Allow reports whether a call may proceed. In the open state it returns a
// CircuitOpen error until the timeout elapses, then admits a single half-open
// probe. The caller must report the outcome with OnSuccess or OnFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var moved *[2]domain.CircuitState
	defer func() {
		b.mu.Unlock()
		if moved != nil && b.onMove != nil {
			b.onMove(b.target, moved[0], moved[1])
		}
	}()

	switch b.state {
	case domain.CircuitClosed:
		return nil
	case domain.CircuitOpen:
		if time.Since(b.openedAt) < b.cfg.Timeout {
			return fmt.Errorf("op=breaker.allow: target=%s: %w", b.target, domain.ErrCircuitOpen)
		}
		moved = &[2]domain.CircuitState{domain.CircuitOpen, domain.CircuitHalfOpen}
		b.state = domain.CircuitHalfOpen
		b.halfOpenSuccesses = 0
		b.probeInFlight = true
		return nil
	case domain.CircuitHalfOpen:
		if b.probeInFlight {
			return fmt.Errorf("op=breaker.allow: target=%s probe in flight: %w", b.target, domain.ErrCircuitOpen)
		}
		b.probeInFlight = true
		return nil
	}
	return fmt.Errorf("op=breaker.allow: target=%s unknown state: %w", b.target, domain.ErrInternal)
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	var moved *[2]domain.CircuitState
	switch b.state {
	case domain.CircuitClosed:
		b.failures = 0
	case domain.CircuitHalfOpen:
		b.probeInFlight = false
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			moved = &[2]domain.CircuitState{domain.CircuitHalfOpen, domain.CircuitClosed}
			b.state = domain.CircuitClosed
			b.failures = 0
			b.halfOpenSuccesses = 0
			b.openedAt = time.Time{}
		}
	}
	b.mu.Unlock()
	if moved != nil && b.onMove != nil {
		b.onMove(b.target, moved[0], moved[1])
	}
}

// OnFailure records a failed call.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	var moved *[2]domain.CircuitState
	now := time.Now().UTC()
	b.lastFailureAt = now
	switch b.state {
	case domain.CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			moved = &[2]domain.CircuitState{domain.CircuitClosed, domain.CircuitOpen}
			b.state = domain.CircuitOpen
			b.openedAt = now
		}
	case domain.CircuitHalfOpen:
		b.probeInFlight = false
		moved = &[2]domain.CircuitState{domain.CircuitHalfOpen, domain.CircuitOpen}
		b.state = domain.CircuitOpen
		b.openedAt = now
		b.halfOpenSuccesses = 0
	}
	b.mu.Unlock()
	if moved != nil && b.onMove != nil {
		b.onMove(b.target, moved[0], moved[1])
	}
}

// ForceOpen restores a persisted open state, used when rebuilding breakers
// after a restart.
func (b *Breaker) ForceOpen(openedAt time.Time) {
	b.mu.Lock()
	from := b.state
	b.state = domain.CircuitOpen
	b.openedAt = openedAt
	b.failures = b.cfg.FailureThreshold
	b.mu.Unlock()
	if from != domain.CircuitOpen && b.onMove != nil {
		b.onMove(b.target, from, domain.CircuitOpen)
	}
}

// Reset returns the breaker to the closed state and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = domain.CircuitClosed
	b.failures = 0
	b.halfOpenSuccesses = 0
	b.probeInFlight = false
	b.openedAt = time.Time{}
	b.mu.Unlock()
	if from != domain.CircuitClosed && b.onMove != nil {
		b.onMove(b.target, from, domain.CircuitClosed)
	}
}

// Snapshot returns a read-only view of the breaker.
func (b *Breaker) Snapshot() domain.Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := domain.Circuit{
		Target:                       b.target,
		State:                        b.state,
		ConsecutiveFailures:          b.failures,
		ConsecutiveHalfOpenSuccesses: b.halfOpenSuccesses,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		c.OpenedAt = &t
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		c.LastFailureAt = &t
	}
	return c
}

// Registry owns all breakers, keyed by target. Circuit state is in-memory
// and rebuilt on restart; when a state store is configured the opened_at of
// open circuits is persisted so a restart does not release a thundering herd.
type Registry struct {
	cfg   domain.BreakerConfig
	bus   domain.EventBus
	store domain.BreakerStateStore

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry. bus and store may be nil.
func NewRegistry(cfg domain.BreakerConfig, bus domain.EventBus, store domain.BreakerStateStore) *Registry {
	return &Registry{cfg: cfg, bus: bus, store: store, breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker for target, creating it on first use. A
// persisted open state, when present, is restored into the new breaker.
func (r *Registry) GetOrCreate(ctx domain.Context, target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	if b, ok = r.breakers[target]; ok {
		r.mu.Unlock()
		return b
	}
	b = NewBreaker(target, r.cfg, r.stateChanged)
	r.breakers[target] = b
	r.mu.Unlock()

	if r.store != nil {
		if openedAt, found, err := r.store.LoadOpen(ctx, target); err == nil && found {
			if time.Since(openedAt) < r.cfg.Timeout {
				b.ForceOpen(openedAt)
			} else {
				_ = r.store.ClearOpen(ctx, target)
			}
		}
	}
	return b
}

// Get returns the breaker for target when one exists.
func (r *Registry) Get(target string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[target]
	return b, ok
}

// Reset resets the breaker for target.
func (r *Registry) Reset(target string) bool {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshots returns a view of every known breaker.
func (r *Registry) Snapshots() []domain.Circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Circuit, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

func (r *Registry) stateChanged(target string, from, to domain.CircuitState) {
	slog.Info("breaker state change",
		slog.String("target", target),
		slog.String("from", string(from)),
		slog.String("to", string(to)))

	if r.bus != nil {
		var typ domain.EventType
		switch to {
		case domain.CircuitOpen:
			typ = domain.EventBreakerOpened
		case domain.CircuitClosed:
			typ = domain.EventBreakerClosed
		case domain.CircuitHalfOpen:
			typ = domain.EventBreakerHalfOpen
		}
		r.bus.Publish(context.Background(), typ, map[string]string{"target": target, "from": string(from)})
	}

	if r.store == nil {
		return
	}
	// Persistence is best-effort; breaker correctness never depends on it.
	ctx, cancel := storeContext()
	defer cancel()
	switch to {
	case domain.CircuitOpen:
		if err := r.store.SaveOpen(ctx, target, time.Now().UTC()); err != nil {
			slog.Warn("breaker state persist failed", slog.String("target", target), slog.Any("error", err))
		}
	case domain.CircuitClosed:
		if err := r.store.ClearOpen(ctx, target); err != nil {
			slog.Warn("breaker state clear failed", slog.String("target", target), slog.Any("error", err))
		}
	}
}
