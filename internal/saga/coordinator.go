// Package saga implements the saga coordinator: persistent multi-step
// transactions with idempotent steps and best-effort compensation.
//
// A saga definition is a named, ordered list of steps registered at startup.
// Progress is persisted after every step together with the step's idempotency
// record in one transaction, so a crash between any two writes is recoverable
// without double-applying effects.
package saga

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
	"github.com/fairyhunter13/mahavishnu/internal/resilience"
)

// Definition is a registered saga type: an ordered list of steps.
type Definition struct {
	Type  string
	Steps []domain.SagaStep
}

// Coordinator runs sagas. One instance serves all saga types; per-saga
// serialization comes from the repository's advisory lock.
type Coordinator struct {
	repo       domain.SagaRepository
	bus        domain.EventBus
	breakers   *resilience.Registry
	retry      *resilience.Retry
	maxRetries int

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCoordinator constructs a coordinator. bus may be nil.
func NewCoordinator(repo domain.SagaRepository, bus domain.EventBus, breakers *resilience.Registry, retry *resilience.Retry, maxRetries int) *Coordinator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Coordinator{
		repo:       repo,
		bus:        bus,
		breakers:   breakers,
		retry:      retry,
		maxRetries: maxRetries,
		defs:       make(map[string]Definition),
	}
}

// Register adds a saga definition. Step names must be unique within the
// definition and every step needs both callbacks.
func (c *Coordinator) Register(def Definition) error {
	if err := domain.ValidateIdentifier(def.Type); err != nil {
		return fmt.Errorf("op=saga.register: type: %w", err)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("op=saga.register: type=%s has no steps: %w", def.Type, domain.ErrValidation)
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, st := range def.Steps {
		if err := domain.ValidateIdentifier(st.Name); err != nil {
			return fmt.Errorf("op=saga.register: step name: %w", err)
		}
		if seen[st.Name] {
			return fmt.Errorf("op=saga.register: duplicate step %q: %w", st.Name, domain.ErrValidation)
		}
		seen[st.Name] = true
		if st.Execute == nil || st.Compensate == nil {
			return fmt.Errorf("op=saga.register: step %q missing callback: %w", st.Name, domain.ErrValidation)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Type] = def
	return nil
}

// Start creates a new saga row and drives it to a terminal state. A saga id
// that already exists resumes the existing saga instead, which makes Start
// itself idempotent.
func (c *Coordinator) Start(ctx domain.Context, sagaType, sagaID string, initial domain.SagaState) (domain.Saga, error) {
	tracer := otel.Tracer("saga.coordinator")
	ctx, span := tracer.Start(ctx, "saga.Start")
	defer span.End()

	if err := domain.ValidateIdentifier(sagaID); err != nil {
		return domain.Saga{}, fmt.Errorf("op=saga.start: id: %w", err)
	}
	if _, ok := c.definition(sagaType); !ok {
		return domain.Saga{}, fmt.Errorf("op=saga.start: unknown saga type %q: %w", sagaType, domain.ErrValidation)
	}

	if existing, err := c.repo.Get(ctx, sagaID); err == nil {
		return c.Resume(ctx, existing.ID)
	}

	now := time.Now().UTC()
	s := domain.Saga{
		ID:        sagaID,
		Type:      sagaType,
		Status:    domain.SagaPending,
		State:     initial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.State == nil {
		s.State = domain.SagaState{}
	}
	if err := c.repo.Create(ctx, s); err != nil {
		return domain.Saga{}, err
	}
	c.publish(ctx, domain.EventSagaCreated, s.ID, s.Type, "")
	return c.Resume(ctx, s.ID)
}

// Resume drives a saga from its persisted position to a terminal state. It is
// safe to call concurrently; the advisory lock serializes resumers and the
// loser re-reads the row the winner already advanced.
func (c *Coordinator) Resume(ctx domain.Context, sagaID string) (domain.Saga, error) {
	tracer := otel.Tracer("saga.coordinator")
	ctx, span := tracer.Start(ctx, "saga.Resume")
	defer span.End()

	var out domain.Saga
	err := c.repo.WithSagaLock(ctx, sagaID, func(ctx domain.Context) error {
		s, err := c.repo.Get(ctx, sagaID)
		if err != nil {
			return err
		}
		out, err = c.run(ctx, s)
		return err
	})
	return out, err
}

// Recover resumes every unfinished saga, oldest first. Called once at startup
// and periodically by the orphan sweeper.
func (c *Coordinator) Recover(ctx domain.Context, olderThan time.Time) error {
	sagas, err := c.repo.ListUnfinished(ctx, olderThan)
	if err != nil {
		return err
	}
	for _, s := range sagas {
		slog.Info("recovering saga",
			slog.String("saga_id", s.ID),
			slog.String("saga_type", s.Type),
			slog.String("status", string(s.Status)))
		if _, err := c.Resume(ctx, s.ID); err != nil {
			slog.Warn("saga recovery failed", slog.String("saga_id", s.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (c *Coordinator) run(ctx domain.Context, s domain.Saga) (domain.Saga, error) {
	switch s.Status {
	case domain.SagaCompleted, domain.SagaFailed:
		return s, nil
	}

	def, ok := c.definition(s.Type)
	if !ok {
		return s, fmt.Errorf("op=saga.run: no definition for type %q: %w", s.Type, domain.ErrInternal)
	}

	if s.Status == domain.SagaCompensating {
		return c.compensate(ctx, s, def, s.ErrorMessage)
	}

	// A saga repeatedly crashing mid-step eventually gives up and unwinds.
	if s.Status == domain.SagaInProgress && s.RetryCount >= c.maxRetries {
		return c.compensate(ctx, s, def, "retry budget exhausted")
	}
	if s.Status == domain.SagaInProgress {
		s.RetryCount++
	}
	s.Status = domain.SagaInProgress
	// The transition is persisted before any step runs: a crash mid-step
	// leaves an in_progress row recovery picks up, and the retry budget
	// survives the crash.
	if err := c.repo.MarkRunning(ctx, s.ID, s.RetryCount); err != nil {
		return s, err
	}

	if s.State == nil {
		s.State = domain.SagaState{}
	}

	for i := s.CurrentStepIndex; i < len(def.Steps); i++ {
		step := def.Steps[i]

		delta, recorded, err := c.repo.HasIdempotencyRecord(ctx, s.ID, step.Name, step.IdempotencyKey, domain.PhaseExecute)
		if err != nil {
			return s, err
		}
		if !recorded {
			delta, err = c.executeStep(ctx, s, step)
			if err != nil {
				s.ErrorMessage = err.Error()
				c.publish(ctx, domain.EventSagaStepFailed, s.ID, s.Type, step.Name)
				return c.compensate(ctx, s, def, err.Error())
			}
		}

		if delta != nil {
			s.State[step.Name] = map[string]any(delta)
		}
		s.CompletedSteps = append(s.CompletedSteps, i)
		s.CurrentStepIndex = i + 1
		if s.CurrentStepIndex == len(def.Steps) {
			s.Status = domain.SagaCompleted
		}
		if err := c.repo.UpdateAfterStep(ctx, s, step.Name, step.IdempotencyKey, domain.PhaseExecute, delta); err != nil {
			return s, err
		}
		c.publish(ctx, domain.EventSagaStepSucceeded, s.ID, s.Type, step.Name)
	}

	c.publish(ctx, domain.EventSagaCompleted, s.ID, s.Type, "")
	return s, nil
}

// executeStep runs one step's Execute behind its circuit breaker and the
// retry executor. Steps carry idempotency keys, so re-dispatch after a lost
// worker is safe.
func (c *Coordinator) executeStep(ctx domain.Context, s domain.Saga, step domain.SagaStep) (domain.SagaState, error) {
	target := "saga:" + s.Type + ":" + step.Name

	var br *resilience.Breaker
	if c.breakers != nil {
		br = c.breakers.GetOrCreate(ctx, target)
		if err := br.Allow(); err != nil {
			return nil, fmt.Errorf("op=saga.step: %s: %w", step.Name, err)
		}
	}

	var delta domain.SagaState
	fn := func(ctx domain.Context) error {
		var err error
		delta, err = step.Execute(ctx, s.State.Clone())
		return err
	}

	var err error
	if c.retry != nil {
		err = c.retry.Do(ctx, true, fn)
	} else {
		err = fn(ctx)
	}

	if br != nil {
		if err != nil {
			br.OnFailure()
		} else {
			br.OnSuccess()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("op=saga.step: %s: %w: %w", step.Name, domain.ErrSagaStepFailed, err)
	}
	return delta, nil
}

// compensate unwinds completed steps in reverse order. Compensation is
// best-effort: a failing compensator is logged and skipped so the rest of the
// unwind still runs. The saga always ends failed.
func (c *Coordinator) compensate(ctx domain.Context, s domain.Saga, def Definition, reason string) (domain.Saga, error) {
	if s.Status != domain.SagaCompensating {
		s.Status = domain.SagaCompensating
		s.ErrorMessage = reason
		if err := c.repo.UpdateStatus(ctx, s.ID, domain.SagaCompensating, reason); err != nil {
			return s, err
		}
		c.publish(ctx, domain.EventSagaCompensating, s.ID, s.Type, "")
	}

	for i := len(s.CompletedSteps) - 1; i >= 0; i-- {
		idx := s.CompletedSteps[i]
		if idx < 0 || idx >= len(def.Steps) {
			continue
		}
		step := def.Steps[idx]

		_, done, err := c.repo.HasIdempotencyRecord(ctx, s.ID, step.Name, step.IdempotencyKey, domain.PhaseCompensate)
		if err != nil {
			return s, err
		}
		if done {
			continue
		}

		if cerr := step.Compensate(ctx, s.State.Clone()); cerr != nil {
			slog.Error("saga compensation step failed",
				slog.String("saga_id", s.ID),
				slog.String("step", step.Name),
				slog.Any("error", cerr))
			continue
		}
		if err := c.repo.UpdateAfterStep(ctx, s, step.Name, step.IdempotencyKey, domain.PhaseCompensate, nil); err != nil {
			return s, err
		}
	}

	s.Status = domain.SagaFailed
	if err := c.repo.UpdateStatus(ctx, s.ID, domain.SagaFailed, s.ErrorMessage); err != nil {
		return s, err
	}
	c.publish(ctx, domain.EventSagaFailed, s.ID, s.Type, "")
	return s, fmt.Errorf("op=saga.run: saga %s failed: %s: %w", s.ID, s.ErrorMessage, domain.ErrSagaStepFailed)
}

func (c *Coordinator) definition(sagaType string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[sagaType]
	return def, ok
}

func (c *Coordinator) publish(ctx domain.Context, typ domain.EventType, sagaID, sagaType, step string) {
	if c.bus == nil {
		return
	}
	fields := map[string]string{"saga_id": sagaID, "saga_type": sagaType}
	if step != "" {
		fields["step"] = step
	}
	c.bus.Publish(ctx, typ, fields)
}
