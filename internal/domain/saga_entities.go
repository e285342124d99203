package domain

import (
	"time"
)

// SagaStatus enumerates saga lifecycle states.
type SagaStatus string

const (
	SagaPending      SagaStatus = "pending"
	SagaInProgress   SagaStatus = "in_progress"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaFailed       SagaStatus = "failed"
)

// SagaState is the JSON document a saga accumulates step by step. Step
// deltas are merged in under a namespace keyed by the step name so an
// idempotent re-run can restore a previously recorded delta.
type SagaState map[string]any

// Clone returns a shallow copy one level deep, enough for step isolation.
func (s SagaState) Clone() SagaState {
	out := make(SagaState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Saga is the persistent row of one distributed transaction.
type Saga struct {
	ID               string     `json:"saga_id"`
	Type             string     `json:"saga_type"`
	Status           SagaStatus `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	CompletedSteps   []int      `json:"completed_steps"`
	State            SagaState  `json:"state"`
	RetryCount       int        `json:"retry_count"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SagaStep is the static configuration of one saga step. Identity within a
// saga is position plus name. Execute returns a delta merged into the saga
// state; Compensate consumes the state to undo the step's effects.
type SagaStep struct {
	Name           string
	IdempotencyKey string
	Execute        func(ctx Context, state SagaState) (SagaState, error)
	Compensate     func(ctx Context, state SagaState) error
}

// IdempotencyPhase separates execution records from compensation records.
type IdempotencyPhase string

const (
	PhaseExecute    IdempotencyPhase = "execute"
	PhaseCompensate IdempotencyPhase = "compensate"
)

// SagaRepository (port) persists saga rows and idempotency records. The
// step-completion write (UpdateAfterStep) MUST be atomic with the idempotency
// insert so recovery never observes one without the other.
type SagaRepository interface {
	Create(ctx Context, s Saga) error
	Get(ctx Context, id string) (Saga, error)
	List(ctx Context, status SagaStatus, limit, offset int) ([]Saga, error)
	UpdateStatus(ctx Context, id string, status SagaStatus, errMsg string) error
	// MarkRunning transitions the saga to in_progress and persists the retry
	// count before any step runs. A crash mid-step then leaves a row recovery
	// can see, and every resume durably consumes one retry.
	MarkRunning(ctx Context, id string, retryCount int) error
	// UpdateAfterStep persists state, completed_steps and current_step_index
	// together with the step's idempotency record, in one transaction.
	UpdateAfterStep(ctx Context, s Saga, stepName, idemKey string, phase IdempotencyPhase, delta SagaState) error
	// HasIdempotencyRecord reports whether (saga_id, step_name, key, phase)
	// was already recorded, returning the stored delta when present.
	HasIdempotencyRecord(ctx Context, sagaID, stepName, idemKey string, phase IdempotencyPhase) (SagaState, bool, error)
	// ListUnfinished returns sagas stuck in pending, in_progress or
	// compensating, oldest first, for crash recovery and orphan detection.
	ListUnfinished(ctx Context, olderThan time.Time) ([]Saga, error)
	// WithSagaLock runs fn under an advisory lock keyed on the saga id so the
	// same saga is never resumed concurrently.
	WithSagaLock(ctx Context, sagaID string, fn func(ctx Context) error) error
}
