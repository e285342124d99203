package domain

import (
	"context"
	"errors"
)

// Sentinel errors classify every failure the orchestrator surfaces. Wrap them
// with fmt.Errorf("op=...: %w", Err...) and match with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrPermission      = errors.New("permission denied")
	ErrTimeout         = errors.New("operation timed out")
	ErrTransient       = errors.New("transient failure")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrWorkerLost      = errors.New("worker lost")
	ErrPoolUnavailable = errors.New("pool unavailable")
	ErrSagaStepFailed  = errors.New("saga step failed")
	ErrInternal        = errors.New("internal error")
)

// KindOf maps an error chain to its kind name. Unknown errors are Internal.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "Validation"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrPermission):
		return "Permission"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, ErrTransient):
		return "Transient"
	case errors.Is(err, ErrCircuitOpen):
		return "CircuitOpen"
	case errors.Is(err, ErrWorkerLost):
		return "WorkerLost"
	case errors.Is(err, ErrPoolUnavailable):
		return "PoolUnavailable"
	case errors.Is(err, ErrSagaStepFailed):
		return "SagaStepFailed"
	default:
		return "Internal"
	}
}

// Retryable reports whether a failed call may be retried. Timeouts and
// transient failures always are; a lost worker is only safe to retry when the
// task declares itself idempotent. Everything else surfaces immediately.
func Retryable(err error, taskIdempotent bool) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrTransient):
		return true
	case errors.Is(err, ErrWorkerLost):
		return taskIdempotent
	default:
		return false
	}
}
