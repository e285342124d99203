package resilience

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// ResilientAdapter wraps any engine adapter with retry, a per-target circuit
// breaker, and dead-lettering of terminal failures. It satisfies the same
// adapter contract, so decorators compose.
type ResilientAdapter struct {
	inner    domain.EngineAdapter
	breakers *Registry
	retry    *Retry
	dlq      domain.DLQRepository
	bus      domain.EventBus
}

// NewResilientAdapter decorates inner. dlq and bus may be nil in tests.
func NewResilientAdapter(inner domain.EngineAdapter, breakers *Registry, retry *Retry, dlq domain.DLQRepository, bus domain.EventBus) *ResilientAdapter {
	return &ResilientAdapter{inner: inner, breakers: breakers, retry: retry, dlq: dlq, bus: bus}
}

// Name returns the wrapped adapter's name.
func (a *ResilientAdapter) Name() string { return a.inner.Name() }

// Validate delegates to the wrapped adapter.
func (a *ResilientAdapter) Validate(ctx domain.Context, task domain.Task, repos []string) error {
	return a.inner.Validate(ctx, task, repos)
}

// Health delegates to the wrapped adapter.
func (a *ResilientAdapter) Health(ctx domain.Context) domain.AdapterHealth {
	return a.inner.Health(ctx)
}

// Execute runs the wrapped adapter through the breaker and retry executor.
// A terminal failure (retries exhausted, non-retryable error, or an open
// circuit) notifies the breaker, enqueues a DLQ entry, and is re-raised.
func (a *ResilientAdapter) Execute(ctx domain.Context, task domain.Task, repos []string) (domain.AdapterResult, error) {
	target := a.targetKey(repos)
	breaker := a.breakers.GetOrCreate(ctx, target)

	if err := breaker.Allow(); err != nil {
		a.deadLetter(ctx, task, repos, err)
		return domain.AdapterResult{}, err
	}

	var result domain.AdapterResult
	err := a.retry.Do(ctx, task.Idempotent, func(ctx domain.Context) error {
		var execErr error
		result, execErr = a.inner.Execute(ctx, task, repos)
		return execErr
	})
	if err != nil {
		breaker.OnFailure()
		a.deadLetter(ctx, task, repos, err)
		return domain.AdapterResult{}, err
	}

	breaker.OnSuccess()
	return result, nil
}

// targetKey composes the breaker target as "<engine>:<repo>" for single-repo
// calls; multi-repo calls share the engine-wide breaker.
func (a *ResilientAdapter) targetKey(repos []string) string {
	if len(repos) == 1 {
		return a.inner.Name() + ":" + repos[0]
	}
	return a.inner.Name() + ":" + strings.Join(repos, ",")
}

func (a *ResilientAdapter) deadLetter(ctx domain.Context, task domain.Task, repos []string, cause error) {
	if a.dlq == nil {
		return
	}
	entry := domain.DLQEntry{
		ID:         uuid.New().String(),
		WorkflowID: domain.WorkflowIDFrom(ctx),
		Task:       task,
		Repos:      repos,
		Engine:     a.inner.Name(),
		Error:      cause.Error(),
		ErrorKind:  domain.KindOf(cause),
		Timestamp:  time.Now().UTC(),
	}
	if err := a.dlq.Enqueue(ctx, entry); err != nil {
		// Failure to persist is a hard error for the DLQ contract, but the
		// original failure still has to reach the caller; log loudly.
		slog.Error("dlq enqueue failed",
			slog.String("workflow_id", entry.WorkflowID),
			slog.String("engine", entry.Engine),
			slog.Any("error", err))
		return
	}
	if a.bus != nil {
		a.bus.Publish(ctx, domain.EventDLQEnqueued, map[string]string{
			"entry_id":    entry.ID,
			"workflow_id": entry.WorkflowID,
			"engine":      entry.Engine,
			"error_kind":  entry.ErrorKind,
		})
	}
	slog.Warn("terminal failure dead-lettered",
		slog.String("entry_id", entry.ID),
		slog.String("workflow_id", entry.WorkflowID),
		slog.String("error_kind", entry.ErrorKind),
		slog.String("error", fmt.Sprintf("%v", cause)))
}
