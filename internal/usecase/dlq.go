package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// DLQService exposes the dead-letter queue: inspection, replay and retention.
type DLQService struct {
	repo   domain.DLQRepository
	engine *WorkflowService
	bus    domain.EventBus
	maxAge time.Duration
}

// NewDLQService constructs a DLQ service. bus may be nil.
func NewDLQService(repo domain.DLQRepository, engine *WorkflowService, bus domain.EventBus, maxAge time.Duration) *DLQService {
	return &DLQService{repo: repo, engine: engine, bus: bus, maxAge: maxAge}
}

// Get loads one entry.
func (s *DLQService) Get(ctx domain.Context, id string) (domain.DLQEntry, error) {
	return s.repo.Get(ctx, id)
}

// List returns entries matching the filter, newest first.
func (s *DLQService) List(ctx domain.Context, f domain.DLQFilter) ([]domain.DLQEntry, error) {
	return s.repo.List(ctx, f)
}

// Size returns the queue depth.
func (s *DLQService) Size(ctx domain.Context) (int64, error) {
	return s.repo.Size(ctx)
}

// Replay removes the entry and re-runs its task as a fresh workflow. Removal
// comes first so a replay that fails again dead-letters a new entry instead
// of duplicating this one. The breaker stays engaged; an operator replaying
// into a still-open circuit gets the CircuitOpen outcome recorded on the new
// workflow.
func (s *DLQService) Replay(ctx domain.Context, id string) (domain.Workflow, error) {
	tracer := otel.Tracer("usecase.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Replay")
	defer span.End()

	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := s.repo.Remove(ctx, id); err != nil {
		return domain.Workflow{}, err
	}

	w, err := s.engine.Execute(ctx, entry.Task, entry.Repos, entry.Engine, 0)
	if s.bus != nil {
		fields := map[string]string{"entry_id": id, "original_workflow_id": entry.WorkflowID}
		if w.ID != "" {
			fields["workflow_id"] = w.ID
		}
		s.bus.Publish(ctx, domain.EventDLQReplayed, fields)
	}
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("op=dlq.replay: %w", err)
	}
	return w, nil
}

// Purge removes entries older than before.
func (s *DLQService) Purge(ctx domain.Context, before time.Time) (int64, error) {
	return s.repo.Purge(ctx, before)
}

// RunCleanup purges expired entries on the given interval until ctx ends.
func (s *DLQService) RunCleanup(ctx domain.Context, interval time.Duration) {
	if interval <= 0 || s.maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.maxAge)
			purgeCtx, cancel := context.WithTimeout(ctx, time.Minute)
			n, err := s.repo.Purge(purgeCtx, cutoff)
			cancel()
			if err != nil {
				slog.Warn("dlq cleanup failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("dlq cleanup purged entries", slog.Int64("purged", n))
			}
		}
	}
}
