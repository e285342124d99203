// Package app wires the HTTP router and the background loops.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/mahavishnu/internal/saga"
)

// OrphanSagaSweeper periodically resumes sagas that stalled mid-flight, e.g.
// after a crash or an operator-killed process. It flags and resumes; it never
// aborts on its own.
type OrphanSagaSweeper struct {
	coord     *saga.Coordinator
	orphanAge time.Duration
	interval  time.Duration
}

// NewOrphanSagaSweeper constructs a sweeper.
func NewOrphanSagaSweeper(coord *saga.Coordinator, orphanAge, interval time.Duration) *OrphanSagaSweeper {
	if coord == nil {
		return nil
	}
	if orphanAge <= 0 {
		orphanAge = time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &OrphanSagaSweeper{coord: coord, orphanAge: orphanAge, interval: interval}
}

// Run sweeps once immediately and then on the interval until ctx ends.
func (s *OrphanSagaSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("orphan saga sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *OrphanSagaSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("saga.sweeper")
	ctx, span := tracer.Start(ctx, "OrphanSagaSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("saga.orphan_age_seconds", s.orphanAge.Seconds()))

	cutoff := time.Now().UTC().Add(-s.orphanAge)
	if err := s.coord.Recover(ctx, cutoff); err != nil {
		slog.Warn("orphan saga sweep failed", slog.Any("error", err))
	}
}
