package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// SagaRepo persists saga rows and step idempotency records. The
// step-completion write is transactional: the saga row and the idempotency
// record land together or not at all, so recovery never observes one without
// the other.
type SagaRepo struct{ Pool PgxPool }

// NewSagaRepo constructs a SagaRepo with the given pool.
func NewSagaRepo(p PgxPool) *SagaRepo { return &SagaRepo{Pool: p} }

// Create inserts a new saga row.
func (r *SagaRepo) Create(ctx domain.Context, s domain.Saga) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Create")
	defer span.End()

	stateJSON, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("op=saga.create: marshal state: %w", err)
	}
	q := `INSERT INTO sagas (id, saga_type, status, current_step_index, completed_steps, state, retry_count, error_message, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = r.Pool.Exec(ctx, q, s.ID, s.Type, s.Status, s.CurrentStepIndex, s.CompletedSteps, stateJSON, s.RetryCount, s.ErrorMessage, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=saga.create: %w", err)
	}
	return nil
}

// Get loads a saga by id.
func (r *SagaRepo) Get(ctx domain.Context, id string) (domain.Saga, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Get")
	defer span.End()

	q := `SELECT id, saga_type, status, current_step_index, completed_steps, state, retry_count, error_message, created_at, updated_at
	      FROM sagas WHERE id=$1`
	s, err := scanSaga(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Saga{}, fmt.Errorf("op=saga.get: %w", domain.ErrNotFound)
		}
		return domain.Saga{}, fmt.Errorf("op=saga.get: %w", err)
	}
	return s, nil
}

// List returns sagas with the given status, newest first. An empty status
// matches all.
func (r *SagaRepo) List(ctx domain.Context, status domain.SagaStatus, limit, offset int) ([]domain.Saga, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.List")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, saga_type, status, current_step_index, completed_steps, state, retry_count, error_message, created_at, updated_at
	      FROM sagas WHERE ($1='' OR status=$1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=saga.list: %w", err)
	}
	defer rows.Close()
	return collectSagas(rows, "op=saga.list")
}

// UpdateStatus transitions a saga's status and error message.
func (r *SagaRepo) UpdateStatus(ctx domain.Context, id string, status domain.SagaStatus, errMsg string) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.UpdateStatus")
	defer span.End()

	q := `UPDATE sagas SET status=$2, error_message=$3, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errMsg); err != nil {
		return fmt.Errorf("op=saga.update_status: %w", err)
	}
	return nil
}

// MarkRunning transitions a saga to in_progress and persists its retry count
// before the coordinator executes any step.
func (r *SagaRepo) MarkRunning(ctx domain.Context, id string, retryCount int) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.MarkRunning")
	defer span.End()

	q := `UPDATE sagas SET status=$2, retry_count=$3, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, domain.SagaInProgress, retryCount); err != nil {
		return fmt.Errorf("op=saga.mark_running: %w", err)
	}
	return nil
}

// UpdateAfterStep persists the saga row (state, completed_steps,
// current_step_index, retry_count) and the step's idempotency record in one
// transaction.
func (r *SagaRepo) UpdateAfterStep(ctx domain.Context, s domain.Saga, stepName, idemKey string, phase domain.IdempotencyPhase, delta domain.SagaState) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.UpdateAfterStep")
	defer span.End()

	stateJSON, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("op=saga.update_after_step: marshal state: %w", err)
	}
	deltaJSON, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("op=saga.update_after_step: marshal delta: %w", err)
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=saga.update_after_step: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	q := `UPDATE sagas
	      SET status=$2, current_step_index=$3, completed_steps=$4, state=$5, retry_count=$6, error_message=$7, updated_at=now()
	      WHERE id=$1`
	if _, err := tx.Exec(ctx, q, s.ID, s.Status, s.CurrentStepIndex, s.CompletedSteps, stateJSON, s.RetryCount, s.ErrorMessage); err != nil {
		return fmt.Errorf("op=saga.update_after_step: update: %w", err)
	}
	iq := `INSERT INTO saga_idempotency (saga_id, step_name, idempotency_key, phase, delta, recorded_at)
	       VALUES ($1,$2,$3,$4,$5,now())
	       ON CONFLICT (saga_id, step_name, idempotency_key, phase) DO NOTHING`
	if _, err := tx.Exec(ctx, iq, s.ID, stepName, idemKey, phase, deltaJSON); err != nil {
		return fmt.Errorf("op=saga.update_after_step: idempotency: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=saga.update_after_step: commit: %w", err)
	}
	return nil
}

// HasIdempotencyRecord reports whether the (saga, step, key, phase) tuple was
// already recorded, returning the stored delta when present.
func (r *SagaRepo) HasIdempotencyRecord(ctx domain.Context, sagaID, stepName, idemKey string, phase domain.IdempotencyPhase) (domain.SagaState, bool, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.HasIdempotencyRecord")
	defer span.End()

	q := `SELECT delta FROM saga_idempotency WHERE saga_id=$1 AND step_name=$2 AND idempotency_key=$3 AND phase=$4`
	var deltaJSON []byte
	err := r.Pool.QueryRow(ctx, q, sagaID, stepName, idemKey, phase).Scan(&deltaJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("op=saga.idempotency_lookup: %w", err)
	}
	var delta domain.SagaState
	if len(deltaJSON) > 0 {
		if err := json.Unmarshal(deltaJSON, &delta); err != nil {
			return nil, false, fmt.Errorf("op=saga.idempotency_lookup: unmarshal: %w", err)
		}
	}
	return delta, true, nil
}

// ListUnfinished returns sagas stuck in pending, in_progress or compensating
// whose last update is older than the cutoff, oldest first. Pending rows are
// included because a crash between saga creation and the in_progress
// transition would otherwise freeze them forever.
func (r *SagaRepo) ListUnfinished(ctx domain.Context, olderThan time.Time) ([]domain.Saga, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.ListUnfinished")
	defer span.End()

	q := `SELECT id, saga_type, status, current_step_index, completed_steps, state, retry_count, error_message, created_at, updated_at
	      FROM sagas WHERE status IN ($1,$2,$3) AND updated_at < $4 ORDER BY updated_at ASC`
	rows, err := r.Pool.Query(ctx, q, domain.SagaPending, domain.SagaInProgress, domain.SagaCompensating, olderThan)
	if err != nil {
		return nil, fmt.Errorf("op=saga.list_unfinished: %w", err)
	}
	defer rows.Close()
	return collectSagas(rows, "op=saga.list_unfinished")
}

// WithSagaLock runs fn under a session-level advisory lock keyed on the saga
// id so the same saga is never resumed concurrently across processes. The
// lock is held on a dedicated connection for the duration of fn.
func (r *SagaRepo) WithSagaLock(ctx domain.Context, sagaID string, fn func(ctx domain.Context) error) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.WithSagaLock")
	defer span.End()

	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("op=saga.lock: acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, sagaID); err != nil {
		return fmt.Errorf("op=saga.lock: %w", err)
	}
	defer func() {
		// Unlock on the same session; best effort since releasing the
		// connection also drops session locks.
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, sagaID)
	}()

	return fn(ctx)
}

func collectSagas(rows pgx.Rows, op string) ([]domain.Saga, error) {
	var out []domain.Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return out, nil
}

func scanSaga(row pgx.Row) (domain.Saga, error) {
	var s domain.Saga
	var stateJSON []byte
	if err := row.Scan(&s.ID, &s.Type, &s.Status, &s.CurrentStepIndex, &s.CompletedSteps,
		&stateJSON, &s.RetryCount, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Saga{}, err
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &s.State); err != nil {
			return domain.Saga{}, err
		}
	}
	return s, nil
}
