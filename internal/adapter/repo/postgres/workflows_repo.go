package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// WorkflowRepo persists and loads workflow rows from PostgreSQL.
type WorkflowRepo struct{ Pool PgxPool }

// NewWorkflowRepo constructs a WorkflowRepo with the given pool.
func NewWorkflowRepo(p PgxPool) *WorkflowRepo { return &WorkflowRepo{Pool: p} }

// Create inserts a new workflow row.
func (r *WorkflowRepo) Create(ctx domain.Context, w domain.Workflow) error {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.Create")
	defer span.End()

	taskJSON, err := json.Marshal(w.Task)
	if err != nil {
		return fmt.Errorf("op=workflow.create: marshal task: %w", err)
	}
	q := `INSERT INTO workflows (id, task, repos, engine, status, created_at, successful_repos, failed_repos, execution_time_seconds)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = r.Pool.Exec(ctx, q, w.ID, taskJSON, w.Repos, w.Engine, w.Status, w.CreatedAt, []string{}, []byte("[]"), 0.0)
	if err != nil {
		return fmt.Errorf("op=workflow.create: %w", err)
	}
	return nil
}

// MarkRunning transitions a pending workflow to running. Terminal rows are
// never touched.
func (r *WorkflowRepo) MarkRunning(ctx domain.Context, id string, startedAt time.Time) error {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.MarkRunning")
	defer span.End()

	q := `UPDATE workflows SET status=$2, started_at=$3 WHERE id=$1 AND status=$4`
	_, err := r.Pool.Exec(ctx, q, id, domain.WorkflowRunning, startedAt, domain.WorkflowPending)
	if err != nil {
		return fmt.Errorf("op=workflow.mark_running: %w", err)
	}
	return nil
}

// Finalize writes a workflow's terminal state. The guard on non-terminal
// status keeps terminal rows immutable.
func (r *WorkflowRepo) Finalize(ctx domain.Context, w domain.Workflow) error {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.Finalize")
	defer span.End()

	failedJSON, err := json.Marshal(w.FailedRepos)
	if err != nil {
		return fmt.Errorf("op=workflow.finalize: marshal failures: %w", err)
	}
	q := `UPDATE workflows
	      SET status=$2, started_at=$3, completed_at=$4, successful_repos=$5, failed_repos=$6, execution_time_seconds=$7
	      WHERE id=$1 AND status IN ($8,$9)`
	_, err = r.Pool.Exec(ctx, q, w.ID, w.Status, w.StartedAt, w.CompletedAt, w.SuccessfulRepos, failedJSON, w.ExecutionTime,
		domain.WorkflowPending, domain.WorkflowRunning)
	if err != nil {
		return fmt.Errorf("op=workflow.finalize: %w", err)
	}
	return nil
}

// Get loads a workflow by id.
func (r *WorkflowRepo) Get(ctx domain.Context, id string) (domain.Workflow, error) {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.Get")
	defer span.End()

	q := `SELECT id, task, repos, engine, status, created_at, started_at, completed_at, successful_repos, failed_repos, execution_time_seconds
	      FROM workflows WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	w, err := scanWorkflow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Workflow{}, fmt.Errorf("op=workflow.get: %w", domain.ErrNotFound)
		}
		return domain.Workflow{}, fmt.Errorf("op=workflow.get: %w", err)
	}
	return w, nil
}

// List returns workflows matching the filter, newest first.
func (r *WorkflowRepo) List(ctx domain.Context, f domain.WorkflowFilter) ([]domain.Workflow, error) {
	tracer := otel.Tracer("repo.workflows")
	ctx, span := tracer.Start(ctx, "workflows.List")
	defer span.End()

	q := `SELECT id, task, repos, engine, status, created_at, started_at, completed_at, successful_repos, failed_repos, execution_time_seconds
	      FROM workflows WHERE ($1='' OR status=$1) AND ($2='' OR engine=$2)
	      ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, q, string(f.Status), f.Engine, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=workflow.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=workflow.list: scan: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=workflow.list: rows: %w", err)
	}
	return out, nil
}

func scanWorkflow(row pgx.Row) (domain.Workflow, error) {
	var w domain.Workflow
	var taskJSON, failedJSON []byte
	if err := row.Scan(&w.ID, &taskJSON, &w.Repos, &w.Engine, &w.Status, &w.CreatedAt,
		&w.StartedAt, &w.CompletedAt, &w.SuccessfulRepos, &failedJSON, &w.ExecutionTime); err != nil {
		return domain.Workflow{}, err
	}
	if err := json.Unmarshal(taskJSON, &w.Task); err != nil {
		return domain.Workflow{}, err
	}
	if len(failedJSON) > 0 {
		if err := json.Unmarshal(failedJSON, &w.FailedRepos); err != nil {
			return domain.Workflow{}, err
		}
	}
	return w, nil
}
