package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

// DLQRepo is the durable dead-letter store. Writes are serialized by the
// database; listings are ordered by timestamp, newest first.
type DLQRepo struct{ Pool PgxPool }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

// Enqueue writes one durable entry. Failure to persist is a hard error
// surfaced to the caller.
func (r *DLQRepo) Enqueue(ctx domain.Context, e domain.DLQEntry) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Enqueue")
	defer span.End()

	taskJSON, err := json.Marshal(e.Task)
	if err != nil {
		return fmt.Errorf("op=dlq.enqueue: marshal task: %w", err)
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("op=dlq.enqueue: marshal metadata: %w", err)
	}
	q := `INSERT INTO dlq_entries (id, workflow_id, task, repos, engine, error, error_kind, ts, metadata)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = r.Pool.Exec(ctx, q, e.ID, e.WorkflowID, taskJSON, e.Repos, e.Engine, e.Error, e.ErrorKind, e.Timestamp, metaJSON)
	if err != nil {
		return fmt.Errorf("op=dlq.enqueue: %w", err)
	}
	return nil
}

// Get loads one entry by id.
func (r *DLQRepo) Get(ctx domain.Context, id string) (domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Get")
	defer span.End()

	q := `SELECT id, workflow_id, task, repos, engine, error, error_kind, ts, metadata FROM dlq_entries WHERE id=$1`
	e, err := scanDLQEntry(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
		}
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return e, nil
}

// List returns entries matching the filter, newest first.
func (r *DLQRepo) List(ctx domain.Context, f domain.DLQFilter) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.List")
	defer span.End()

	q := `SELECT id, workflow_id, task, repos, engine, error, error_kind, ts, metadata
	      FROM dlq_entries
	      WHERE ($1='' OR workflow_id=$1) AND ($2='' OR engine=$2) AND ($3='' OR error_kind=$3)
	      ORDER BY ts DESC LIMIT $4 OFFSET $5`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, q, f.WorkflowID, f.Engine, f.ErrorKind, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	defer rows.Close()

	var out []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=dlq.list: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.list: rows: %w", err)
	}
	return out, nil
}

// Remove deletes one entry; removing a missing entry is not an error so
// replay stays idempotent on the DLQ side.
func (r *DLQRepo) Remove(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Remove")
	defer span.End()

	if _, err := r.Pool.Exec(ctx, `DELETE FROM dlq_entries WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=dlq.remove: %w", err)
	}
	return nil
}

// Purge deletes entries older than before and reports how many went away.
func (r *DLQRepo) Purge(ctx domain.Context, before time.Time) (int64, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Purge")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM dlq_entries WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("op=dlq.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Size returns the number of entries.
func (r *DLQRepo) Size(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Size")
	defer span.End()

	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM dlq_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dlq.size: %w", err)
	}
	return n, nil
}

func scanDLQEntry(row pgx.Row) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	var taskJSON, metaJSON []byte
	if err := row.Scan(&e.ID, &e.WorkflowID, &taskJSON, &e.Repos, &e.Engine, &e.Error, &e.ErrorKind, &e.Timestamp, &metaJSON); err != nil {
		return domain.DLQEntry{}, err
	}
	if err := json.Unmarshal(taskJSON, &e.Task); err != nil {
		return domain.DLQEntry{}, err
	}
	if len(metaJSON) > 0 && string(metaJSON) != "null" {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return domain.DLQEntry{}, err
		}
	}
	return e, nil
}
