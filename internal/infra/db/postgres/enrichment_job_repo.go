package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"crm-enrichment/internal/domain"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/repository"
)

var _ repository.JobRecordRepository = (*enrichmentJobRepo)(nil)

type enrichmentJobRepo struct {
	pool *pgxpool.Pool
}

func NewEnrichmentJobRepo(pool *pgxpool.Pool) *enrichmentJobRepo {
	return &enrichmentJobRepo{pool: pool}
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

const jobColumns = `handle_id, workflow, tracker_key, job_id, state, attempts, last_error, payload, submitted_at, finished_at`

// Save is idempotent per handle: the first terminal record wins.
func (r *enrichmentJobRepo) Save(ctx context.Context, tx repository.Tx, rec *model.JobRecord) error {
	if rec == nil || rec.HandleID == "" {
		return fmt.Errorf("%w: job record needs a handle id", domain.ErrInvalidArgument)
	}
	const q = `
INSERT INTO enrichment_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (handle_id) DO NOTHING;`

	_, err := execSQL(ctx, r.pool, tx, q,
		rec.HandleID, rec.Workflow, rec.TrackerKey, rec.JobID, string(rec.State),
		rec.Attempts, rec.LastError, nullableJSON(rec.Payload), rec.SubmittedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("%w: save enrichment job: %v", domain.ErrOperationFailed, err)
	}
	return nil
}

func (r *enrichmentJobRepo) FindByHandleID(ctx context.Context, tx repository.Tx, handleID string) (*model.JobRecord, error) {
	const q = `SELECT ` + jobColumns + ` FROM enrichment_jobs WHERE handle_id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, handleID)
	if err != nil {
		return nil, err
	}
	rec, err := scanJobRecord(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (r *enrichmentJobRepo) ListByKey(ctx context.Context, tx repository.Tx, workflow, key string, limit int) ([]*model.JobRecord, error) {
	limit = historyLimit(limit)
	const q = `
SELECT ` + jobColumns + `
FROM enrichment_jobs
WHERE workflow = $1 AND tracker_key = $2
ORDER BY finished_at DESC
LIMIT $3;`

	rows, err := queryRows(ctx, r.pool, tx, q, workflow, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.JobRecord
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep records of one tracker and deletes the rest.
func (r *enrichmentJobRepo) Prune(ctx context.Context, tx repository.Tx, workflow, key string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("%w: keep must be positive", domain.ErrInvalidArgument)
	}
	const q = `
DELETE FROM enrichment_jobs
WHERE workflow = $1 AND tracker_key = $2
  AND handle_id NOT IN (
    SELECT handle_id FROM enrichment_jobs
    WHERE workflow = $1 AND tracker_key = $2
    ORDER BY finished_at DESC
    LIMIT $3
  );`
	tag, err := execSQL(ctx, r.pool, tx, q, workflow, key, keep)
	if err != nil {
		return 0, fmt.Errorf("%w: prune enrichment jobs: %v", domain.ErrOperationFailed, err)
	}
	return tag.RowsAffected(), nil
}

func scanJobRecord(row pgx.Row) (*model.JobRecord, error) {
	var (
		rec     model.JobRecord
		state   string
		payload []byte
	)
	if err := row.Scan(
		&rec.HandleID, &rec.Workflow, &rec.TrackerKey, &rec.JobID, &state,
		&rec.Attempts, &rec.LastError, &payload, &rec.SubmittedAt, &rec.FinishedAt,
	); err != nil {
		return nil, err
	}
	rec.State = model.TrackerState(state)
	if len(payload) > 0 {
		rec.Payload = json.RawMessage(payload)
	}
	return &rec, nil
}

func nullableJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func historyLimit(n int) int {
	if n <= 0 || n > maxHistoryLimit {
		return defaultHistoryLimit
	}
	return n
}
