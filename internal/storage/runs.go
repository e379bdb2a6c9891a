package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storewise-ai/storewise/internal/model"
)

const runColumns = `id, project_id, playbook_id, run_type, scope_id, rules_hash, idempotency_key,
	 status, failure_reason, created_by_user_id, meta, attempts, locked_until, created_at, started_at, completed_at`

// CreateRunParams carries everything needed to insert a run.
type CreateRunParams struct {
	ProjectID      uuid.UUID
	PlaybookID     uuid.UUID
	RunType        model.RunType
	ScopeID        string
	RulesHash      string
	IdempotencyKey string
	CreatedBy      uuid.UUID
	Meta           map[string]any
}

// CreateRun inserts a run with status queued, deduplicating on the
// idempotency key. The insert-if-absent races through the partial unique
// index runs_active_idempotency: when another caller already holds an
// active (non-failed) run for the key, no row is written and the existing
// run is returned with created=false.
func (db *DB) CreateRun(ctx context.Context, p CreateRunParams) (model.Run, bool, error) {
	run := model.Run{
		ID:              uuid.New(),
		ProjectID:       p.ProjectID,
		PlaybookID:      p.PlaybookID,
		RunType:         p.RunType,
		ScopeID:         p.ScopeID,
		RulesHash:       p.RulesHash,
		IdempotencyKey:  p.IdempotencyKey,
		Status:          model.RunStatusQueued,
		CreatedByUserID: p.CreatedBy,
		Meta:            p.Meta,
		CreatedAt:       time.Now().UTC(),
	}
	if run.Meta == nil {
		run.Meta = map[string]any{}
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, project_id, playbook_id, run_type, scope_id, rules_hash,
		                   idempotency_key, status, created_by_user_id, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (project_id, idempotency_key) WHERE status <> 'failed' DO NOTHING`,
		run.ID, run.ProjectID, run.PlaybookID, string(run.RunType), run.ScopeID, run.RulesHash,
		run.IdempotencyKey, string(run.Status), run.CreatedByUserID, run.Meta, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: create run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return run, true, nil
	}

	// Someone else won the race (or an active run already existed): re-fetch.
	existing, err := db.GetActiveRunByKey(ctx, p.ProjectID, p.IdempotencyKey)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: fetch deduped run: %w", err)
	}
	return existing, false, nil
}

// GetActiveRunByKey returns the non-failed run holding the idempotency key.
func (db *DB) GetActiveRunByKey(ctx context.Context, projectID uuid.UUID, key string) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_id = $1 AND idempotency_key = $2 AND status <> 'failed'`,
		projectID, key,
	)
	return scanRun(row)
}

// GetRun retrieves a run by ID, scoped to the given project.
func (db *DB) GetRun(ctx context.Context, projectID, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND project_id = $2`,
		id, projectID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ClaimRun transitions a queued run to running. Returns false when the run
// is already running or terminal, which makes redelivered queue messages
// no-ops: the worker claims before executing and skips on false.
func (db *DB) ClaimRun(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = now(), attempts = attempts + 1
		 WHERE id = $1 AND status = 'queued'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimQueuedRuns atomically claims up to limit queued runs for execution,
// oldest first. SKIP LOCKED keeps concurrent workers from fighting over the
// same rows. Each claim carries a lease: a running run whose locked_until has
// passed belongs to a worker that died mid-execution and is reclaimed along
// with the queued ones. Inline claims via ClaimRun carry no lease and are
// never reclaimed.
func (db *DB) ClaimQueuedRuns(ctx context.Context, limit int, lease time.Duration) ([]model.Run, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id FROM runs
		 WHERE status = 'queued'
		    OR (status = 'running' AND locked_until IS NOT NULL AND locked_until < now())
		 ORDER BY created_at ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select queued runs: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan queued run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read queued runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed, err := tx.Query(ctx,
		`UPDATE runs SET status = 'running', started_at = now(), attempts = attempts + 1, locked_until = $2
		 WHERE id = ANY($1)
		   AND (status = 'queued'
		        OR (status = 'running' AND locked_until IS NOT NULL AND locked_until < now()))
		 RETURNING `+runColumns,
		ids, time.Now().UTC().Add(lease),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: mark runs running: %w", err)
	}
	runs, err := scanRuns(claimed)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return runs, nil
}

// CompleteRun marks a running run as succeeded or failed. Terminal runs are
// immutable: completing a run twice affects zero rows and errors.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, failureReason *string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: complete run: %q is not a terminal status", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, failure_reason = $2, completed_at = now(), locked_until = NULL
		 WHERE id = $3 AND status = 'running'`,
		string(status), failureReason, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run not running or already completed: %s", id)
	}
	return nil
}

// ListRuns returns runs for a project with optional filters, newest first.
func (db *DB) ListRuns(ctx context.Context, projectID uuid.UUID, f model.RunFilters, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE project_id = $1`
	args := []any{projectID}
	if f.PlaybookID != nil {
		args = append(args, *f.PlaybookID)
		where += fmt.Sprintf(` AND playbook_id = $%d`, len(args))
	}
	if f.RunType != nil {
		args = append(args, string(*f.RunType))
		where += fmt.Sprintf(` AND run_type = $%d`, len(args))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs `+where+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// QueueDepth counts runs waiting for a worker.
func (db *DB) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE status = 'queued'`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("storage: queue depth: %w", err)
	}
	return depth, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.PlaybookID, &r.RunType, &r.ScopeID, &r.RulesHash, &r.IdempotencyKey,
		&r.Status, &r.FailureReason, &r.CreatedByUserID, &r.Meta, &r.Attempts, &r.LockedUntil,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt,
	)
	return r, err
}

func scanRuns(rows pgx.Rows) ([]model.Run, error) {
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
