package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/storewise-ai/storewise/internal/model"
)

// ErrPendingApprovalExists is returned when an approval is requested for a
// resource that already has one awaiting a decision.
var ErrPendingApprovalExists = errors.New("storage: pending approval already exists for resource")

const approvalColumns = `id, project_id, resource_type, resource_id, status,
	 requested_by, decided_by, consumed_at, created_at, updated_at`

// CreateApproval opens a pending approval for a guarded operation. The
// partial unique index approvals_pending_resource allows at most one pending
// record per resource; a second request surfaces ErrPendingApprovalExists.
func (db *DB) CreateApproval(ctx context.Context, projectID uuid.UUID, resourceType, resourceID string, requestedBy uuid.UUID) (model.Approval, error) {
	now := time.Now().UTC()
	a := model.Approval{
		ID:           uuid.New(),
		ProjectID:    projectID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       model.ApprovalStatusPending,
		RequestedBy:  requestedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO approvals (id, project_id, resource_type, resource_id, status, requested_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ProjectID, a.ResourceType, a.ResourceID, string(a.Status), a.RequestedBy, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Approval{}, ErrPendingApprovalExists
		}
		return model.Approval{}, fmt.Errorf("storage: create approval: %w", err)
	}
	return a, nil
}

// GetApproval retrieves an approval by ID, scoped to the given project.
func (db *DB) GetApproval(ctx context.Context, projectID, id uuid.UUID) (model.Approval, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1 AND project_id = $2`,
		id, projectID,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		return model.Approval{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return a, nil
}

// DecideApproval moves a pending approval to approved or rejected. Deciding
// a non-pending approval affects zero rows and returns ErrNotFound, which
// keeps decisions single-shot.
func (db *DB) DecideApproval(ctx context.Context, projectID, id uuid.UUID, status model.ApprovalStatus, decidedBy uuid.UUID) (model.Approval, error) {
	if status != model.ApprovalStatusApproved && status != model.ApprovalStatusRejected {
		return model.Approval{}, fmt.Errorf("storage: decide approval: invalid decision %q", status)
	}
	row := db.pool.QueryRow(ctx,
		`UPDATE approvals SET status = $1, decided_by = $2, updated_at = now()
		 WHERE id = $3 AND project_id = $4 AND status = 'pending'
		 RETURNING `+approvalColumns,
		string(status), decidedBy, id, projectID,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		return model.Approval{}, fmt.Errorf("storage: decide approval: %w", err)
	}
	return a, nil
}

// GetValidApproval returns the approval if it is approved, unconsumed, and
// matches the guarded resource. A consumed, rejected, or mismatched approval
// is indistinguishable from a missing one: ErrNotFound either way.
func (db *DB) GetValidApproval(ctx context.Context, projectID, id uuid.UUID, resourceType, resourceID string) (model.Approval, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE id = $1 AND project_id = $2 AND resource_type = $3 AND resource_id = $4
		   AND status = 'approved'`,
		id, projectID, resourceType, resourceID,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		return model.Approval{}, fmt.Errorf("storage: get valid approval: %w", err)
	}
	return a, nil
}

// GetValidApprovalForResource returns the newest approved, unconsumed
// approval covering the guarded resource. Callers that do not know an
// approval ID authorize through this lookup instead.
func (db *DB) GetValidApprovalForResource(ctx context.Context, projectID uuid.UUID, resourceType, resourceID string) (model.Approval, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE project_id = $1 AND resource_type = $2 AND resource_id = $3
		   AND status = 'approved'
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		projectID, resourceType, resourceID,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		return model.Approval{}, fmt.Errorf("storage: get valid approval for resource: %w", err)
	}
	return a, nil
}

// GetPendingApproval returns the resource's awaiting-decision approval. The
// partial unique index approvals_pending_resource guarantees at most one.
func (db *DB) GetPendingApproval(ctx context.Context, projectID uuid.UUID, resourceType, resourceID string) (model.Approval, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE project_id = $1 AND resource_type = $2 AND resource_id = $3
		   AND status = 'pending'`,
		projectID, resourceType, resourceID,
	)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Approval{}, ErrNotFound
		}
		return model.Approval{}, fmt.Errorf("storage: get pending approval: %w", err)
	}
	return a, nil
}

// ConsumeApproval marks an approved approval as consumed. Only an approved
// record transitions; a second consume affects zero rows and reports false,
// so the caller can treat replays as already-done.
func (db *DB) ConsumeApproval(ctx context.Context, projectID, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE approvals SET status = 'consumed', consumed_at = now(), updated_at = now()
		 WHERE id = $1 AND project_id = $2 AND status = 'approved'`,
		id, projectID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: consume approval: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListApprovals returns a project's approvals, newest activity first.
func (db *DB) ListApprovals(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]model.Approval, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM approvals WHERE project_id = $1`, projectID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count approvals: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE project_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2 OFFSET $3`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, total, rows.Err()
}

func scanApproval(row pgx.Row) (model.Approval, error) {
	var a model.Approval
	err := row.Scan(
		&a.ID, &a.ProjectID, &a.ResourceType, &a.ResourceID, &a.Status,
		&a.RequestedBy, &a.DecidedBy, &a.ConsumedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}
