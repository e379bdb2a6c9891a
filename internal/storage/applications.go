package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/model"
)

// RecordApplication writes the audit record for one materialized draft item.
func (db *DB) RecordApplication(ctx context.Context, a model.Application) (model.Application, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.AppliedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO applications (id, project_id, draft_id, draft_item_id, product_id, applied_by, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ProjectID, a.DraftID, a.DraftItemID, a.ProductID, a.AppliedBy, a.AppliedAt,
	)
	if err != nil {
		return model.Application{}, fmt.Errorf("storage: record application: %w", err)
	}
	return a, nil
}

// DraftItemApplied reports whether a draft item has already been
// materialized into its product.
func (db *DB) DraftItemApplied(ctx context.Context, draftItemID uuid.UUID) (bool, error) {
	var applied bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applications WHERE draft_item_id = $1)`,
		draftItemID,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("storage: check application: %w", err)
	}
	return applied, nil
}

// ListApplications returns a draft's application records, oldest first.
func (db *DB) ListApplications(ctx context.Context, projectID, draftID uuid.UUID) ([]model.Application, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, draft_id, draft_item_id, product_id, applied_by, applied_at
		 FROM applications
		 WHERE project_id = $1 AND draft_id = $2
		 ORDER BY applied_at ASC`,
		projectID, draftID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list applications: %w", err)
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		var a model.Application
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.DraftID, &a.DraftItemID, &a.ProductID, &a.AppliedBy, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("storage: scan application: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}
