package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsagePeriod formats a billing period key (YYYY-MM, UTC) for a point in
// time.
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordGenerationUsage appends units of AI generation work to the usage
// ledger for the current period. The ledger is append-only; totals are
// derived by summation so there is no counter row to contend on.
func (db *DB) RecordGenerationUsage(ctx context.Context, projectID uuid.UUID, runID *uuid.UUID, units int) error {
	if units <= 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO generation_usage (project_id, run_id, period, units)
		 VALUES ($1, $2, $3, $4)`,
		projectID, runID, UsagePeriod(time.Now()), units,
	)
	if err != nil {
		return fmt.Errorf("storage: record generation usage: %w", err)
	}
	return nil
}

// SumGenerationUsage totals the ledger for a project and period.
func (db *DB) SumGenerationUsage(ctx context.Context, projectID uuid.UUID, period string) (int, error) {
	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(units), 0) FROM generation_usage
		 WHERE project_id = $1 AND period = $2`,
		projectID, period,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: sum generation usage: %w", err)
	}
	return total, nil
}
