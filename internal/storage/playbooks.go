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

// CreatePlaybook inserts a playbook.
func (db *DB) CreatePlaybook(ctx context.Context, pb model.Playbook) (model.Playbook, error) {
	if pb.ID == uuid.Nil {
		pb.ID = uuid.New()
	}
	now := time.Now().UTC()
	pb.CreatedAt = now
	pb.UpdatedAt = now
	if pb.Rules == nil {
		pb.Rules = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO playbooks (id, project_id, slug, name, draft_type, rules, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pb.ID, pb.ProjectID, pb.Slug, pb.Name, string(pb.DraftType), pb.Rules, pb.CreatedAt, pb.UpdatedAt,
	)
	if err != nil {
		return model.Playbook{}, fmt.Errorf("storage: create playbook: %w", err)
	}
	return pb, nil
}

// GetPlaybook retrieves a playbook by ID, scoped to the given project.
func (db *DB) GetPlaybook(ctx context.Context, projectID, id uuid.UUID) (model.Playbook, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, project_id, slug, name, draft_type, rules, created_at, updated_at
		 FROM playbooks WHERE id = $1 AND project_id = $2`,
		id, projectID,
	)
	pb, err := scanPlaybook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Playbook{}, ErrNotFound
		}
		return model.Playbook{}, fmt.Errorf("storage: get playbook: %w", err)
	}
	return pb, nil
}

// ListPlaybooks returns all playbooks for a project, by slug.
func (db *DB) ListPlaybooks(ctx context.Context, projectID uuid.UUID) ([]model.Playbook, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, slug, name, draft_type, rules, created_at, updated_at
		 FROM playbooks WHERE project_id = $1
		 ORDER BY slug ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list playbooks: %w", err)
	}
	defer rows.Close()

	var playbooks []model.Playbook
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan playbook: %w", err)
		}
		playbooks = append(playbooks, pb)
	}
	return playbooks, rows.Err()
}

// UpdatePlaybookRules replaces a playbook's rule parameters.
func (db *DB) UpdatePlaybookRules(ctx context.Context, projectID, id uuid.UUID, rules map[string]any) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE playbooks SET rules = $1, updated_at = now()
		 WHERE id = $2 AND project_id = $3`,
		rules, id, projectID,
	)
	if err != nil {
		return fmt.Errorf("storage: update playbook rules: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPlaybook(row pgx.Row) (model.Playbook, error) {
	var pb model.Playbook
	err := row.Scan(
		&pb.ID, &pb.ProjectID, &pb.Slug, &pb.Name, &pb.DraftType, &pb.Rules, &pb.CreatedAt, &pb.UpdatedAt,
	)
	return pb, err
}
