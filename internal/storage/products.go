package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storewise-ai/storewise/internal/model"
)

const productColumns = `id, project_id, handle, title, description, answer_blocks, snippets, updated_at`

// CreateProduct inserts a product.
func (db *DB) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.AnswerBlocks == nil {
		p.AnswerBlocks = []model.AnswerBlockPayload{}
	}
	if p.Snippets == nil {
		p.Snippets = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO products (id, project_id, handle, title, description, answer_blocks, snippets)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.ProjectID, p.Handle, p.Title, p.Description, p.AnswerBlocks, p.Snippets,
	)
	if err != nil {
		return model.Product{}, fmt.Errorf("storage: create product: %w", err)
	}
	return p, nil
}

// GetProduct retrieves a product by ID, scoped to the given project.
func (db *DB) GetProduct(ctx context.Context, projectID, id uuid.UUID) (model.Product, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 AND project_id = $2`,
		id, projectID,
	)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Product{}, ErrNotFound
		}
		return model.Product{}, fmt.Errorf("storage: get product: %w", err)
	}
	return p, nil
}

// ListScopeProducts returns the products a scope selects, in scope order.
// An unknown scope simply yields an empty list; scope membership is data,
// not schema.
func (db *DB) ListScopeProducts(ctx context.Context, projectID uuid.UUID, scopeID string) ([]model.Product, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT p.id, p.project_id, p.handle, p.title, p.description, p.answer_blocks, p.snippets, p.updated_at
		 FROM scope_items si
		 JOIN products p ON p.id = si.product_id
		 WHERE si.project_id = $1 AND si.scope_id = $2
		 ORDER BY si.position ASC`,
		projectID, scopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list scope products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// CreateScope registers a scope and its product membership, replacing any
// previous membership.
func (db *DB) CreateScope(ctx context.Context, projectID uuid.UUID, scopeID string, productIDs []uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin scope tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO scopes (project_id, scope_id) VALUES ($1, $2)
		 ON CONFLICT (project_id, scope_id) DO NOTHING`,
		projectID, scopeID,
	); err != nil {
		return fmt.Errorf("storage: insert scope: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM scope_items WHERE project_id = $1 AND scope_id = $2`,
		projectID, scopeID,
	); err != nil {
		return fmt.Errorf("storage: clear scope items: %w", err)
	}
	for i, productID := range productIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO scope_items (project_id, scope_id, product_id, position)
			 VALUES ($1, $2, $3, $4)`,
			projectID, scopeID, productID, i,
		); err != nil {
			return fmt.Errorf("storage: insert scope item: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit scope: %w", err)
	}
	return nil
}

// UpdateProductMeta writes drafted title/description onto a product. Empty
// fields leave the existing value in place.
func (db *DB) UpdateProductMeta(ctx context.Context, projectID, productID uuid.UUID, title, description string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE products
		 SET title = CASE WHEN $1 <> '' THEN $1 ELSE title END,
		     description = CASE WHEN $2 <> '' THEN $2 ELSE description END,
		     updated_at = now()
		 WHERE id = $3 AND project_id = $4`,
		title, description, productID, projectID,
	)
	if err != nil {
		return fmt.Errorf("storage: update product meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendProductAnswerBlock appends a drafted Q&A block to a product.
func (db *DB) AppendProductAnswerBlock(ctx context.Context, projectID, productID uuid.UUID, block model.AnswerBlockPayload) error {
	return db.appendProductJSON(ctx, projectID, productID, "answer_blocks", block)
}

// AppendProductSnippet appends a drafted snippet to a product.
func (db *DB) AppendProductSnippet(ctx context.Context, projectID, productID uuid.UUID, text string) error {
	return db.appendProductJSON(ctx, projectID, productID, "snippets", text)
}

func (db *DB) appendProductJSON(ctx context.Context, projectID, productID uuid.UUID, column string, element any) error {
	raw, err := json.Marshal([]any{element})
	if err != nil {
		return fmt.Errorf("storage: marshal %s element: %w", column, err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE products SET `+column+` = `+column+` || $1::jsonb, updated_at = now()
		 WHERE id = $2 AND project_id = $3`,
		raw, productID, projectID,
	)
	if err != nil {
		return fmt.Errorf("storage: append product %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.Row) (model.Product, error) {
	var p model.Product
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.Handle, &p.Title, &p.Description, &p.AnswerBlocks, &p.Snippets, &p.UpdatedAt,
	)
	return p, err
}
