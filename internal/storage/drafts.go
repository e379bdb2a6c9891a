package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storewise-ai/storewise/internal/model"
)

// CreateDraft inserts a draft and all of its items in one transaction.
// Drafts are immutable after this point; only the edited_payload column of
// items ever changes.
func (db *DB) CreateDraft(ctx context.Context, draft model.Draft) (model.Draft, error) {
	if draft.ID == uuid.Nil {
		draft.ID = uuid.New()
	}
	draft.CreatedAt = time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Draft{}, fmt.Errorf("storage: begin draft tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO drafts (id, project_id, playbook_id, kind, draft_type, scope_id, rules_hash, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		draft.ID, draft.ProjectID, draft.PlaybookID, string(draft.Kind), string(draft.DraftType),
		draft.ScopeID, draft.RulesHash, draft.CreatedAt, draft.ExpiresAt,
	); err != nil {
		return model.Draft{}, fmt.Errorf("storage: insert draft: %w", err)
	}

	for i := range draft.Items {
		it := &draft.Items[i]
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.DraftID = draft.ID
		it.CreatedAt = draft.CreatedAt

		payload, err := json.Marshal(it.Payload)
		if err != nil {
			return model.Draft{}, fmt.Errorf("storage: marshal draft item payload: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO draft_items (id, draft_id, item_index, product_id, ai_work_key, payload,
			                          generated_with_ai, degraded, reused_from_work_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			it.ID, it.DraftID, it.ItemIndex, it.ProductID, it.AIWorkKey, payload,
			it.GeneratedWithAI, it.Degraded, it.ReusedFromWorkKey, it.CreatedAt,
		); err != nil {
			return model.Draft{}, fmt.Errorf("storage: insert draft item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Draft{}, fmt.Errorf("storage: commit draft: %w", err)
	}
	return draft, nil
}

// LookupByWorkKey returns the newest unexpired draft item for a work key.
// Expired drafts and degraded fallback items are treated as misses so the
// next generation pass produces a fresh artifact. Returns ErrNotFound on
// miss.
func (db *DB) LookupByWorkKey(ctx context.Context, workKey string) (model.DraftItem, error) {
	var (
		it        model.DraftItem
		draftType string
		payload   []byte
		edited    []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT di.id, di.draft_id, di.item_index, di.product_id, di.ai_work_key, di.payload,
		        di.edited_payload, di.generated_with_ai, di.degraded, di.reused_from_work_key,
		        di.created_at, d.draft_type
		 FROM draft_items di
		 JOIN drafts d ON d.id = di.draft_id
		 WHERE di.ai_work_key = $1
		   AND NOT di.degraded
		   AND (d.expires_at IS NULL OR d.expires_at > now())
		 ORDER BY di.created_at DESC
		 LIMIT 1`,
		workKey,
	).Scan(
		&it.ID, &it.DraftID, &it.ItemIndex, &it.ProductID, &it.AIWorkKey, &payload,
		&edited, &it.GeneratedWithAI, &it.Degraded, &it.ReusedFromWorkKey, &it.CreatedAt,
		&draftType,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DraftItem{}, ErrNotFound
		}
		return model.DraftItem{}, fmt.Errorf("storage: lookup work key: %w", err)
	}
	return decodeItemPayloads(it, model.DraftType(draftType), payload, edited)
}

// GetDraft retrieves a draft with its items, scoped to the given project.
func (db *DB) GetDraft(ctx context.Context, projectID, id uuid.UUID) (model.Draft, error) {
	var d model.Draft
	var kind, draftType string
	err := db.pool.QueryRow(ctx,
		`SELECT id, project_id, playbook_id, kind, draft_type, scope_id, rules_hash, created_at, expires_at
		 FROM drafts WHERE id = $1 AND project_id = $2`,
		id, projectID,
	).Scan(&d.ID, &d.ProjectID, &d.PlaybookID, &kind, &draftType, &d.ScopeID, &d.RulesHash, &d.CreatedAt, &d.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Draft{}, ErrNotFound
		}
		return model.Draft{}, fmt.Errorf("storage: get draft: %w", err)
	}
	d.Kind = model.DraftKind(kind)
	d.DraftType = model.DraftType(draftType)

	items, err := db.listDraftItems(ctx, d.ID, d.DraftType)
	if err != nil {
		return model.Draft{}, err
	}
	d.Items = items
	return d, nil
}

// LatestDraft returns the newest draft of the given kind for a
// (playbook, scope, rules) tuple, with items. Returns ErrNotFound if none
// exists.
func (db *DB) LatestDraft(ctx context.Context, projectID, playbookID uuid.UUID, scopeID, rulesHash string, kind model.DraftKind) (model.Draft, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT id FROM drafts
		 WHERE project_id = $1 AND playbook_id = $2 AND scope_id = $3 AND rules_hash = $4 AND kind = $5
		 ORDER BY created_at DESC
		 LIMIT 1`,
		projectID, playbookID, scopeID, rulesHash, string(kind),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Draft{}, ErrNotFound
		}
		return model.Draft{}, fmt.Errorf("storage: latest draft: %w", err)
	}
	return db.GetDraft(ctx, projectID, id)
}

// UpdateDraftItemEdit stores a human revision of one draft item. The
// generated payload is never touched. Editing an already-applied item is
// rejected with ErrAlreadyApplied; editing a missing item returns
// ErrNotFound.
func (db *DB) UpdateDraftItemEdit(ctx context.Context, projectID, draftID uuid.UUID, itemIndex int, edited model.DraftPayload) error {
	payload, err := json.Marshal(edited)
	if err != nil {
		return fmt.Errorf("storage: marshal edited payload: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE draft_items di SET edited_payload = $1
		 FROM drafts d
		 WHERE di.draft_id = d.id
		   AND d.id = $2 AND d.project_id = $3 AND di.item_index = $4
		   AND NOT EXISTS (SELECT 1 FROM applications a WHERE a.draft_item_id = di.id)`,
		payload, draftID, projectID, itemIndex,
	)
	if err != nil {
		return fmt.Errorf("storage: update draft item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "no such item" from "already applied" for the caller.
		var applied bool
		err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (
			     SELECT 1 FROM draft_items di
			     JOIN drafts d ON d.id = di.draft_id
			     JOIN applications a ON a.draft_item_id = di.id
			     WHERE d.id = $1 AND d.project_id = $2 AND di.item_index = $3)`,
			draftID, projectID, itemIndex,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("storage: check draft item application: %w", err)
		}
		if applied {
			return ErrAlreadyApplied
		}
		return ErrNotFound
	}
	return nil
}

func (db *DB) listDraftItems(ctx context.Context, draftID uuid.UUID, draftType model.DraftType) ([]model.DraftItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, draft_id, item_index, product_id, ai_work_key, payload, edited_payload,
		        generated_with_ai, degraded, reused_from_work_key, created_at
		 FROM draft_items WHERE draft_id = $1
		 ORDER BY item_index ASC`,
		draftID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list draft items: %w", err)
	}
	defer rows.Close()

	var items []model.DraftItem
	for rows.Next() {
		var it model.DraftItem
		var payload, edited []byte
		if err := rows.Scan(
			&it.ID, &it.DraftID, &it.ItemIndex, &it.ProductID, &it.AIWorkKey, &payload, &edited,
			&it.GeneratedWithAI, &it.Degraded, &it.ReusedFromWorkKey, &it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan draft item: %w", err)
		}
		decoded, err := decodeItemPayloads(it, draftType, payload, edited)
		if err != nil {
			return nil, err
		}
		items = append(items, decoded)
	}
	return items, rows.Err()
}

func decodeItemPayloads(it model.DraftItem, draftType model.DraftType, payload, edited []byte) (model.DraftItem, error) {
	decoded, err := model.DecodeDraftPayload(draftType, payload)
	if err != nil {
		return model.DraftItem{}, fmt.Errorf("storage: decode draft item %s: %w", it.ID, err)
	}
	it.Payload = decoded
	if len(edited) > 0 {
		editedPayload, err := model.DecodeDraftPayload(draftType, edited)
		if err != nil {
			return model.DraftItem{}, fmt.Errorf("storage: decode edited draft item %s: %w", it.ID, err)
		}
		it.EditedPayload = editedPayload
	}
	return it, nil
}
