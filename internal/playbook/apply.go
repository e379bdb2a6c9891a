package playbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/storage"
)

// Apply materializes the newest full draft for (playbook, scope, rules)
// into its target products. It makes zero generator calls: everything it
// writes already exists in the draft store.
//
// Apply is partial-success by design. An item whose product has vanished,
// or that was already applied, is skipped and counted; the remaining items
// still land. The approval, when one gates the operation, is consumed only
// after the pass completes, so a failed pass leaves it spendable for the
// retry.
func (e *Engine) Apply(ctx context.Context, projectID, playbookID uuid.UUID, req model.ApplyRequest, userID uuid.UUID) (model.ApplyResponse, error) {
	resourceID := model.ApplyResourceID(playbookID, req.ScopeID)
	approvalRec, err := e.approvals.Authorize(ctx, projectID, req.ApprovalID, model.ResourceTypePlaybookApply, resourceID)
	if err != nil {
		return model.ApplyResponse{}, err
	}

	draft, err := e.store.LatestDraft(ctx, projectID, playbookID, req.ScopeID, req.RulesHash, model.DraftKindFull)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ApplyResponse{}, ErrNoDraft
		}
		return model.ApplyResponse{}, err
	}
	if draft.Expired(time.Now()) {
		return model.ApplyResponse{}, ErrDraftExpired
	}

	var resp model.ApplyResponse
	for _, item := range draft.Items {
		applied, err := e.applyItem(ctx, projectID, draft, item, userID)
		if err != nil {
			return resp, err
		}
		if applied {
			resp.AppliedCount++
		} else {
			resp.SkippedCount++
		}
	}

	if approvalRec != nil {
		if err := e.approvals.Consume(ctx, projectID, approvalRec.ID); err != nil {
			return resp, err
		}
	}

	e.logger.Info("draft applied",
		"draft_id", draft.ID,
		"applied", resp.AppliedCount,
		"skipped", resp.SkippedCount,
	)
	return resp, nil
}

// applyItem writes one draft item into its product. Returns false (skip)
// when the product is gone or the item was already applied; both are
// expected states, not failures.
func (e *Engine) applyItem(ctx context.Context, projectID uuid.UUID, draft model.Draft, item model.DraftItem, userID uuid.UUID) (bool, error) {
	if item.ProductID == nil {
		return false, nil
	}
	alreadyApplied, err := e.store.DraftItemApplied(ctx, item.ID)
	if err != nil {
		return false, err
	}
	if alreadyApplied {
		return false, nil
	}
	if _, err := e.store.GetProduct(ctx, projectID, *item.ProductID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("skipping draft item, product gone",
				"draft_item_id", item.ID,
				"product_id", *item.ProductID,
			)
			return false, nil
		}
		return false, err
	}

	if err := e.materialize(ctx, projectID, *item.ProductID, item.EffectivePayload()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if _, err := e.store.RecordApplication(ctx, model.Application{
		ProjectID:   projectID,
		DraftID:     draft.ID,
		DraftItemID: item.ID,
		ProductID:   *item.ProductID,
		AppliedBy:   userID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// materialize writes a payload into a product. The switch is exhaustive
// over the closed payload set; an unknown variant is a programming error.
func (e *Engine) materialize(ctx context.Context, projectID, productID uuid.UUID, payload model.DraftPayload) error {
	switch p := payload.(type) {
	case model.AnswerBlockPayload:
		return e.store.AppendProductAnswerBlock(ctx, projectID, productID, p)
	case model.MetaContentPayload:
		return e.store.UpdateProductMeta(ctx, projectID, productID, p.Title, p.Description)
	case model.SnippetPayload:
		return e.store.AppendProductSnippet(ctx, projectID, productID, p.Text)
	default:
		return fmt.Errorf("playbook: unhandled payload type %T", payload)
	}
}
