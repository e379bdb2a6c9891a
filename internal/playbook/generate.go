package playbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/storewise-ai/storewise/internal/generator"
	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/storage"
	"github.com/storewise-ai/storewise/internal/workkey"
)

// GenerateResult summarizes one generation pass.
type GenerateResult struct {
	Draft       model.Draft
	ItemsFresh  int
	ItemsReused int
}

// DraftGenerate runs a full generation pass for a playbook over a scope:
// one draft item per product, cached work reused, misses generated. It
// always generates under the playbook's current rules; runs executed later
// go through Execute, which pins the rules hash recorded at creation.
func (e *Engine) DraftGenerate(ctx context.Context, projectID, playbookID uuid.UUID, scopeID string, runID *uuid.UUID) (GenerateResult, error) {
	return e.generateDraft(ctx, projectID, playbookID, scopeID, "", runID)
}

type buildParams struct {
	projectID uuid.UUID
	playbook  model.Playbook
	scopeID   string
	rules     map[string]any
	rulesHash string
	kind      model.DraftKind
	products  []model.Product
	runID     *uuid.UUID
}

// generateDraft builds a full draft. A non-empty expectedRulesHash pins the
// rules: when the playbook's rules were edited after the run was created,
// the run fails instead of silently generating under rules its run row does
// not record.
func (e *Engine) generateDraft(ctx context.Context, projectID, playbookID uuid.UUID, scopeID, expectedRulesHash string, runID *uuid.UUID) (GenerateResult, error) {
	pb, err := e.store.GetPlaybook(ctx, projectID, playbookID)
	if err != nil {
		return GenerateResult{}, err
	}
	rulesHash, err := workkey.RulesHash(pb.Rules)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("playbook: hash rules: %w", err)
	}
	if expectedRulesHash != "" && expectedRulesHash != rulesHash {
		return GenerateResult{}, fmt.Errorf("%w: run recorded %s, playbook now hashes to %s",
			ErrRulesChanged, expectedRulesHash, rulesHash)
	}
	products, err := e.store.ListScopeProducts(ctx, projectID, scopeID)
	if err != nil {
		return GenerateResult{}, err
	}
	if len(products) == 0 {
		return GenerateResult{}, fmt.Errorf("playbook: scope %q selects no products", scopeID)
	}

	draft, err := e.buildDraft(ctx, buildParams{
		projectID: projectID,
		playbook:  pb,
		scopeID:   scopeID,
		rules:     pb.Rules,
		rulesHash: rulesHash,
		kind:      model.DraftKindFull,
		products:  products,
		runID:     runID,
	})
	if err != nil {
		return GenerateResult{}, err
	}

	res := GenerateResult{Draft: draft}
	for _, it := range draft.Items {
		if it.ReusedFromWorkKey != nil {
			res.ItemsReused++
		} else {
			res.ItemsFresh++
		}
	}
	return res, nil
}

// buildDraft is the shared cache-or-generate pass behind preview and full
// generation.
//
// Order matters: the reuse lookup runs before the quota gate so a pass that
// is fully served from cache succeeds even on a blocked project. Quota is
// charged only for items the provider actually generated.
func (e *Engine) buildDraft(ctx context.Context, p buildParams) (model.Draft, error) {
	type slot struct {
		product model.Product
		workKey string
		item    model.DraftItem
		miss    bool
	}
	slots := make([]slot, len(p.products))

	for i, product := range p.products {
		key, err := workkey.Compute(workkey.Inputs{
			ProjectID:     p.projectID,
			ScopeIdentity: product.ID.String(),
			DraftType:     string(p.playbook.DraftType),
			RuleParams:    p.rules,
		})
		if err != nil {
			return model.Draft{}, fmt.Errorf("playbook: compute work key: %w", err)
		}
		slots[i] = slot{product: product, workKey: key}

		cached, err := e.store.LookupByWorkKey(ctx, key)
		switch {
		case err == nil:
			productID := product.ID
			slots[i].item = model.DraftItem{
				ItemIndex:         i,
				ProductID:         &productID,
				AIWorkKey:         key,
				Payload:           cached.Payload,
				GeneratedWithAI:   cached.GeneratedWithAI,
				ReusedFromWorkKey: &key,
			}
		case errors.Is(err, storage.ErrNotFound):
			slots[i].miss = true
		default:
			return model.Draft{}, fmt.Errorf("playbook: cache lookup: %w", err)
		}
	}

	missCount := 0
	for i := range slots {
		if slots[i].miss {
			missCount++
		}
	}

	// The quota gate is consulted once per pass, not per item, and only
	// when new generation work is actually needed.
	if missCount > 0 {
		if _, err := e.quotaGate.Check(ctx, p.projectID); err != nil {
			return model.Draft{}, err
		}

		var (
			mu      sync.Mutex
			aiUnits int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxGenConcurrency)
		for i := range slots {
			if !slots[i].miss {
				continue
			}
			s := &slots[i]
			g.Go(func() error {
				item, usedAI, err := e.generateItem(gctx, p, s.product, s.workKey)
				if err != nil {
					return err
				}
				s.item = item
				if usedAI {
					mu.Lock()
					aiUnits++
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return model.Draft{}, err
		}

		if aiUnits > 0 {
			if err := e.store.RecordGenerationUsage(ctx, p.projectID, p.runID, aiUnits); err != nil {
				return model.Draft{}, fmt.Errorf("playbook: record usage: %w", err)
			}
		}
	}

	draft := model.Draft{
		ProjectID:  p.projectID,
		PlaybookID: p.playbook.ID,
		Kind:       p.kind,
		DraftType:  p.playbook.DraftType,
		ScopeID:    p.scopeID,
		RulesHash:  p.rulesHash,
	}
	if e.cfg.DraftTTL > 0 {
		exp := time.Now().UTC().Add(e.cfg.DraftTTL)
		draft.ExpiresAt = &exp
	}
	for i := range slots {
		item := slots[i].item
		item.ItemIndex = i
		if item.ProductID == nil {
			productID := slots[i].product.ID
			item.ProductID = &productID
		}
		draft.Items = append(draft.Items, item)
	}

	persisted, err := e.store.CreateDraft(ctx, draft)
	if err != nil {
		return model.Draft{}, fmt.Errorf("playbook: persist draft: %w", err)
	}
	e.logger.Info("draft created",
		"draft_id", persisted.ID,
		"kind", string(p.kind),
		"items", len(persisted.Items),
		"scope_id", p.scopeID,
	)
	return persisted, nil
}

// generateItem produces one fresh draft item. A transient provider failure
// degrades to placeholder content for that item alone; provider exhaustion
// aborts the whole pass so a dead provider cannot silently turn an entire
// batch into templates.
func (e *Engine) generateItem(ctx context.Context, p buildParams, product model.Product, workKey string) (model.DraftItem, bool, error) {
	req := generator.Request{
		DraftType: p.playbook.DraftType,
		Product:   product,
		Rules:     p.rules,
	}
	productID := product.ID

	payload, err := e.gen.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, generator.ErrExhausted) {
			return model.DraftItem{}, false, err
		}
		e.logger.Warn("generation failed, using placeholder",
			"product_id", product.ID,
			"error", err,
		)
		fallback, fbErr := e.fallback.Generate(ctx, req)
		if fbErr != nil {
			return model.DraftItem{}, false, fmt.Errorf("playbook: placeholder fallback: %w", fbErr)
		}
		// Degraded keeps the stand-in out of the work-key cache.
		return model.DraftItem{
			ProductID:       &productID,
			AIWorkKey:       workKey,
			Payload:         fallback,
			GeneratedWithAI: false,
			Degraded:        true,
		}, false, nil
	}

	usedAI := e.gen.Name() != "placeholder"
	return model.DraftItem{
		ProductID:       &productID,
		AIWorkKey:       workKey,
		Payload:         payload,
		GeneratedWithAI: usedAI,
	}, usedAI, nil
}

// EditDraftItem validates and stores a human revision of one draft item.
func (e *Engine) EditDraftItem(ctx context.Context, projectID, draftID uuid.UUID, itemIndex int, newValue []byte) (model.Draft, error) {
	draft, err := e.store.GetDraft(ctx, projectID, draftID)
	if err != nil {
		return model.Draft{}, err
	}
	payload, err := model.DecodeDraftPayload(draft.DraftType, newValue)
	if err != nil {
		return model.Draft{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := e.store.UpdateDraftItemEdit(ctx, projectID, draftID, itemIndex, payload); err != nil {
		return model.Draft{}, err
	}
	return e.store.GetDraft(ctx, projectID, draftID)
}
