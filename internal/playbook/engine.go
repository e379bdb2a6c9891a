// Package playbook implements the automation engine: estimating, previewing,
// generating, and applying drafted content fixes over product scopes.
//
// Generation is the only stage that talks to an AI provider, and it always
// checks the cache (by work key) and the quota gate before doing so. Apply
// never generates: it materializes persisted draft artifacts and nothing
// else.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/approval"
	"github.com/storewise-ai/storewise/internal/generator"
	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/quota"
	"github.com/storewise-ai/storewise/internal/workkey"
)

// ErrNoDraft is returned when apply finds no draft for the requested
// (playbook, scope, rules) tuple.
var ErrNoDraft = errors.New("playbook: no draft exists for this scope and rules")

// ErrDraftExpired is returned when apply targets a draft past its TTL.
var ErrDraftExpired = errors.New("playbook: draft has expired, regenerate before applying")

// ErrInvalidPayload is returned when an edited payload does not decode as
// the draft's declared type.
var ErrInvalidPayload = errors.New("playbook: payload does not match draft type")

// ErrRulesChanged is returned when a queued run's rules snapshot no longer
// matches the playbook's current rules at execution time.
var ErrRulesChanged = errors.New("playbook: rules changed after run was created")

// Store is the persistence surface the engine needs.
type Store interface {
	GetPlaybook(ctx context.Context, projectID, id uuid.UUID) (model.Playbook, error)
	ListScopeProducts(ctx context.Context, projectID uuid.UUID, scopeID string) ([]model.Product, error)
	GetProduct(ctx context.Context, projectID, id uuid.UUID) (model.Product, error)

	CreateDraft(ctx context.Context, draft model.Draft) (model.Draft, error)
	GetDraft(ctx context.Context, projectID, id uuid.UUID) (model.Draft, error)
	LatestDraft(ctx context.Context, projectID, playbookID uuid.UUID, scopeID, rulesHash string, kind model.DraftKind) (model.Draft, error)
	LookupByWorkKey(ctx context.Context, workKey string) (model.DraftItem, error)
	UpdateDraftItemEdit(ctx context.Context, projectID, draftID uuid.UUID, itemIndex int, edited model.DraftPayload) error

	UpdateProductMeta(ctx context.Context, projectID, productID uuid.UUID, title, description string) error
	AppendProductAnswerBlock(ctx context.Context, projectID, productID uuid.UUID, block model.AnswerBlockPayload) error
	AppendProductSnippet(ctx context.Context, projectID, productID uuid.UUID, text string) error

	RecordApplication(ctx context.Context, a model.Application) (model.Application, error)
	DraftItemApplied(ctx context.Context, draftItemID uuid.UUID) (bool, error)
	RecordGenerationUsage(ctx context.Context, projectID uuid.UUID, runID *uuid.UUID, units int) error
}

// Config tunes engine behavior.
type Config struct {
	DraftTTL          time.Duration // 0 = drafts never expire
	PreviewSampleSize int
	MaxGenConcurrency int
}

// Engine implements the playbook operations.
type Engine struct {
	store     Store
	gen       generator.Generator
	fallback  *generator.Placeholder
	quotaGate *quota.Gate
	approvals *approval.Gate
	cfg       Config
	logger    *slog.Logger
}

// NewEngine creates a playbook engine.
func NewEngine(store Store, gen generator.Generator, quotaGate *quota.Gate, approvals *approval.Gate, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PreviewSampleSize <= 0 {
		cfg.PreviewSampleSize = 3
	}
	if cfg.MaxGenConcurrency <= 0 {
		cfg.MaxGenConcurrency = 4
	}
	return &Engine{
		store:     store,
		gen:       gen,
		fallback:  generator.NewPlaceholder(),
		quotaGate: quotaGate,
		approvals: approvals,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute dispatches a run to the operation its type names. This is the
// run.Executor implementation driven by the queue worker and the inline
// scheduler.
func (e *Engine) Execute(ctx context.Context, r model.Run) error {
	switch r.RunType {
	case model.RunTypePreviewGenerate:
		_, err := e.Preview(ctx, r.ProjectID, r.PlaybookID, model.PreviewRequest{ScopeID: r.ScopeID}, r.CreatedByUserID)
		return err
	case model.RunTypeDraftGenerate:
		_, err := e.generateDraft(ctx, r.ProjectID, r.PlaybookID, r.ScopeID, r.RulesHash, &r.ID)
		return err
	case model.RunTypeApply:
		req := model.ApplyRequest{ScopeID: r.ScopeID, RulesHash: r.RulesHash}
		if raw, ok := r.Meta["approval_id"].(string); ok {
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("playbook: parse approval_id from run meta: %w", err)
			}
			req.ApprovalID = &id
		}
		_, err := e.Apply(ctx, r.ProjectID, r.PlaybookID, req, r.CreatedByUserID)
		return err
	default:
		return fmt.Errorf("playbook: unknown run type %q", r.RunType)
	}
}

// Estimate projects the size of a playbook over a scope without generating
// anything or consuming quota.
func (e *Engine) Estimate(ctx context.Context, projectID, playbookID uuid.UUID, scopeID string) (model.EstimateResponse, error) {
	pb, err := e.store.GetPlaybook(ctx, projectID, playbookID)
	if err != nil {
		return model.EstimateResponse{}, err
	}
	products, err := e.store.ListScopeProducts(ctx, projectID, scopeID)
	if err != nil {
		return model.EstimateResponse{}, err
	}

	var tokens int64
	for _, p := range products {
		tokens += estimateTokens(pb.DraftType, p)
	}
	return model.EstimateResponse{
		AffectedCount: len(products),
		TokenEstimate: tokens,
		Eligible:      len(products) > 0,
	}, nil
}

// estimateTokens approximates the prompt-plus-completion cost of one item.
// Rough by intent: estimates guide users, they are not billed.
func estimateTokens(t model.DraftType, p model.Product) int64 {
	input := int64(len(p.Title)+len(p.Description)) / 4
	var output int64
	switch t {
	case model.DraftTypeAnswerBlock:
		output = 120
	case model.DraftTypeMetaContent:
		output = 80
	case model.DraftTypeSnippet:
		output = 40
	default:
		output = 100
	}
	return input + output
}

// Preview generates a small sample draft for interactive inspection. It
// goes through the same cache and quota path as full generation, but over
// at most SampleSize products, and the resulting preview draft carries a
// TTL so stale samples age out.
func (e *Engine) Preview(ctx context.Context, projectID, playbookID uuid.UUID, req model.PreviewRequest, userID uuid.UUID) (model.PreviewResponse, error) {
	pb, err := e.store.GetPlaybook(ctx, projectID, playbookID)
	if err != nil {
		return model.PreviewResponse{}, err
	}
	rules := pb.Rules
	if req.Rules != nil {
		rules = req.Rules
	}
	rulesHash, err := workkey.RulesHash(rules)
	if err != nil {
		return model.PreviewResponse{}, fmt.Errorf("playbook: hash rules: %w", err)
	}

	products, err := e.store.ListScopeProducts(ctx, projectID, req.ScopeID)
	if err != nil {
		return model.PreviewResponse{}, err
	}
	sample := req.SampleSize
	if sample <= 0 {
		sample = e.cfg.PreviewSampleSize
	}
	if sample > 10 {
		sample = 10
	}
	if len(products) > sample {
		products = products[:sample]
	}

	draft, err := e.buildDraft(ctx, buildParams{
		projectID: projectID,
		playbook:  pb,
		scopeID:   req.ScopeID,
		rules:     rules,
		rulesHash: rulesHash,
		kind:      model.DraftKindPreview,
		products:  products,
	})
	if err != nil {
		return model.PreviewResponse{}, err
	}
	return model.PreviewResponse{Draft: draft, Sample: draft.Items}, nil
}
