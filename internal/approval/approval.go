// Package approval gates destructive mutations behind explicit human
// sign-off. An approval covers exactly one guarded operation and is consumed
// at most once, after the mutation has durably succeeded.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/storage"
)

// ErrRequired is returned when the guarded operation needs an approval and
// none that is valid was supplied.
var ErrRequired = errors.New("approval: valid approval required")

// Store is the persistence surface the gate needs.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (model.Project, error)
	CreateApproval(ctx context.Context, projectID uuid.UUID, resourceType, resourceID string, requestedBy uuid.UUID) (model.Approval, error)
	GetApproval(ctx context.Context, projectID, id uuid.UUID) (model.Approval, error)
	DecideApproval(ctx context.Context, projectID, id uuid.UUID, status model.ApprovalStatus, decidedBy uuid.UUID) (model.Approval, error)
	GetValidApproval(ctx context.Context, projectID, id uuid.UUID, resourceType, resourceID string) (model.Approval, error)
	GetValidApprovalForResource(ctx context.Context, projectID uuid.UUID, resourceType, resourceID string) (model.Approval, error)
	ConsumeApproval(ctx context.Context, projectID, id uuid.UUID) (bool, error)
}

// Gate enforces the approval requirement for guarded operations.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate creates an approval gate.
func NewGate(store Store, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Required reports whether the project's settings demand approval for
// guarded operations.
func (g *Gate) Required(ctx context.Context, projectID uuid.UUID) (bool, error) {
	project, err := g.store.GetProject(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("approval: load project: %w", err)
	}
	return project.RequireApproval, nil
}

// Request opens a pending approval for a guarded operation.
func (g *Gate) Request(ctx context.Context, projectID uuid.UUID, resourceType, resourceID string, requestedBy uuid.UUID) (model.Approval, error) {
	return g.store.CreateApproval(ctx, projectID, resourceType, resourceID, requestedBy)
}

// Authorize checks that an approved, unconsumed approval covers the guarded
// resource. An explicit approval ID is verified against the resource; with no
// ID, the newest approved approval for the resource authorizes, so callers
// need not echo back an ID granted elsewhere. When the project does not
// require approvals it passes regardless. Returns ErrRequired when no valid
// approval exists.
//
// Authorize does NOT consume: the caller consumes via Consume only after the
// guarded mutation has durably succeeded, so a failed mutation leaves the
// approval spendable for the retry.
func (g *Gate) Authorize(ctx context.Context, projectID uuid.UUID, approvalID *uuid.UUID, resourceType, resourceID string) (*model.Approval, error) {
	required, err := g.Required(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !required {
		return nil, nil
	}

	var a model.Approval
	if approvalID != nil {
		a, err = g.store.GetValidApproval(ctx, projectID, *approvalID, resourceType, resourceID)
	} else {
		a, err = g.store.GetValidApprovalForResource(ctx, projectID, resourceType, resourceID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRequired
		}
		return nil, fmt.Errorf("approval: authorize: %w", err)
	}
	return &a, nil
}

// Consume spends an authorized approval. Consuming is idempotent at the
// storage level; a replay that finds the approval already consumed is
// logged and treated as done.
func (g *Gate) Consume(ctx context.Context, projectID, approvalID uuid.UUID) error {
	consumed, err := g.store.ConsumeApproval(ctx, projectID, approvalID)
	if err != nil {
		return fmt.Errorf("approval: consume: %w", err)
	}
	if !consumed {
		g.logger.Warn("approval already consumed", "approval_id", approvalID)
	}
	return nil
}
