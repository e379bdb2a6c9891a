// Package quota evaluates generation budgets before AI work is scheduled.
//
// The decision itself is a pure function over (limit, usage, thresholds) so
// its full table is testable without a database. The Gate wires that
// function to project settings and the append-only usage ledger.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/storage"
)

// ErrBlocked is returned when a project's hard-enforced limit is exhausted.
// Callers reject the generation request without scheduling any work.
var ErrBlocked = errors.New("quota: generation blocked by hard limit")

// Store is the persistence surface the gate needs.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (model.Project, error)
	SumGenerationUsage(ctx context.Context, projectID uuid.UUID, period string) (int, error)
}

// Gate evaluates a project's quota state for the current billing period.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate creates a quota gate.
func NewGate(store Store, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Evaluate loads the project's limit settings and period usage and runs the
// decision table. It never mutates anything; recording usage is the
// generation path's job, after work actually happens.
func (g *Gate) Evaluate(ctx context.Context, projectID uuid.UUID) (model.QuotaEvaluation, error) {
	project, err := g.store.GetProject(ctx, projectID)
	if err != nil {
		return model.QuotaEvaluation{}, fmt.Errorf("quota: load project: %w", err)
	}
	used, err := g.store.SumGenerationUsage(ctx, projectID, storage.UsagePeriod(time.Now()))
	if err != nil {
		return model.QuotaEvaluation{}, fmt.Errorf("quota: load usage: %w", err)
	}

	eval := Decide(project.RunLimit, used, project.SoftThresholdPct, project.HardEnforcement)
	if eval.Status != model.QuotaAllowed {
		g.logger.Info("quota threshold reached",
			"project_id", projectID,
			"status", string(eval.Status),
			"reason", string(eval.Reason),
			"used", used,
		)
	}
	return eval, nil
}

// Check is Evaluate plus enforcement: a blocked evaluation becomes
// ErrBlocked.
func (g *Gate) Check(ctx context.Context, projectID uuid.UUID) (model.QuotaEvaluation, error) {
	eval, err := g.Evaluate(ctx, projectID)
	if err != nil {
		return model.QuotaEvaluation{}, err
	}
	if eval.Status == model.QuotaBlocked {
		return eval, ErrBlocked
	}
	return eval, nil
}

// Decide maps (limit, used, soft threshold, hard enforcement) to a quota
// evaluation.
//
//	limit == nil                  -> allowed (unlimited)
//	used < soft% of limit         -> allowed
//	soft% <= used < limit         -> warning
//	used >= limit, hard on        -> blocked
//	used >= limit, hard off       -> warning (soft overage)
//
// Remaining never goes negative and percent is capped at 100 for display.
func Decide(limit *int, used int, softThresholdPct float64, hardEnforcement bool) model.QuotaEvaluation {
	if limit == nil {
		return model.QuotaEvaluation{
			Status: model.QuotaAllowed,
			Reason: model.QuotaReasonUnlimited,
		}
	}

	remaining := *limit - used
	if remaining < 0 {
		remaining = 0
	}
	percent := 100.0
	if *limit > 0 {
		percent = float64(used) / float64(*limit) * 100
		if percent > 100 {
			percent = 100
		}
	}

	eval := model.QuotaEvaluation{
		RemainingRuns:       &remaining,
		CurrentUsagePercent: &percent,
	}
	switch {
	case used >= *limit && hardEnforcement:
		eval.Status = model.QuotaBlocked
		eval.Reason = model.QuotaReasonHardLimitReached
	case used >= *limit:
		eval.Status = model.QuotaWarning
		eval.Reason = model.QuotaReasonSoftThresholdReached
	case percent >= softThresholdPct:
		eval.Status = model.QuotaWarning
		eval.Reason = model.QuotaReasonSoftThresholdReached
	default:
		eval.Status = model.QuotaAllowed
		eval.Reason = model.QuotaReasonBelowSoftThreshold
	}
	return eval
}
