// Package run orchestrates the lifecycle of automation runs: idempotent
// creation, dispatch to an executor, and terminal bookkeeping.
//
// Creation is deduplicated at the database through a partial unique index,
// so two clients racing on the same idempotency key converge on one run. A
// failed run releases its key; retries after failure create a fresh run.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/storage"
)

// Store is the persistence surface run orchestration needs.
type Store interface {
	CreateRun(ctx context.Context, p storage.CreateRunParams) (model.Run, bool, error)
	GetRun(ctx context.Context, projectID, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, projectID uuid.UUID, f model.RunFilters, limit, offset int) ([]model.Run, int, error)
	ClaimRun(ctx context.Context, id uuid.UUID) (bool, error)
	ClaimQueuedRuns(ctx context.Context, limit int, lease time.Duration) ([]model.Run, error)
	CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, failureReason *string) error
	QueueDepth(ctx context.Context) (int, error)
}

// Executor performs the work a run describes. The playbook engine is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, run model.Run) error
}

// CreateParams describes a run creation request.
type CreateParams struct {
	ProjectID      uuid.UUID
	PlaybookID     uuid.UUID
	RunType        model.RunType
	ScopeID        string
	RulesHash      string
	IdempotencyKey string // optional; derived from identity when empty
	CreatedBy      uuid.UUID
	Meta           map[string]any
}

// Orchestrator creates runs and hands them to a scheduler.
type Orchestrator struct {
	store     Store
	scheduler Scheduler
	logger    *slog.Logger
}

// NewOrchestrator creates a run orchestrator.
func NewOrchestrator(store Store, scheduler Scheduler, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, scheduler: scheduler, logger: logger}
}

// Create inserts a run, deduplicating on the idempotency key, and schedules
// it when the insert won. A deduplicated create returns the existing run
// with created=false and schedules nothing; both callers observe the same
// run ID.
func (o *Orchestrator) Create(ctx context.Context, p CreateParams) (model.Run, bool, error) {
	key := p.IdempotencyKey
	if key == "" {
		key = model.DefaultIdempotencyKey(p.RunType, p.ProjectID, p.PlaybookID, p.ScopeID, p.RulesHash)
	}

	run, created, err := o.store.CreateRun(ctx, storage.CreateRunParams{
		ProjectID:      p.ProjectID,
		PlaybookID:     p.PlaybookID,
		RunType:        p.RunType,
		ScopeID:        p.ScopeID,
		RulesHash:      p.RulesHash,
		IdempotencyKey: key,
		CreatedBy:      p.CreatedBy,
		Meta:           p.Meta,
	})
	if err != nil {
		return model.Run{}, false, fmt.Errorf("run: create: %w", err)
	}
	if !created {
		o.logger.Debug("run deduplicated",
			"run_id", run.ID,
			"idempotency_key", key,
			"status", string(run.Status),
		)
		return run, false, nil
	}

	o.logger.Info("run created",
		"run_id", run.ID,
		"run_type", string(run.RunType),
		"project_id", run.ProjectID,
	)
	if err := o.scheduler.Schedule(ctx, run); err != nil {
		return model.Run{}, false, fmt.Errorf("run: schedule: %w", err)
	}
	return run, true, nil
}

// Get retrieves a run scoped to a project.
func (o *Orchestrator) Get(ctx context.Context, projectID, id uuid.UUID) (model.Run, error) {
	return o.store.GetRun(ctx, projectID, id)
}

// List returns a project's runs with optional filters.
func (o *Orchestrator) List(ctx context.Context, projectID uuid.UUID, f model.RunFilters, limit, offset int) ([]model.Run, int, error) {
	return o.store.ListRuns(ctx, projectID, f, limit, offset)
}

// executeRun drives one claimed run to a terminal status. Shared by the
// inline scheduler and the queue worker.
func executeRun(ctx context.Context, store Store, executor Executor, logger *slog.Logger, run model.Run) error {
	if err := executor.Execute(ctx, run); err != nil {
		reason := err.Error()
		logger.Error("run failed",
			"run_id", run.ID,
			"run_type", string(run.RunType),
			"error", err,
		)
		if cErr := store.CompleteRun(ctx, run.ID, model.RunStatusFailed, &reason); cErr != nil {
			return fmt.Errorf("run: record failure: %w", cErr)
		}
		return err
	}
	if err := store.CompleteRun(ctx, run.ID, model.RunStatusSucceeded, nil); err != nil {
		return fmt.Errorf("run: record success: %w", err)
	}
	logger.Info("run succeeded", "run_id", run.ID, "run_type", string(run.RunType))
	return nil
}
