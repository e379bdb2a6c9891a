package run

import (
	"context"
	"log/slog"

	"github.com/storewise-ai/storewise/internal/model"
)

// Scheduler decides how a freshly created run gets executed.
type Scheduler interface {
	Schedule(ctx context.Context, run model.Run) error
}

// InlineScheduler executes runs synchronously in the creating request.
// Suited to single-instance deployments and tests; the queue worker covers
// horizontal scale-out.
type InlineScheduler struct {
	store    Store
	executor Executor
	logger   *slog.Logger
}

// NewInlineScheduler creates a scheduler that executes runs in-process.
func NewInlineScheduler(store Store, executor Executor, logger *slog.Logger) *InlineScheduler {
	return &InlineScheduler{store: store, executor: executor, logger: logger}
}

// Schedule claims and executes the run immediately. An execution failure is
// recorded on the run and not propagated: the create call already succeeded
// and the caller polls the run for its outcome, same as the queued path.
func (s *InlineScheduler) Schedule(ctx context.Context, run model.Run) error {
	claimed, err := s.store.ClaimRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Warn("run already claimed, skipping inline execution", "run_id", run.ID)
		return nil
	}
	if err := executeRun(ctx, s.store, s.executor, s.logger, run); err != nil {
		s.logger.Error("inline run execution failed", "run_id", run.ID, "error", err)
	}
	return nil
}

// QueueScheduler leaves runs queued in the database for the polling worker.
type QueueScheduler struct{}

// NewQueueScheduler creates a scheduler backed by the run queue.
func NewQueueScheduler() *QueueScheduler {
	return &QueueScheduler{}
}

// Schedule is a no-op: the run row in status queued is the queue entry.
func (*QueueScheduler) Schedule(_ context.Context, _ model.Run) error {
	return nil
}
