package run

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/storewise-ai/storewise/internal/telemetry"
)

// claimLease bounds how long a claimed run may sit in running before another
// worker treats its claimer as dead and reclaims it.
const claimLease = 10 * time.Minute

// Worker polls the run queue and executes claimed runs. Claiming uses
// FOR UPDATE SKIP LOCKED so any number of workers across instances can poll
// the same table without double-executing a run. Each claim holds a lease;
// runs stranded in running past their lease by a crashed worker are picked
// up again on a later poll.
type Worker struct {
	store        Store
	executor     Executor
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates a run queue worker.
func NewWorker(store Store, executor Executor, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	return &Worker{
		store:        store,
		executor:     executor,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("run worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, finishes runs already claimed, and
// blocks until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("run worker: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final poll under the drain context so claimed work finishes
			// within the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			w.processBatch(drainCtx)
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	runs, err := w.store.ClaimQueuedRuns(ctx, w.batchSize, claimLease)
	if err != nil {
		w.logger.Error("run worker: claim queued runs", "error", err)
		return
	}
	for _, r := range runs {
		// executeRun records the outcome; a failed run is not retried here.
		// The idempotency key is released on failure, so clients retry by
		// creating a new run.
		_ = executeRun(ctx, w.store, w.executor, w.logger, r)
	}
}

// registerMetrics registers an observable gauge for queue health.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("storewise/run")

	_, _ = meter.Int64ObservableGauge("storewise.runs.queue_depth",
		metric.WithDescription("Number of runs waiting for a worker"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := w.store.QueueDepth(ctx)
			if err != nil {
				return err
			}
			o.Observe(int64(depth))
			return nil
		}),
	)
}
