package run

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/storage"
)

type fakeStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*model.Run
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[uuid.UUID]*model.Run{}}
}

func (f *fakeStore) CreateRun(_ context.Context, p storage.CreateRunParams) (model.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ProjectID == p.ProjectID && r.IdempotencyKey == p.IdempotencyKey && r.Status != model.RunStatusFailed {
			return *r, false, nil
		}
	}
	r := model.Run{
		ID:             uuid.New(),
		ProjectID:      p.ProjectID,
		PlaybookID:     p.PlaybookID,
		RunType:        p.RunType,
		ScopeID:        p.ScopeID,
		RulesHash:      p.RulesHash,
		IdempotencyKey: p.IdempotencyKey,
		Status:         model.RunStatusQueued,
		CreatedAt:      time.Now(),
	}
	f.runs[r.ID] = &r
	return r, true, nil
}

func (f *fakeStore) GetRun(_ context.Context, _ uuid.UUID, id uuid.UUID) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return *r, nil
}

func (f *fakeStore) ListRuns(_ context.Context, projectID uuid.UUID, _ model.RunFilters, _, _ int) ([]model.Run, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Run
	for _, r := range f.runs {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	return out, len(out), nil
}

func (f *fakeStore) ClaimRun(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || r.Status != model.RunStatusQueued {
		return false, nil
	}
	r.Status = model.RunStatusRunning
	return true, nil
}

func (f *fakeStore) ClaimQueuedRuns(_ context.Context, limit int, _ time.Duration) ([]model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []model.Run
	for _, r := range f.runs {
		if len(claimed) >= limit {
			break
		}
		if r.Status == model.RunStatusQueued {
			r.Status = model.RunStatusRunning
			claimed = append(claimed, *r)
		}
	}
	return claimed, nil
}

func (f *fakeStore) CompleteRun(_ context.Context, id uuid.UUID, status model.RunStatus, failureReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || r.Status != model.RunStatusRunning {
		return errors.New("run not running")
	}
	r.Status = status
	r.FailureReason = failureReason
	return nil
}

func (f *fakeStore) QueueDepth(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	depth := 0
	for _, r := range f.runs {
		if r.Status == model.RunStatusQueued {
			depth++
		}
	}
	return depth, nil
}

func (f *fakeStore) status(id uuid.UUID) model.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id].Status
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, _ model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testParams(projectID uuid.UUID) CreateParams {
	return CreateParams{
		ProjectID:  projectID,
		PlaybookID: uuid.New(),
		RunType:    model.RunTypeDraftGenerate,
		ScopeID:    "collection:all",
		RulesHash:  "v1:abc",
		CreatedBy:  uuid.New(),
	}
}

func TestCreateDeduplicates(t *testing.T) {
	store := newFakeStore()
	orch := NewOrchestrator(store, NewQueueScheduler(), testLogger())
	params := testParams(uuid.New())

	first, created, err := orch.Create(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := orch.Create(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateDerivesIdempotencyKey(t *testing.T) {
	store := newFakeStore()
	orch := NewOrchestrator(store, NewQueueScheduler(), testLogger())
	params := testParams(uuid.New())

	r, _, err := orch.Create(context.Background(), params)

	require.NoError(t, err)
	assert.Equal(t,
		model.DefaultIdempotencyKey(params.RunType, params.ProjectID, params.PlaybookID, params.ScopeID, params.RulesHash),
		r.IdempotencyKey,
	)
}

func TestCreateHonorsClientKey(t *testing.T) {
	store := newFakeStore()
	orch := NewOrchestrator(store, NewQueueScheduler(), testLogger())
	params := testParams(uuid.New())
	params.IdempotencyKey = "client-chosen-key"

	r, _, err := orch.Create(context.Background(), params)

	require.NoError(t, err)
	assert.Equal(t, "client-chosen-key", r.IdempotencyKey)
}

func TestFailedRunReleasesKey(t *testing.T) {
	store := newFakeStore()
	executor := &fakeExecutor{err: errors.New("boom")}
	orch := NewOrchestrator(store, NewInlineScheduler(store, executor, testLogger()), testLogger())
	params := testParams(uuid.New())

	first, created, err := orch.Create(context.Background(), params)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.RunStatusFailed, store.status(first.ID))

	second, created, err := orch.Create(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, created, "failed run should not hold the idempotency key")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestInlineSchedulerExecutesAndCompletes(t *testing.T) {
	store := newFakeStore()
	executor := &fakeExecutor{}
	orch := NewOrchestrator(store, NewInlineScheduler(store, executor, testLogger()), testLogger())

	r, _, err := orch.Create(context.Background(), testParams(uuid.New()))

	require.NoError(t, err)
	assert.Equal(t, 1, executor.callCount())
	assert.Equal(t, model.RunStatusSucceeded, store.status(r.ID))
}

func TestInlineSchedulerSwallowsExecutorFailure(t *testing.T) {
	store := newFakeStore()
	executor := &fakeExecutor{err: errors.New("generation blew up")}
	orch := NewOrchestrator(store, NewInlineScheduler(store, executor, testLogger()), testLogger())

	r, created, err := orch.Create(context.Background(), testParams(uuid.New()))

	require.NoError(t, err, "create succeeds even when execution fails")
	assert.True(t, created)
	assert.Equal(t, model.RunStatusFailed, store.status(r.ID))
	got, err := store.GetRun(context.Background(), r.ProjectID, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "generation blew up")
}

func TestWorkerDrainsQueuedRuns(t *testing.T) {
	store := newFakeStore()
	executor := &fakeExecutor{}
	orch := NewOrchestrator(store, NewQueueScheduler(), testLogger())

	r1, _, err := orch.Create(context.Background(), testParams(uuid.New()))
	require.NoError(t, err)
	r2, _, err := orch.Create(context.Background(), testParams(uuid.New()))
	require.NoError(t, err)

	worker := NewWorker(store, executor, testLogger(), 10*time.Millisecond, 10)
	worker.Start(context.Background())

	require.Eventually(t, func() bool {
		return store.status(r1.ID) == model.RunStatusSucceeded &&
			store.status(r2.ID) == model.RunStatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	worker.Drain(drainCtx)

	assert.Equal(t, 2, executor.callCount())
}

func TestWorkerFinalPollOnDrain(t *testing.T) {
	store := newFakeStore()
	executor := &fakeExecutor{}
	orch := NewOrchestrator(store, NewQueueScheduler(), testLogger())

	r, _, err := orch.Create(context.Background(), testParams(uuid.New()))
	require.NoError(t, err)

	// Long poll interval: only the drain's final poll can pick the run up.
	worker := NewWorker(store, executor, testLogger(), time.Hour, 10)
	worker.Start(context.Background())

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	worker.Drain(drainCtx)

	assert.Equal(t, model.RunStatusSucceeded, store.status(r.ID))
}
