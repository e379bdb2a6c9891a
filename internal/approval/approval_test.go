package approval

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/storage"
)

type fakeStore struct {
	project   model.Project
	approvals map[uuid.UUID]*model.Approval
}

func newFakeStore(requireApproval bool) *fakeStore {
	return &fakeStore{
		project:   model.Project{ID: uuid.New(), RequireApproval: requireApproval},
		approvals: map[uuid.UUID]*model.Approval{},
	}
}

func (f *fakeStore) GetProject(_ context.Context, _ uuid.UUID) (model.Project, error) {
	return f.project, nil
}

func (f *fakeStore) CreateApproval(_ context.Context, projectID uuid.UUID, resourceType, resourceID string, requestedBy uuid.UUID) (model.Approval, error) {
	for _, a := range f.approvals {
		if a.ResourceType == resourceType && a.ResourceID == resourceID && a.Status == model.ApprovalStatusPending {
			return model.Approval{}, storage.ErrPendingApprovalExists
		}
	}
	a := model.Approval{
		ID:           uuid.New(),
		ProjectID:    projectID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       model.ApprovalStatusPending,
		RequestedBy:  requestedBy,
	}
	f.approvals[a.ID] = &a
	return a, nil
}

func (f *fakeStore) GetApproval(_ context.Context, _ uuid.UUID, id uuid.UUID) (model.Approval, error) {
	a, ok := f.approvals[id]
	if !ok {
		return model.Approval{}, storage.ErrNotFound
	}
	return *a, nil
}

func (f *fakeStore) DecideApproval(_ context.Context, _ uuid.UUID, id uuid.UUID, status model.ApprovalStatus, decidedBy uuid.UUID) (model.Approval, error) {
	a, ok := f.approvals[id]
	if !ok || a.Status != model.ApprovalStatusPending {
		return model.Approval{}, storage.ErrNotFound
	}
	a.Status = status
	a.DecidedBy = &decidedBy
	return *a, nil
}

func (f *fakeStore) GetValidApproval(_ context.Context, _ uuid.UUID, id uuid.UUID, resourceType, resourceID string) (model.Approval, error) {
	a, ok := f.approvals[id]
	if !ok || a.Status != model.ApprovalStatusApproved || a.ResourceType != resourceType || a.ResourceID != resourceID {
		return model.Approval{}, storage.ErrNotFound
	}
	return *a, nil
}

func (f *fakeStore) GetValidApprovalForResource(_ context.Context, _ uuid.UUID, resourceType, resourceID string) (model.Approval, error) {
	for _, a := range f.approvals {
		if a.Status == model.ApprovalStatusApproved && a.ResourceType == resourceType && a.ResourceID == resourceID {
			return *a, nil
		}
	}
	return model.Approval{}, storage.ErrNotFound
}

func (f *fakeStore) ConsumeApproval(_ context.Context, _ uuid.UUID, id uuid.UUID) (bool, error) {
	a, ok := f.approvals[id]
	if !ok || a.Status != model.ApprovalStatusApproved {
		return false, nil
	}
	a.Status = model.ApprovalStatusConsumed
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func approvedApproval(t *testing.T, store *fakeStore, resourceID string) model.Approval {
	t.Helper()
	a, err := store.CreateApproval(context.Background(), store.project.ID, model.ResourceTypePlaybookApply, resourceID, uuid.New())
	require.NoError(t, err)
	a, err = store.DecideApproval(context.Background(), store.project.ID, a.ID, model.ApprovalStatusApproved, uuid.New())
	require.NoError(t, err)
	return a
}

func TestAuthorizeNotRequired(t *testing.T) {
	store := newFakeStore(false)
	gate := NewGate(store, testLogger())

	a, err := gate.Authorize(context.Background(), store.project.ID, nil, model.ResourceTypePlaybookApply, "pb:all")

	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestAuthorizeMissingApproval(t *testing.T) {
	store := newFakeStore(true)
	gate := NewGate(store, testLogger())

	_, err := gate.Authorize(context.Background(), store.project.ID, nil, model.ResourceTypePlaybookApply, "pb:all")

	assert.ErrorIs(t, err, ErrRequired)
}

func TestAuthorizePendingApprovalRejected(t *testing.T) {
	store := newFakeStore(true)
	gate := NewGate(store, testLogger())
	a, err := store.CreateApproval(context.Background(), store.project.ID, model.ResourceTypePlaybookApply, "pb:all", uuid.New())
	require.NoError(t, err)

	_, err = gate.Authorize(context.Background(), store.project.ID, &a.ID, model.ResourceTypePlaybookApply, "pb:all")

	assert.ErrorIs(t, err, ErrRequired)
}

func TestAuthorizeApprovedApproval(t *testing.T) {
	store := newFakeStore(true)
	gate := NewGate(store, testLogger())
	a := approvedApproval(t, store, "pb:all")

	got, err := gate.Authorize(context.Background(), store.project.ID, &a.ID, model.ResourceTypePlaybookApply, "pb:all")

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)
}

func TestAuthorizeResolvesApprovalByResource(t *testing.T) {
	store := newFakeStore(true)
	gate := NewGate(store, testLogger())
	a := approvedApproval(t, store, "pb:all")

	// No approval ID supplied; the approved record for the resource is enough.
	got, err := gate.Authorize(context.Background(), store.project.ID, nil, model.ResourceTypePlaybookApply, "pb:all")

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)
}

func TestAuthorizeByResourceIgnoresConsumed(t *testing.T) {
	store := newFakeStore(true)
	gate := NewGate(store, testLogger())
	a := approvedApproval(t, store, "pb:all")
	require.NoError(t, gate.Consume(context.Background(), store.project.ID, a.ID))

	_, err := gate.Authorize(context.Background(), store.project.ID, nil, model.ResourceTypePlaybookApply, "pb:all")

	assert.ErrorIs(t, err, ErrRequired)
}

func TestAuthorizeResourceMismatch(t *testing.T) {
	store := newFakeStore(true)
	gate := NewGate(store, testLogger())
	a := approvedApproval(t, store, "pb:all")

	_, err := gate.Authorize(context.Background(), store.project.ID, &a.ID, model.ResourceTypePlaybookApply, "pb:other-scope")

	assert.ErrorIs(t, err, ErrRequired)
}

func TestConsumeOnce(t *testing.T) {
	store := newFakeStore(true)
	gate := NewGate(store, testLogger())
	a := approvedApproval(t, store, "pb:all")

	require.NoError(t, gate.Consume(context.Background(), store.project.ID, a.ID))
	assert.Equal(t, model.ApprovalStatusConsumed, store.approvals[a.ID].Status)

	// Replays report done without flipping state back.
	require.NoError(t, gate.Consume(context.Background(), store.project.ID, a.ID))
	assert.Equal(t, model.ApprovalStatusConsumed, store.approvals[a.ID].Status)
}

func TestConsumedApprovalNoLongerAuthorizes(t *testing.T) {
	store := newFakeStore(true)
	gate := NewGate(store, testLogger())
	a := approvedApproval(t, store, "pb:all")
	require.NoError(t, gate.Consume(context.Background(), store.project.ID, a.ID))

	_, err := gate.Authorize(context.Background(), store.project.ID, &a.ID, model.ResourceTypePlaybookApply, "pb:all")

	assert.ErrorIs(t, err, ErrRequired)
}
