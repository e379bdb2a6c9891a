package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/storage"
	"github.com/storewise-ai/storewise/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// fixture seeds one project with a user and a playbook.
type fixture struct {
	user     model.User
	project  model.Project
	playbook model.Playbook
}

func seedFixture(t *testing.T, draftType model.DraftType) fixture {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.New().String()[:8]

	user, err := testDB.CreateUser(ctx, model.User{
		Email:      "user-" + suffix + "@store.test",
		Name:       "Test User",
		APIKeyHash: "salt$hash",
	})
	require.NoError(t, err)

	limit := 100
	project, err := testDB.CreateProject(ctx, model.Project{
		Name:             "Project " + suffix,
		Slug:             "project-" + suffix,
		Plan:             "free",
		RunLimit:         &limit,
		SoftThresholdPct: 80,
		HardEnforcement:  true,
	})
	require.NoError(t, err)

	pb, err := testDB.CreatePlaybook(ctx, model.Playbook{
		ProjectID: project.ID,
		Slug:      "pb-" + suffix,
		Name:      "Playbook " + suffix,
		DraftType: draftType,
		Rules:     map[string]any{"tone": "neutral"},
	})
	require.NoError(t, err)

	return fixture{user: user, project: project, playbook: pb}
}

func (f fixture) runParams(key string) storage.CreateRunParams {
	return storage.CreateRunParams{
		ProjectID:      f.project.ID,
		PlaybookID:     f.playbook.ID,
		RunType:        model.RunTypeDraftGenerate,
		ScopeID:        "all",
		RulesHash:      "v1:abc",
		IdempotencyKey: key,
		CreatedBy:      f.user.ID,
	}
}

func TestCreateRunDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	first, created, err := testDB.CreateRun(ctx, f.runParams("key-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RunStatusQueued, first.Status)

	second, created, err := testDB.CreateRun(ctx, f.runParams("key-1"))
	require.NoError(t, err)
	assert.False(t, created, "active key must deduplicate")
	assert.Equal(t, first.ID, second.ID)
}

func TestFailedRunReleasesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	first, _, err := testDB.CreateRun(ctx, f.runParams("key-2"))
	require.NoError(t, err)

	claimed, err := testDB.ClaimRun(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	reason := "provider timeout"
	require.NoError(t, testDB.CompleteRun(ctx, first.ID, model.RunStatusFailed, &reason))

	// The key is free again; a retry creates a brand-new run.
	retry, created, err := testDB.CreateRun(ctx, f.runParams("key-2"))
	require.NoError(t, err)
	assert.True(t, created, "failed run must not block recreation")
	assert.NotEqual(t, first.ID, retry.ID)
}

func TestClaimRunIsSingleShot(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	run, _, err := testDB.CreateRun(ctx, f.runParams("key-3"))
	require.NoError(t, err)

	claimed, err := testDB.ClaimRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = testDB.ClaimRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "a running run cannot be claimed again")
}

func TestCompleteRunIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	run, _, err := testDB.CreateRun(ctx, f.runParams("key-4"))
	require.NoError(t, err)
	claimed, err := testDB.ClaimRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, testDB.CompleteRun(ctx, run.ID, model.RunStatusSucceeded, nil))
	assert.Error(t, testDB.CompleteRun(ctx, run.ID, model.RunStatusFailed, nil),
		"terminal runs are immutable")

	got, err := testDB.GetRun(ctx, f.project.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestClaimQueuedRunsBatch(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	// Drain runs left queued by earlier tests so the counts below are exact.
	_, err := testDB.ClaimQueuedRuns(ctx, 1000, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := testDB.CreateRun(ctx, f.runParams(fmt.Sprintf("batch-%d", i)))
		require.NoError(t, err)
	}

	claimed, err := testDB.ClaimQueuedRuns(ctx, 2, time.Hour)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
	for _, r := range claimed {
		assert.Equal(t, model.RunStatusRunning, r.Status)
	}

	rest, err := testDB.ClaimQueuedRuns(ctx, 10, time.Hour)
	require.NoError(t, err)
	assert.Len(t, rest, 1, "already-claimed runs must not be re-delivered")
}

func TestStaleRunningRunIsReclaimed(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	_, err := testDB.ClaimQueuedRuns(ctx, 1000, time.Hour)
	require.NoError(t, err)

	run, _, err := testDB.CreateRun(ctx, f.runParams("stale-claim"))
	require.NoError(t, err)

	claimed, err := testDB.ClaimQueuedRuns(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, run.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	require.NotNil(t, claimed[0].LockedUntil)

	// The lease is still live: nothing to reclaim.
	again, err := testDB.ClaimQueuedRuns(ctx, 10, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, again, "a live claim must not be redelivered")

	time.Sleep(100 * time.Millisecond)

	// Past the lease the run counts as abandoned and is claimed again.
	reclaimed, err := testDB.ClaimQueuedRuns(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, run.ID, reclaimed[0].ID)
	assert.Equal(t, 2, reclaimed[0].Attempts)

	// Completing clears the lease so terminal rows never match the scan.
	require.NoError(t, testDB.CompleteRun(ctx, run.ID, model.RunStatusSucceeded, nil))
	got, err := testDB.GetRun(ctx, f.project.ID, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LockedUntil)
}

func TestApprovalLifecycle(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)
	resourceID := model.ApplyResourceID(f.playbook.ID, "all")

	a, err := testDB.CreateApproval(ctx, f.project.ID, model.ResourceTypePlaybookApply, resourceID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusPending, a.Status)

	// Only one pending approval per resource.
	_, err = testDB.CreateApproval(ctx, f.project.ID, model.ResourceTypePlaybookApply, resourceID, f.user.ID)
	assert.ErrorIs(t, err, storage.ErrPendingApprovalExists)

	decided, err := testDB.DecideApproval(ctx, f.project.ID, a.ID, model.ApprovalStatusApproved, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusApproved, decided.Status)
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, f.user.ID, *decided.DecidedBy)

	// A decided approval cannot be re-decided.
	_, err = testDB.DecideApproval(ctx, f.project.ID, a.ID, model.ApprovalStatusRejected, f.user.ID)
	assert.Error(t, err)

	valid, err := testDB.GetValidApproval(ctx, f.project.ID, a.ID, model.ResourceTypePlaybookApply, resourceID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, valid.ID)

	// Resource mismatch is not a valid approval.
	_, err = testDB.GetValidApproval(ctx, f.project.ID, a.ID, model.ResourceTypePlaybookApply, "other:scope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err := testDB.ConsumeApproval(ctx, f.project.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.ConsumeApproval(ctx, f.project.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "an approval is consumed at most once")

	consumed, err := testDB.GetApproval(ctx, f.project.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStatusConsumed, consumed.Status)
	assert.NotNil(t, consumed.ConsumedAt)
}

func makeDraft(f fixture, workKey string, expiresAt *time.Time) model.Draft {
	return model.Draft{
		ProjectID:  f.project.ID,
		PlaybookID: f.playbook.ID,
		Kind:       model.DraftKindFull,
		DraftType:  model.DraftTypeSnippet,
		ScopeID:    "all",
		RulesHash:  "v1:abc",
		ExpiresAt:  expiresAt,
		Items: []model.DraftItem{
			{
				ItemIndex:       0,
				AIWorkKey:       workKey,
				Payload:         model.SnippetPayload{Text: "generated copy"},
				GeneratedWithAI: true,
			},
		},
	}
}

func TestLookupByWorkKey(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)
	key := "v1:" + uuid.New().String()

	_, err := testDB.LookupByWorkKey(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	draft, err := testDB.CreateDraft(ctx, makeDraft(f, key, nil))
	require.NoError(t, err)

	it, err := testDB.LookupByWorkKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, draft.Items[0].ID, it.ID)
	assert.Equal(t, model.SnippetPayload{Text: "generated copy"}, it.Payload)
}

func TestExpiredDraftIsCacheMiss(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)
	key := "v1:" + uuid.New().String()

	past := time.Now().UTC().Add(-time.Minute)
	_, err := testDB.CreateDraft(ctx, makeDraft(f, key, &past))
	require.NoError(t, err)

	_, err = testDB.LookupByWorkKey(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired artifacts must read as misses")
}

func TestDegradedItemIsCacheMiss(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)
	key := "v1:" + uuid.New().String()

	degraded := makeDraft(f, key, nil)
	degraded.Items[0].GeneratedWithAI = false
	degraded.Items[0].Degraded = true
	_, err := testDB.CreateDraft(ctx, degraded)
	require.NoError(t, err)

	_, err = testDB.LookupByWorkKey(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound, "degraded fallback content must not be reused")

	// A later real generation under the same key is served normally.
	real, err := testDB.CreateDraft(ctx, makeDraft(f, key, nil))
	require.NoError(t, err)
	it, err := testDB.LookupByWorkKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, real.Items[0].ID, it.ID)
	assert.False(t, it.Degraded)
}

func TestLatestDraftPrefersNewest(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	first, err := testDB.CreateDraft(ctx, makeDraft(f, "v1:"+uuid.New().String(), nil))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := testDB.CreateDraft(ctx, makeDraft(f, "v1:"+uuid.New().String(), nil))
	require.NoError(t, err)

	latest, err := testDB.LatestDraft(ctx, f.project.ID, f.playbook.ID, "all", "v1:abc", model.DraftKindFull)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)
}

func TestUpdateDraftItemEdit(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	draft, err := testDB.CreateDraft(ctx, makeDraft(f, "v1:"+uuid.New().String(), nil))
	require.NoError(t, err)

	edited := model.SnippetPayload{Text: "hand-tuned copy"}
	require.NoError(t, testDB.UpdateDraftItemEdit(ctx, f.project.ID, draft.ID, 0, edited))

	got, err := testDB.GetDraft(ctx, f.project.ID, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, edited, got.Items[0].EditedPayload)
	assert.Equal(t, model.SnippetPayload{Text: "generated copy"}, got.Items[0].Payload,
		"the generated payload is never overwritten")

	// Missing item index.
	err = testDB.UpdateDraftItemEdit(ctx, f.project.ID, draft.ID, 9, edited)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEditAppliedItemRejected(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	product, err := testDB.CreateProduct(ctx, model.Product{
		ProjectID: f.project.ID,
		Handle:    "gadget-" + uuid.New().String()[:8],
		Title:     "Gadget",
	})
	require.NoError(t, err)

	draft, err := testDB.CreateDraft(ctx, makeDraft(f, "v1:"+uuid.New().String(), nil))
	require.NoError(t, err)

	_, err = testDB.RecordApplication(ctx, model.Application{
		ProjectID:   f.project.ID,
		DraftID:     draft.ID,
		DraftItemID: draft.Items[0].ID,
		ProductID:   product.ID,
		AppliedBy:   f.user.ID,
	})
	require.NoError(t, err)

	applied, err := testDB.DraftItemApplied(ctx, draft.Items[0].ID)
	require.NoError(t, err)
	assert.True(t, applied)

	err = testDB.UpdateDraftItemEdit(ctx, f.project.ID, draft.ID, 0, model.SnippetPayload{Text: "too late"})
	assert.ErrorIs(t, err, storage.ErrAlreadyApplied)
}

func TestGenerationUsageLedger(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)
	period := storage.UsagePeriod(time.Now())

	sum, err := testDB.SumGenerationUsage(ctx, f.project.ID, period)
	require.NoError(t, err)
	assert.Zero(t, sum)

	require.NoError(t, testDB.RecordGenerationUsage(ctx, f.project.ID, nil, 7))
	require.NoError(t, testDB.RecordGenerationUsage(ctx, f.project.ID, nil, 3))
	require.NoError(t, testDB.RecordGenerationUsage(ctx, f.project.ID, nil, 0), "zero units is a no-op")

	sum, err = testDB.SumGenerationUsage(ctx, f.project.ID, period)
	require.NoError(t, err)
	assert.Equal(t, 10, sum)
}

func TestAppendProductContent(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeAnswerBlock)

	product, err := testDB.CreateProduct(ctx, model.Product{
		ProjectID:   f.project.ID,
		Handle:      "thing-" + uuid.New().String()[:8],
		Title:       "Thing",
		Description: "Original description.",
	})
	require.NoError(t, err)

	block := model.AnswerBlockPayload{Question: "Is it waterproof?", Answer: "Yes, to 50m."}
	require.NoError(t, testDB.AppendProductAnswerBlock(ctx, f.project.ID, product.ID, block))
	require.NoError(t, testDB.AppendProductSnippet(ctx, f.project.ID, product.ID, "New snippet."))
	require.NoError(t, testDB.UpdateProductMeta(ctx, f.project.ID, product.ID, "New Title", ""))

	got, err := testDB.GetProduct(ctx, f.project.ID, product.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.AnswerBlockPayload{block}, got.AnswerBlocks)
	assert.Equal(t, []string{"New snippet."}, got.Snippets)
	assert.Equal(t, "New Title", got.Title)
	assert.Equal(t, "Original description.", got.Description,
		"empty meta fields leave the existing value in place")
}

func TestGetMemberRole(t *testing.T) {
	ctx := context.Background()
	f := seedFixture(t, model.DraftTypeSnippet)

	_, err := testDB.GetMemberRole(ctx, f.project.ID, f.user.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "non-members resolve to not found")

	require.NoError(t, testDB.AddMember(ctx, f.project.ID, f.user.ID, model.RoleEditor))
	role, err := testDB.GetMemberRole(ctx, f.project.ID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleEditor, role)

	// Role upsert.
	require.NoError(t, testDB.AddMember(ctx, f.project.ID, f.user.ID, model.RoleOwner))
	role, err = testDB.GetMemberRole(ctx, f.project.ID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, role)
}
