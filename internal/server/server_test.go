package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storewise-ai/storewise/internal/approval"
	"github.com/storewise-ai/storewise/internal/auth"
	"github.com/storewise-ai/storewise/internal/billing"
	"github.com/storewise-ai/storewise/internal/generator"
	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/playbook"
	"github.com/storewise-ai/storewise/internal/quota"
	"github.com/storewise-ai/storewise/internal/run"
	"github.com/storewise-ai/storewise/internal/server"
	"github.com/storewise-ai/storewise/internal/storage"
	"github.com/storewise-ai/storewise/internal/testutil"
	"github.com/storewise-ai/storewise/internal/workkey"
)

var (
	testSrv *httptest.Server
	testDB  *storage.DB

	ownerToken  string
	editorToken string
	viewerToken string
	otherToken  string

	project  model.Project
	playbk   model.Playbook
	products []model.Product
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := testutil.TestLogger()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}

	jwtMgr, err := auth.NewJWTManager("", "", 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create JWT manager: %v\n", err)
		os.Exit(1)
	}

	quotaGate := quota.NewGate(testDB, logger)
	approvalGate := approval.NewGate(testDB, logger)
	engine := playbook.NewEngine(testDB, generator.NewPlaceholder(), quotaGate, approvalGate, playbook.Config{
		DraftTTL: time.Hour,
	}, logger)

	inline := run.NewOrchestrator(testDB, run.NewInlineScheduler(testDB, engine, logger), logger)
	billingSvc, _ := billing.New(testDB, billing.Config{}, logger)

	handlers := server.NewHandlers(testDB, jwtMgr, inline, inline, engine, quotaGate, approvalGate, billingSvc, "test", logger)
	srv := server.New(server.Config{
		Addr:                ":0",
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
	}, handlers, jwtMgr, nil, nil, logger)

	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	if err := seed(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed test data: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func seed(ctx context.Context) error {
	mkUser := func(email, key string) (model.User, error) {
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return model.User{}, err
		}
		return testDB.CreateUser(ctx, model.User{Email: email, Name: email, APIKeyHash: hash})
	}

	owner, err := mkUser("owner@store.test", "owner-key")
	if err != nil {
		return err
	}
	editor, err := mkUser("editor@store.test", "editor-key")
	if err != nil {
		return err
	}
	viewer, err := mkUser("viewer@store.test", "viewer-key")
	if err != nil {
		return err
	}
	if _, err = mkUser("other@store.test", "other-key"); err != nil {
		return err
	}

	limit := 1000
	project, err = testDB.CreateProject(ctx, model.Project{
		Name:             "Acme Storefront",
		Slug:             "acme",
		Plan:             "pro",
		RunLimit:         &limit,
		SoftThresholdPct: 80,
		RequireApproval:  true,
	})
	if err != nil {
		return err
	}

	for userID, role := range map[uuid.UUID]model.ProjectRole{
		owner.ID:  model.RoleOwner,
		editor.ID: model.RoleEditor,
		viewer.ID: model.RoleViewer,
	} {
		if err := testDB.AddMember(ctx, project.ID, userID, role); err != nil {
			return err
		}
	}

	playbk, err = testDB.CreatePlaybook(ctx, model.Playbook{
		ProjectID: project.ID,
		Slug:      "seasonal-snippets",
		Name:      "Seasonal Snippets",
		DraftType: model.DraftTypeSnippet,
		Rules:     map[string]any{"tone": "friendly", "max_length": float64(160)},
	})
	if err != nil {
		return err
	}

	var productIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		p, err := testDB.CreateProduct(ctx, model.Product{
			ProjectID:   project.ID,
			Handle:      fmt.Sprintf("widget-%d", i),
			Title:       fmt.Sprintf("Widget %d", i),
			Description: "A fine widget.",
		})
		if err != nil {
			return err
		}
		products = append(products, p)
		productIDs = append(productIDs, p.ID)
	}
	if err := testDB.CreateScope(ctx, project.ID, "all", productIDs); err != nil {
		return err
	}

	ownerToken = getToken("owner@store.test", "owner-key")
	editorToken = getToken("editor@store.test", "editor-key")
	viewerToken = getToken("viewer@store.test", "viewer-key")
	otherToken = getToken("other@store.test", "other-key")
	return nil
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func getToken(email, apiKey string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{Email: email, APIKey: apiKey})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	defer resp.Body.Close()
	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	var tr model.AuthTokenResponse
	_ = json.Unmarshal(env.Data, &tr)
	return tr.Token
}

func doRequest(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, testSrv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func projectPath(suffix string) string {
	return "/v1/projects/" + project.ID.String() + suffix
}

func rulesHash(t *testing.T) string {
	t.Helper()
	h, err := workkey.RulesHash(playbk.Rules)
	require.NoError(t, err)
	return h
}

func TestHealth(t *testing.T) {
	status, env := doRequest(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)

	var hr model.HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &hr))
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, "ok", hr.Postgres)
}

func TestAuthTokenRejectsBadKey(t *testing.T) {
	status, env := doRequest(t, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{Email: "owner@store.test", APIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	status, env := doRequest(t, http.MethodGet, projectPath("/runs"), "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
}

func TestNonMemberSeesNotFound(t *testing.T) {
	status, env := doRequest(t, http.MethodGet, projectPath("/runs"), otherToken, nil)
	assert.Equal(t, http.StatusNotFound, status, "non-members must not learn the project exists")
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestEstimate(t *testing.T) {
	status, env := doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/estimate"),
		viewerToken, model.EstimateRequest{ScopeID: "all"})
	require.Equal(t, http.StatusOK, status)

	var er model.EstimateResponse
	require.NoError(t, json.Unmarshal(env.Data, &er))
	assert.Equal(t, len(products), er.AffectedCount)
	assert.True(t, er.Eligible)
	assert.Positive(t, er.TokenEstimate)
}

func TestViewerCannotGenerate(t *testing.T) {
	status, env := doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/draft-generate"),
		viewerToken, model.DraftGenerateRequest{ScopeID: "all", Synchronous: true})
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeForbidden, env.Error.Code)
}

func TestPreview(t *testing.T) {
	status, env := doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/preview"),
		editorToken, model.PreviewRequest{ScopeID: "all", SampleSize: 2})
	require.Equal(t, http.StatusOK, status)

	var pr model.PreviewResponse
	require.NoError(t, json.Unmarshal(env.Data, &pr))
	assert.Equal(t, model.DraftKindPreview, pr.Draft.Kind)
	assert.Len(t, pr.Sample, 2)
}

func TestDraftGenerateAndApplyFlow(t *testing.T) {
	// Generate synchronously.
	status, env := doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/draft-generate"),
		editorToken, model.DraftGenerateRequest{ScopeID: "all", Synchronous: true})
	require.Equal(t, http.StatusOK, status)

	var gen model.DraftGenerateResponse
	require.NoError(t, json.Unmarshal(env.Data, &gen))
	assert.Equal(t, len(products), gen.ItemsFresh+gen.ItemsReused)

	// Replaying the same request converges on the same draft.
	status, env = doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/draft-generate"),
		editorToken, model.DraftGenerateRequest{ScopeID: "all", Synchronous: true})
	require.Equal(t, http.StatusOK, status)
	var replay model.DraftGenerateResponse
	require.NoError(t, json.Unmarshal(env.Data, &replay))
	assert.Equal(t, gen.DraftID, replay.DraftID)

	// Apply without an approval is rejected; the project requires one.
	applyReq := model.ApplyRequest{ScopeID: "all", RulesHash: rulesHash(t)}
	status, env = doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/apply"),
		ownerToken, applyReq)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeApprovalRequired, env.Error.Code)

	// Request an approval for the apply.
	status, env = doRequest(t, http.MethodPost, projectPath("/approvals"), editorToken,
		model.CreateApprovalRequest{
			ResourceType: model.ResourceTypePlaybookApply,
			ResourceID:   model.ApplyResourceID(playbk.ID, "all"),
		})
	require.Equal(t, http.StatusCreated, status)
	var a model.Approval
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.Equal(t, model.ApprovalStatusPending, a.Status)

	// Editors cannot decide approvals.
	status, _ = doRequest(t, http.MethodPost,
		projectPath("/approvals/"+a.ID.String()+"/decide"),
		editorToken, model.DecideApprovalRequest{Decision: model.ApprovalStatusApproved})
	assert.Equal(t, http.StatusForbidden, status)

	status, env = doRequest(t, http.MethodPost,
		projectPath("/approvals/"+a.ID.String()+"/decide"),
		ownerToken, model.DecideApprovalRequest{Decision: model.ApprovalStatusApproved})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.Equal(t, model.ApprovalStatusApproved, a.Status)

	// Apply with the approval succeeds and consumes it.
	applyReq.ApprovalID = &a.ID
	status, env = doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/apply"),
		ownerToken, applyReq)
	require.Equal(t, http.StatusOK, status)
	var ar model.ApplyResponse
	require.NoError(t, json.Unmarshal(env.Data, &ar))
	assert.Equal(t, len(products), ar.AppliedCount)
	assert.Zero(t, ar.SkippedCount)

	status, env = doRequest(t, http.MethodGet,
		projectPath("/approvals/"+a.ID.String()), viewerToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.Equal(t, model.ApprovalStatusConsumed, a.Status)

	// The consumed approval no longer authorizes a second apply.
	status, env = doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/apply"),
		ownerToken, applyReq)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeApprovalRequired, env.Error.Code)
}

func TestApplyResolvesApprovalByResource(t *testing.T) {
	ctx := context.Background()

	p, err := testDB.CreateProduct(ctx, model.Product{
		ProjectID:   project.ID,
		Handle:      "widget-featured",
		Title:       "Featured Widget",
		Description: "A featured widget.",
	})
	require.NoError(t, err)
	require.NoError(t, testDB.CreateScope(ctx, project.ID, "featured", []uuid.UUID{p.ID}))

	status, env := doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/draft-generate"),
		editorToken, model.DraftGenerateRequest{ScopeID: "featured", Synchronous: true})
	require.Equal(t, http.StatusOK, status)

	// Request an approval, then apply without echoing its ID back: the
	// rejection points at the pending record so the caller can decide it.
	status, env = doRequest(t, http.MethodPost, projectPath("/approvals"), editorToken,
		model.CreateApprovalRequest{
			ResourceType: model.ResourceTypePlaybookApply,
			ResourceID:   model.ApplyResourceID(playbk.ID, "featured"),
		})
	require.Equal(t, http.StatusCreated, status)
	var a model.Approval
	require.NoError(t, json.Unmarshal(env.Data, &a))

	applyReq := model.ApplyRequest{ScopeID: "featured", RulesHash: rulesHash(t)}
	status, env = doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/apply"),
		ownerToken, applyReq)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeApprovalRequired, env.Error.Code)
	var details model.ApprovalRequiredDetails
	require.NoError(t, json.Unmarshal(env.Error.Details, &details))
	require.NotNil(t, details.ApprovalID)
	assert.Equal(t, a.ID, *details.ApprovalID)
	assert.Equal(t, model.ApprovalStatusPending, details.Status)

	status, _ = doRequest(t, http.MethodPost,
		projectPath("/approvals/"+a.ID.String()+"/decide"),
		ownerToken, model.DecideApprovalRequest{Decision: model.ApprovalStatusApproved})
	require.Equal(t, http.StatusOK, status)

	// Once approved, the apply authorizes by resource alone.
	status, env = doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/apply"),
		ownerToken, applyReq)
	require.Equal(t, http.StatusOK, status)
	var ar model.ApplyResponse
	require.NoError(t, json.Unmarshal(env.Data, &ar))
	assert.Equal(t, 1, ar.AppliedCount)

	status, env = doRequest(t, http.MethodGet,
		projectPath("/approvals/"+a.ID.String()), viewerToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &a))
	assert.Equal(t, model.ApprovalStatusConsumed, a.Status)
}

func TestEditDraftItemRejectsWrongShape(t *testing.T) {
	// Generate a draft to edit.
	status, env := doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/draft-generate"),
		editorToken, model.DraftGenerateRequest{ScopeID: "all", Synchronous: true})
	require.Equal(t, http.StatusOK, status)
	var gen model.DraftGenerateResponse
	require.NoError(t, json.Unmarshal(env.Data, &gen))

	// A snippet draft cannot take an answer-block payload.
	status, env = doRequest(t, http.MethodPatch,
		projectPath("/drafts/"+gen.DraftID.String()+"/items/0"),
		editorToken, model.UpdateDraftItemRequest{
			NewValue: json.RawMessage(`{"question":"?","answer":"!"}`),
		})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestGetDraft(t *testing.T) {
	status, env := doRequest(t, http.MethodPost,
		projectPath("/playbooks/"+playbk.ID.String()+"/draft-generate"),
		editorToken, model.DraftGenerateRequest{ScopeID: "all", Synchronous: true})
	require.Equal(t, http.StatusOK, status)
	var gen model.DraftGenerateResponse
	require.NoError(t, json.Unmarshal(env.Data, &gen))

	status, env = doRequest(t, http.MethodGet,
		projectPath("/drafts/"+gen.DraftID.String()), viewerToken, nil)
	require.Equal(t, http.StatusOK, status)

	var draft model.Draft
	require.NoError(t, json.Unmarshal(env.Data, &draft))
	assert.Equal(t, gen.DraftID, draft.ID)
	assert.Len(t, draft.Items, len(products))
}

func TestListRuns(t *testing.T) {
	status, env := doRequest(t, http.MethodGet, projectPath("/runs?run_type=draft_generate"), viewerToken, nil)
	require.Equal(t, http.StatusOK, status)

	var runs []model.Run
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	assert.NotEmpty(t, runs)
	for _, rn := range runs {
		assert.Equal(t, model.RunTypeDraftGenerate, rn.RunType)
	}
}

func TestGetQuota(t *testing.T) {
	status, env := doRequest(t, http.MethodGet, projectPath("/quota"), viewerToken, nil)
	require.Equal(t, http.StatusOK, status)

	var eval model.QuotaEvaluation
	require.NoError(t, json.Unmarshal(env.Data, &eval))
	assert.Equal(t, model.QuotaAllowed, eval.Status)
}

func TestBillingDisabled(t *testing.T) {
	status, env := doRequest(t, http.MethodPost, projectPath("/billing/checkout"), ownerToken,
		model.CheckoutSessionRequest{SuccessURL: "https://x.test/ok", CancelURL: "https://x.test/no"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, env.Error)
}

func TestCreateRunValidation(t *testing.T) {
	status, env := doRequest(t, http.MethodPost, projectPath("/runs"), editorToken,
		model.CreateRunRequest{PlaybookID: playbk.ID, RunType: "bogus", ScopeID: "all"})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)

	// Editors cannot create apply runs.
	status, env = doRequest(t, http.MethodPost, projectPath("/runs"), editorToken,
		model.CreateRunRequest{PlaybookID: playbk.ID, RunType: model.RunTypeApply, ScopeID: "all"})
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
}
