package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/approval"
	"github.com/storewise-ai/storewise/internal/auth"
	"github.com/storewise-ai/storewise/internal/billing"
	"github.com/storewise-ai/storewise/internal/generator"
	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/playbook"
	"github.com/storewise-ai/storewise/internal/quota"
	"github.com/storewise-ai/storewise/internal/run"
	"github.com/storewise-ai/storewise/internal/storage"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db        *storage.DB
	jwt       *auth.JWTManager
	runs      *run.Orchestrator // configured scheduler (queue or inline)
	syncRuns  *run.Orchestrator // inline scheduler for synchronous requests
	engine    *playbook.Engine
	quota     *quota.Gate
	approvals *approval.Gate
	billing   *billing.Service
	logger    *slog.Logger
	version   string
	startTime time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(
	db *storage.DB,
	jwtMgr *auth.JWTManager,
	runs, syncRuns *run.Orchestrator,
	engine *playbook.Engine,
	quotaGate *quota.Gate,
	approvalGate *approval.Gate,
	billingSvc *billing.Service,
	version string,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		db:        db,
		jwt:       jwtMgr,
		runs:      runs,
		syncRuns:  syncRuns,
		engine:    engine,
		quota:     quotaGate,
		approvals: approvalGate,
		billing:   billingSvc,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

// projectContext carries the authenticated user's standing in the project
// named by the request path.
type projectContext struct {
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Role      model.ProjectRole
}

func canView(c model.Capabilities) bool  { return c.CanView }
func canEdit(c model.Capabilities) bool  { return c.CanEdit }
func canApply(c model.Capabilities) bool { return c.CanApply }

// requireProject resolves the project membership of the authenticated user
// and enforces the required capability. The role is read from the database
// per request, not from the token, so revocations take effect immediately.
func (h *Handlers) requireProject(need func(model.Capabilities) bool, fn func(w http.ResponseWriter, r *http.Request, pc projectContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
			return
		}

		projectID, err := uuid.Parse(r.PathValue("project_id"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid project id")
			return
		}

		role, err := h.db.GetMemberRole(r.Context(), projectID, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Non-members get 404, not 403, to avoid leaking which
				// project IDs exist.
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "project not found")
				return
			}
			h.logger.Error("resolve project membership", "error", err, "project_id", projectID)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
			return
		}

		if !need(model.CapabilitiesFor(role)) {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient role for this operation")
			return
		}

		fn(w, r, projectContext{ProjectID: projectID, UserID: userID, Role: role})
	}
}

// writeDomainError maps domain errors to API error responses.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, quota.ErrBlocked):
		writeError(w, r, http.StatusForbidden, model.ErrCodeQuotaBlocked, "generation quota exhausted for this billing period")
	case errors.Is(err, approval.ErrRequired):
		writeError(w, r, http.StatusForbidden, model.ErrCodeApprovalRequired, "a valid approval is required for this operation")
	case errors.Is(err, playbook.ErrNoDraft):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "no draft exists for this scope and rules; generate one first")
	case errors.Is(err, playbook.ErrDraftExpired):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "draft has expired; regenerate before applying")
	case errors.Is(err, generator.ErrExhausted):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeGenerationFailed, "generation provider capacity exhausted, retry later")
	case errors.Is(err, storage.ErrAlreadyApplied):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "draft item has already been applied")
	case errors.Is(err, storage.ErrPendingApprovalExists):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a pending approval already exists for this resource")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	default:
		h.logger.Error("handler error", "error", err, "path", r.URL.Path)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// parsePagination extracts limit/offset query parameters with defaults.
func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  int64(time.Since(h.startTime).Seconds()),
	}

	resp.Postgres = "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
	} else if depth, err := h.db.QueueDepth(r.Context()); err == nil {
		resp.QueueDepth = depth
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

func (h *Handlers) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Email == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "email and api_key are required")
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn the same hashing cost as a real check so timing does
			// not reveal whether the email exists.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeDomainError(w, r, err)
		return
	}

	if !auth.VerifyAPIKey(req.APIKey, user.APIKeyHash) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwt.IssueToken(user.ID, user.Email)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (h *Handlers) handleGetQuota(w http.ResponseWriter, r *http.Request, pc projectContext) {
	eval, err := h.quota.Evaluate(r.Context(), pc.ProjectID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, eval)
}
