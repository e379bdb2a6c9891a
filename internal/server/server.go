package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/storewise-ai/storewise/internal/auth"
	"github.com/storewise-ai/storewise/internal/ratelimit"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// Server is the Storewise HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New constructs the server with the full route table and middleware chain.
//
// authLimiter throttles token issuance by client IP; apiLimiter throttles
// authenticated API traffic by user. Either may be nil to disable.
func New(cfg Config, h *Handlers, jwtMgr *auth.JWTManager, authLimiter, apiLimiter ratelimit.Limiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)

	authLimit := ratelimit.Middleware(authLimiter, ratelimit.IPKeyFunc, requestIDFromRequest)
	mux.Handle("POST /auth/token", authLimit(http.HandlerFunc(h.handleAuthToken)))

	mux.HandleFunc("POST /billing/webhooks", h.handleBillingWebhook)

	// Playbook operations.
	mux.HandleFunc("GET /v1/projects/{project_id}/playbooks", h.requireProject(canView, h.handleListPlaybooks))
	mux.HandleFunc("POST /v1/projects/{project_id}/playbooks/{playbook_id}/estimate", h.requireProject(canView, h.handleEstimate))
	mux.HandleFunc("POST /v1/projects/{project_id}/playbooks/{playbook_id}/preview", h.requireProject(canEdit, h.handlePreview))
	mux.HandleFunc("POST /v1/projects/{project_id}/playbooks/{playbook_id}/draft-generate", h.requireProject(canEdit, h.handleDraftGenerate))
	mux.HandleFunc("POST /v1/projects/{project_id}/playbooks/{playbook_id}/apply", h.requireProject(canApply, h.handleApply))

	// Runs.
	mux.HandleFunc("POST /v1/projects/{project_id}/runs", h.requireProject(canEdit, h.handleCreateRun))
	mux.HandleFunc("GET /v1/projects/{project_id}/runs", h.requireProject(canView, h.handleListRuns))
	mux.HandleFunc("GET /v1/projects/{project_id}/runs/{run_id}", h.requireProject(canView, h.handleGetRun))

	// Drafts.
	mux.HandleFunc("GET /v1/projects/{project_id}/drafts/{draft_id}", h.requireProject(canView, h.handleGetDraft))
	mux.HandleFunc("PATCH /v1/projects/{project_id}/drafts/{draft_id}/items/{item_index}", h.requireProject(canEdit, h.handleEditDraftItem))

	// Approvals.
	mux.HandleFunc("POST /v1/projects/{project_id}/approvals", h.requireProject(canEdit, h.handleCreateApproval))
	mux.HandleFunc("GET /v1/projects/{project_id}/approvals", h.requireProject(canView, h.handleListApprovals))
	mux.HandleFunc("GET /v1/projects/{project_id}/approvals/{approval_id}", h.requireProject(canView, h.handleGetApproval))
	mux.HandleFunc("POST /v1/projects/{project_id}/approvals/{approval_id}/decide", h.requireProject(canApply, h.handleDecideApproval))

	// Quota.
	mux.HandleFunc("GET /v1/projects/{project_id}/quota", h.requireProject(canView, h.handleGetQuota))

	// Billing (project owner only).
	mux.HandleFunc("POST /v1/projects/{project_id}/billing/checkout", h.requireProject(canApply, h.handleCreateCheckout))
	mux.HandleFunc("POST /v1/projects/{project_id}/billing/portal", h.requireProject(canApply, h.handleCreatePortal))

	apiLimit := ratelimit.Middleware(apiLimiter, userKeyFunc, requestIDFromRequest)

	// Middleware chain, outermost first. The API rate limiter sits inside
	// auth so it can key on the authenticated user.
	var handler http.Handler = mux
	handler = maxBytesMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = recoveryMiddleware(logger, handler)
	handler = apiLimit(handler)
	handler = authMiddleware(jwtMgr, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wired root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// requestIDFromRequest adapts RequestIDFromContext for the ratelimit package.
func requestIDFromRequest(r *http.Request) string {
	return RequestIDFromContext(r.Context())
}

// userKeyFunc keys API rate limiting on the authenticated user, falling back
// to client IP for unauthenticated paths.
func userKeyFunc(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return "user:" + claims.Subject
	}
	switch r.URL.Path {
	case "/health", "/auth/token", "/billing/webhooks":
		// Health is unthrottled; token issuance and webhooks have their
		// own gates.
		return ""
	}
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// maxBytesMiddleware caps request body size.
func maxBytesMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if maxBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
