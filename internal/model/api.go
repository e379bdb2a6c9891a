package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Details carries machine-readable
// context (e.g. the pending approval for APPROVAL_REQUIRED).
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes. QUOTA_BLOCKED and
// APPROVAL_REQUIRED are deliberately distinct from FORBIDDEN so the UI can
// route to plan-upgrade and approval-request flows instead of treating
// them as access failures.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeQuotaBlocked     = "QUOTA_BLOCKED"
	ErrCodeApprovalRequired = "APPROVAL_REQUIRED"
	ErrCodeGenerationFailed = "GENERATION_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// EstimateRequest is the request body for playbook estimate.
type EstimateRequest struct {
	ScopeID string `json:"scope_id"`
}

// EstimateResponse projects the size and cost of a playbook over a scope.
type EstimateResponse struct {
	AffectedCount int   `json:"affected_count"`
	TokenEstimate int64 `json:"token_estimate"`
	Eligible      bool  `json:"eligible"`
}

// PreviewRequest is the request body for playbook preview.
type PreviewRequest struct {
	ScopeID    string         `json:"scope_id"`
	Rules      map[string]any `json:"rules,omitempty"` // overrides playbook rules when set
	SampleSize int            `json:"sample_size,omitempty"`
}

// PreviewResponse carries the lightweight preview draft and its sample.
type PreviewResponse struct {
	Draft  Draft       `json:"draft"`
	Sample []DraftItem `json:"sample"`
}

// DraftGenerateRequest is the request body for full draft generation.
type DraftGenerateRequest struct {
	ScopeID        string  `json:"scope_id"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	Synchronous    bool    `json:"synchronous,omitempty"` // bypass the run queue (small scopes, tests)
}

// DraftGenerateResponse reports the generation outcome per cache class.
type DraftGenerateResponse struct {
	DraftID     uuid.UUID `json:"draft_id"`
	ItemsFresh  int       `json:"items_fresh"`
	ItemsReused int       `json:"items_reused"`
}

// ApplyRequest is the request body for playbook apply.
type ApplyRequest struct {
	ScopeID    string     `json:"scope_id"`
	RulesHash  string     `json:"rules_hash"`
	ApprovalID *uuid.UUID `json:"approval_id,omitempty"`
}

// ApplyResponse reports partial-success apply counts.
type ApplyResponse struct {
	AppliedCount int `json:"applied_count"`
	SkippedCount int `json:"skipped_count"`
}

// ApprovalRequiredDetails is the machine-readable payload attached to an
// APPROVAL_REQUIRED error so the caller can deep-link to the approval flow.
type ApprovalRequiredDetails struct {
	Status       ApprovalStatus `json:"status"`
	ApprovalID   *uuid.UUID     `json:"approval_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
}

// CreateRunRequest is the request body for POST /v1/projects/{id}/runs.
type CreateRunRequest struct {
	PlaybookID     uuid.UUID      `json:"playbook_id"`
	RunType        RunType        `json:"run_type"`
	ScopeID        string         `json:"scope_id"`
	RulesHash      string         `json:"rules_hash"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// RunFilters narrows run listings.
type RunFilters struct {
	PlaybookID *uuid.UUID
	RunType    *RunType
	Status     *RunStatus
}

// UpdateDraftItemRequest is the request body for editing one draft item.
// The new value must match the draft's declared type; it is validated
// before persistence.
type UpdateDraftItemRequest struct {
	NewValue json.RawMessage `json:"new_value"`
}

// DecideApprovalRequest is the request body for approving or rejecting a
// pending approval.
type DecideApprovalRequest struct {
	Decision ApprovalStatus `json:"decision"` // approved or rejected
}

// CreateApprovalRequest is the request body for requesting an approval.
type CreateApprovalRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// CheckoutSessionRequest is the request body for creating a Stripe checkout
// session.
type CheckoutSessionRequest struct {
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// PortalSessionRequest is the request body for creating a Stripe billing
// portal session.
type PortalSessionRequest struct {
	ReturnURL string `json:"return_url"`
}

// BillingSessionResponse carries the redirect URL for a Stripe session.
type BillingSessionResponse struct {
	URL string `json:"url"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Email  string `json:"email"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Postgres   string `json:"postgres"`
	QueueDepth int    `json:"queue_depth"`
	Uptime     int64  `json:"uptime_seconds"`
}

// ValidateScopeID checks that a scope identifier is usable as a key
// component: non-empty, bounded, and free of the ':' separator used in
// composed identities.
func ValidateScopeID(scopeID string) error {
	if scopeID == "" {
		return fmt.Errorf("scope_id is required")
	}
	if len(scopeID) > 128 {
		return fmt.Errorf("scope_id must be at most 128 characters")
	}
	for i := 0; i < len(scopeID); i++ {
		c := scopeID[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("scope_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
