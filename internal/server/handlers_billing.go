package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/storewise-ai/storewise/internal/billing"
	"github.com/storewise-ai/storewise/internal/model"
)

func (h *Handlers) handleCreateCheckout(w http.ResponseWriter, r *http.Request, pc projectContext) {
	var req model.CheckoutSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "success_url and cancel_url are required")
		return
	}

	var email string
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		email = claims.Email
	}

	url, err := h.billing.CreateCheckoutSession(r.Context(), pc.ProjectID.String(), email, req.SuccessURL, req.CancelURL)
	if err != nil {
		if errors.Is(err, billing.ErrBillingDisabled) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "billing is not configured")
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.BillingSessionResponse{URL: url})
}

func (h *Handlers) handleCreatePortal(w http.ResponseWriter, r *http.Request, pc projectContext) {
	var req model.PortalSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "return_url is required")
		return
	}

	project, err := h.db.GetProject(r.Context(), pc.ProjectID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if project.StripeCustomerID == nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "no billing customer for this project; complete checkout first")
		return
	}

	url, err := h.billing.CreatePortalSession(r.Context(), *project.StripeCustomerID, req.ReturnURL)
	if err != nil {
		if errors.Is(err, billing.ErrBillingDisabled) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "billing is not configured")
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.BillingSessionResponse{URL: url})
}

// handleBillingWebhook receives Stripe webhook events. Signature
// verification happens inside the billing service; this endpoint is
// unauthenticated by design.
func (h *Handlers) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.billing.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "billing is not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unreadable request body")
		return
	}

	status, err := h.billing.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "status", status, "error", err)
		writeError(w, r, status, model.ErrCodeInvalidInput, "webhook rejected")
		return
	}
	writeJSON(w, r, status, map[string]string{"received": "true"})
}
