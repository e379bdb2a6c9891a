package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/model"
)

func (h *Handlers) handleCreateApproval(w http.ResponseWriter, r *http.Request, pc projectContext) {
	var req model.CreateApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.ResourceType == "" || req.ResourceID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "resource_type and resource_id are required")
		return
	}

	a, err := h.approvals.Request(r.Context(), pc.ProjectID, req.ResourceType, req.ResourceID, pc.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

func (h *Handlers) handleGetApproval(w http.ResponseWriter, r *http.Request, pc projectContext) {
	approvalID, err := uuid.Parse(r.PathValue("approval_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid approval id")
		return
	}

	a, err := h.db.GetApproval(r.Context(), pc.ProjectID, approvalID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (h *Handlers) handleListApprovals(w http.ResponseWriter, r *http.Request, pc projectContext) {
	limit, offset := parsePagination(r)
	approvals, total, err := h.db.ListApprovals(r.Context(), pc.ProjectID, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeList(w, r, approvals, total, limit, offset)
}

func (h *Handlers) handleDecideApproval(w http.ResponseWriter, r *http.Request, pc projectContext) {
	approvalID, err := uuid.Parse(r.PathValue("approval_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid approval id")
		return
	}

	var req model.DecideApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Decision != model.ApprovalStatusApproved && req.Decision != model.ApprovalStatusRejected {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decision must be approved or rejected")
		return
	}

	a, err := h.db.DecideApproval(r.Context(), pc.ProjectID, approvalID, req.Decision, pc.UserID)
	if err != nil {
		// A non-pending approval cannot be re-decided; it reads as not
		// found by the conditional update.
		h.writeDomainError(w, r, err)
		return
	}

	h.logger.Info("approval decided",
		"approval_id", a.ID,
		"project_id", pc.ProjectID,
		"decision", string(req.Decision),
		"decided_by", pc.UserID,
	)
	writeJSON(w, r, http.StatusOK, a)
}
