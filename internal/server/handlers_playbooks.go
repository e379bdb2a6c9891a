package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/approval"
	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/run"
	"github.com/storewise-ai/storewise/internal/workkey"
)

func (h *Handlers) handleListPlaybooks(w http.ResponseWriter, r *http.Request, pc projectContext) {
	playbooks, err := h.db.ListPlaybooks(r.Context(), pc.ProjectID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeList(w, r, playbooks, len(playbooks), len(playbooks), 0)
}

func (h *Handlers) handleEstimate(w http.ResponseWriter, r *http.Request, pc projectContext) {
	playbookID, err := uuid.Parse(r.PathValue("playbook_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid playbook id")
		return
	}

	var req model.EstimateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateScopeID(req.ScopeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.engine.Estimate(r.Context(), pc.ProjectID, playbookID, req.ScopeID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) handlePreview(w http.ResponseWriter, r *http.Request, pc projectContext) {
	playbookID, err := uuid.Parse(r.PathValue("playbook_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid playbook id")
		return
	}

	var req model.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateScopeID(req.ScopeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.engine.Preview(r.Context(), pc.ProjectID, playbookID, req, pc.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) handleDraftGenerate(w http.ResponseWriter, r *http.Request, pc projectContext) {
	playbookID, err := uuid.Parse(r.PathValue("playbook_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid playbook id")
		return
	}

	var req model.DraftGenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateScopeID(req.ScopeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	pb, err := h.db.GetPlaybook(r.Context(), pc.ProjectID, playbookID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	rulesHash, err := workkey.RulesHash(pb.Rules)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	orch := h.runs
	if req.Synchronous {
		orch = h.syncRuns
	}

	var key string
	if req.IdempotencyKey != nil {
		key = *req.IdempotencyKey
	}

	rn, _, err := orch.Create(r.Context(), run.CreateParams{
		ProjectID:      pc.ProjectID,
		PlaybookID:     playbookID,
		RunType:        model.RunTypeDraftGenerate,
		ScopeID:        req.ScopeID,
		RulesHash:      rulesHash,
		IdempotencyKey: key,
		CreatedBy:      pc.UserID,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	// Inline execution completes before Create returns; re-read for the
	// terminal status. Queued runs come back unchanged.
	rn, err = orch.Get(r.Context(), pc.ProjectID, rn.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	switch rn.Status {
	case model.RunStatusSucceeded:
		draft, err := h.db.LatestDraft(r.Context(), pc.ProjectID, playbookID, req.ScopeID, rulesHash, model.DraftKindFull)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		fresh, reused := draftCacheCounts(draft)
		writeJSON(w, r, http.StatusOK, model.DraftGenerateResponse{
			DraftID:     draft.ID,
			ItemsFresh:  fresh,
			ItemsReused: reused,
		})
	case model.RunStatusFailed:
		h.writeRunFailure(w, r, rn)
	default:
		writeJSON(w, r, http.StatusAccepted, rn)
	}
}

func (h *Handlers) handleApply(w http.ResponseWriter, r *http.Request, pc projectContext) {
	playbookID, err := uuid.Parse(r.PathValue("playbook_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid playbook id")
		return
	}

	var req model.ApplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateScopeID(req.ScopeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.RulesHash == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "rules_hash is required")
		return
	}

	resp, err := h.engine.Apply(r.Context(), pc.ProjectID, playbookID, req, pc.UserID)
	if err != nil {
		h.writeApplyError(w, r, pc, playbookID, req, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// writeApplyError maps apply failures, attaching the pending approval record
// to APPROVAL_REQUIRED so the caller can deep-link to the decision flow.
func (h *Handlers) writeApplyError(w http.ResponseWriter, r *http.Request, pc projectContext, playbookID uuid.UUID, req model.ApplyRequest, err error) {
	if !errors.Is(err, approval.ErrRequired) {
		h.writeDomainError(w, r, err)
		return
	}

	details := model.ApprovalRequiredDetails{
		ResourceType: model.ResourceTypePlaybookApply,
		ResourceID:   model.ApplyResourceID(playbookID, req.ScopeID),
	}
	if req.ApprovalID != nil {
		details.ApprovalID = req.ApprovalID
		if a, aErr := h.db.GetApproval(r.Context(), pc.ProjectID, *req.ApprovalID); aErr == nil {
			details.Status = a.Status
		}
	} else if a, aErr := h.db.GetPendingApproval(r.Context(), pc.ProjectID, details.ResourceType, details.ResourceID); aErr == nil {
		id := a.ID
		details.ApprovalID = &id
		details.Status = a.Status
	}
	writeErrorDetails(w, r, http.StatusForbidden, model.ErrCodeApprovalRequired,
		"a valid approval is required to apply this playbook", details)
}

// writeRunFailure translates a failed run's recorded reason back into an API
// error. The typed error is lost once the failure is persisted as text, so
// classification matches on the package prefixes used by the engine.
func (h *Handlers) writeRunFailure(w http.ResponseWriter, r *http.Request, rn model.Run) {
	reason := "run failed"
	if rn.FailureReason != nil {
		reason = *rn.FailureReason
	}
	switch {
	case strings.Contains(reason, "quota:"):
		writeError(w, r, http.StatusForbidden, model.ErrCodeQuotaBlocked, reason)
	case strings.Contains(reason, "capacity exhausted"):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeGenerationFailed, reason)
	default:
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeGenerationFailed, reason)
	}
}

// draftCacheCounts splits a draft's items into freshly generated vs reused.
func draftCacheCounts(d model.Draft) (fresh, reused int) {
	for _, it := range d.Items {
		if it.ReusedFromWorkKey != nil {
			reused++
		} else {
			fresh++
		}
	}
	return fresh, reused
}
