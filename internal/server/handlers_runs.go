package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/run"
	"github.com/storewise-ai/storewise/internal/workkey"
)

func (h *Handlers) handleCreateRun(w http.ResponseWriter, r *http.Request, pc projectContext) {
	var req model.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if !model.ValidRunType(req.RunType) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown run type")
		return
	}
	if err := model.ValidateScopeID(req.ScopeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Apply runs mutate products; creating one needs the apply capability
	// even though run creation itself is an editor operation.
	if req.RunType == model.RunTypeApply && !model.CapabilitiesFor(pc.Role).CanApply {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "apply runs require the apply capability")
		return
	}

	rulesHash := req.RulesHash
	if rulesHash == "" {
		pb, err := h.db.GetPlaybook(r.Context(), pc.ProjectID, req.PlaybookID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		rulesHash, err = workkey.RulesHash(pb.Rules)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}

	var key string
	if req.IdempotencyKey != nil {
		key = *req.IdempotencyKey
	}

	rn, created, err := h.runs.Create(r.Context(), run.CreateParams{
		ProjectID:      pc.ProjectID,
		PlaybookID:     req.PlaybookID,
		RunType:        req.RunType,
		ScopeID:        req.ScopeID,
		RulesHash:      rulesHash,
		IdempotencyKey: key,
		CreatedBy:      pc.UserID,
		Meta:           req.Meta,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		// Deduplicated create; both callers observe the same run.
		status = http.StatusOK
	}
	writeJSON(w, r, status, rn)
}

func (h *Handlers) handleGetRun(w http.ResponseWriter, r *http.Request, pc projectContext) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	rn, err := h.runs.Get(r.Context(), pc.ProjectID, runID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rn)
}

func (h *Handlers) handleListRuns(w http.ResponseWriter, r *http.Request, pc projectContext) {
	var filters model.RunFilters
	if v := r.URL.Query().Get("playbook_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid playbook_id filter")
			return
		}
		filters.PlaybookID = &id
	}
	if v := r.URL.Query().Get("run_type"); v != "" {
		rt := model.RunType(v)
		if !model.ValidRunType(rt) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_type filter")
			return
		}
		filters.RunType = &rt
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := model.RunStatus(v)
		filters.Status = &st
	}

	limit, offset := parsePagination(r)
	runs, total, err := h.runs.List(r.Context(), pc.ProjectID, filters, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeList(w, r, runs, total, limit, offset)
}
