package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/storewise-ai/storewise/internal/model"
	"github.com/storewise-ai/storewise/internal/playbook"
)

func (h *Handlers) handleGetDraft(w http.ResponseWriter, r *http.Request, pc projectContext) {
	draftID, err := uuid.Parse(r.PathValue("draft_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid draft id")
		return
	}

	draft, err := h.db.GetDraft(r.Context(), pc.ProjectID, draftID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, draft)
}

func (h *Handlers) handleEditDraftItem(w http.ResponseWriter, r *http.Request, pc projectContext) {
	draftID, err := uuid.Parse(r.PathValue("draft_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid draft id")
		return
	}
	itemIndex, err := strconv.Atoi(r.PathValue("item_index"))
	if err != nil || itemIndex < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid item index")
		return
	}

	var req model.UpdateDraftItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if len(req.NewValue) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "new_value is required")
		return
	}

	draft, err := h.engine.EditDraftItem(r.Context(), pc.ProjectID, draftID, itemIndex, req.NewValue)
	if err != nil {
		if errors.Is(err, playbook.ErrInvalidPayload) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, draft)
}
