package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/allyourbase/smsgw/internal/apikey"
	"github.com/allyourbase/smsgw/internal/httputil"
	"github.com/allyourbase/smsgw/internal/store"
)

// handleGet implements GET /api/v1/messages/{id} (spec.md §6).
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := apikey.FromContext(r.Context())
	if key == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authentication")
		return
	}

	id := chi.URLParam(r, "id")
	msg, err := h.store.GetOwned(r.Context(), id, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		h.logger.Error("fetching message", "error", err, "id", id)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch message")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, formatMessage(msg))
}
