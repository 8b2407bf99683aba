package api

import (
	"net/http"
	"strconv"

	"github.com/allyourbase/smsgw/internal/apikey"
	"github.com/allyourbase/smsgw/internal/httputil"
	"github.com/allyourbase/smsgw/internal/store"
)

// handleList implements GET /api/v1/messages (spec.md §6).
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	key := apikey.FromContext(r.Context())
	if key == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authentication")
		return
	}

	q := r.URL.Query()
	filter := store.ListFilter{
		Direction: q.Get("direction"),
		State:     q.Get("status"),
		Phone:     q.Get("phone"),
		Limit:     50,
		Offset:    0,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	msgs, err := h.store.List(r.Context(), key.ID, filter)
	if err != nil {
		h.logger.Error("listing messages", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, formatMessages(msgs))
}
