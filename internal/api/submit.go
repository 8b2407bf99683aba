package api

import (
	"net/http"
	"unicode/utf8"

	"github.com/allyourbase/smsgw/internal/apikey"
	"github.com/allyourbase/smsgw/internal/httputil"
	"github.com/allyourbase/smsgw/internal/phonenum"
)

type submitRequest struct {
	Phone   string `json:"phone"`
	Content string `json:"content"`
}

// handleSubmit implements POST /api/v1/messages (spec.md §6).
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key := apikey.FromContext(r.Context())
	if key == nil {
		httputil.WriteError(w, http.StatusUnauthorized, "missing authentication")
		return
	}

	var req submitRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Content == "" {
		httputil.WriteFieldError(w, http.StatusBadRequest, "content is required", "content", "required", "must not be empty")
		return
	}
	if utf8.RuneCountInString(req.Content) > maxMessageLength {
		httputil.WriteFieldError(w, http.StatusBadRequest, "content too long", "content", "too_long", "must be 160 characters or fewer")
		return
	}

	phone, err := phonenum.Normalize(req.Phone)
	if err != nil {
		httputil.WriteFieldError(w, http.StatusBadRequest, "invalid phone number", "phone", "invalid", "must be a valid E.164 phone number")
		return
	}

	if h.monitor != nil && !h.monitor.IsHealthy() {
		httputil.WriteError(w, http.StatusServiceUnavailable, "modem unavailable")
		return
	}

	msg, err := h.store.CreateOutgoing(r.Context(), phone, req.Content, key.ID)
	if err != nil {
		h.logger.Error("creating outgoing message", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, formatMessage(msg))
}

// maxMessageLength matches spec.md §3's content limit (and the
// messages.body CHECK constraint).
const maxMessageLength = 160
