package api

import (
	"net/http"

	"github.com/allyourbase/smsgw/internal/httputil"
)

type queueStatsResponse struct {
	SmsSend   any `json:"sms_send"`
	SmsStatus any `json:"sms_status"`
}

// handleQueueStats implements GET /api/v1/queue/stats, a supplemented
// endpoint exposing jobs.Store.Stats per queue to operators (SPEC_FULL.md).
func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	sendStats, err := h.jobs.StatsByType(r.Context(), "sms_send")
	if err != nil {
		h.logger.Error("fetching sms_send queue stats", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch queue stats")
		return
	}
	statusStats, err := h.jobs.StatsByType(r.Context(), "sms_status_reconcile")
	if err != nil {
		h.logger.Error("fetching sms_status queue stats", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch queue stats")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, queueStatsResponse{SmsSend: sendStats, SmsStatus: statusStats})
}
