package api

import (
	"net/http"

	"github.com/allyourbase/smsgw/internal/httputil"
)

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Modem    string `json:"modem"`
	Queue    string `json:"queue"`
}

// handleHealth implements GET /api/health (spec.md §6), folding modem
// health into a single public status endpoint rather than a separate
// surface (SPEC_FULL.md's supplemented-features note).
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Database: "ok", Modem: "ok", Queue: "ok"}
	healthy := true

	if err := h.pool.Ping(r.Context()); err != nil {
		resp.Database = "unreachable"
		healthy = false
	}

	if h.monitor != nil && !h.monitor.IsHealthy() {
		resp.Modem = "unavailable"
		healthy = false
	}

	if h.jobs != nil {
		if paused, err := h.jobs.IsQueuePaused(r.Context(), sendQueueName); err == nil && paused {
			resp.Queue = "paused"
		}
	}

	if !healthy {
		resp.Status = "degraded"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// sendQueueName matches internal/monitor's gate; duplicated here rather than
// exported to keep the two packages decoupled.
const sendQueueName = "sms_send"
