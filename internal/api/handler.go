// Package api implements the narrow HTTP surface exposed to C7's parent
// (spec.md §6): message submission, listing, lookup, health, and queue
// stats. It holds no routing concerns of its own — internal/server mounts
// these handlers on a chi.Router.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/allyourbase/smsgw/internal/jobs"
	"github.com/allyourbase/smsgw/internal/monitor"
	"github.com/allyourbase/smsgw/internal/postgres"
	"github.com/allyourbase/smsgw/internal/store"
)

// Handler groups the dependencies shared by every endpoint.
type Handler struct {
	store   *store.Store
	jobs    *jobs.Service
	monitor *monitor.Monitor
	pool    *postgres.Pool
	logger  *slog.Logger
}

// New builds a Handler. monitor may be nil in tests that don't exercise
// health-gated submission.
func New(st *store.Store, jobSvc *jobs.Service, mon *monitor.Monitor, pool *postgres.Pool, logger *slog.Logger) *Handler {
	return &Handler{store: st, jobs: jobSvc, monitor: mon, pool: pool, logger: logger}
}

// Mount registers every route on r. auth wraps the endpoints that require an
// API key; GET /api/health stays unauthenticated per spec.md §6.
func (h *Handler) Mount(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/api/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/api/v1/messages", h.handleSubmit)
		r.Get("/api/v1/messages", h.handleList)
		r.Get("/api/v1/messages/{id}", h.handleGet)
		r.Get("/api/v1/queue/stats", h.handleQueueStats)
	})
}
