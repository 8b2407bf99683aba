// Package apikey implements C7: bearer API key authentication and the
// per-key hourly rate limiter guarding the message submission endpoint.
package apikey

import (
	"context"
	"log/slog"

	"github.com/allyourbase/smsgw/internal/store"
)

// lastUsedQueueSize bounds the async last_used_at update queue (spec.md §9:
// "implement as a bounded worker pool consuming a non-blocking channel;
// drop updates under pressure rather than spawning unbounded tasks").
const lastUsedQueueSize = 256

// lastUsedWorkers is the number of goroutines draining the update queue.
const lastUsedWorkers = 4

// Service authenticates API keys and tracks per-key hourly usage.
type Service struct {
	store            *store.Store
	limiter          *HourlyLimiter
	defaultRateLimit int
	logger           *slog.Logger

	touches chan string
	cancel  context.CancelFunc
}

// New builds a Service. defaultRateLimit is the fallback hourly quota used
// when an ApiKey has no RateLimit of its own (spec.md §4.7 step 4).
func New(st *store.Store, defaultRateLimit int, logger *slog.Logger) *Service {
	s := &Service{
		store:            st,
		limiter:          NewHourlyLimiter(),
		defaultRateLimit: defaultRateLimit,
		logger:           logger,
		touches:          make(chan string, lastUsedQueueSize),
	}
	return s
}

// Start launches the bounded last_used_at update workers. Call once before
// serving traffic; Stop to drain and terminate.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < lastUsedWorkers; i++ {
		go s.touchWorker(ctx)
	}
}

// Stop terminates the update workers. Queued touches not yet processed are
// dropped, consistent with the "best-effort" contract.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) touchWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case keyID := <-s.touches:
			if err := s.store.TouchLastUsed(ctx, keyID); err != nil {
				s.logger.Warn("failed to update api key last_used_at", "key_id", keyID, "error", err)
			}
		}
	}
}

// queueTouch enqueues a best-effort last_used_at update, dropping it
// silently if the queue is full.
func (s *Service) queueTouch(keyID string) {
	select {
	case s.touches <- keyID:
	default:
		s.logger.Debug("dropping api key last_used_at update, queue full", "key_id", keyID)
	}
}

// effectiveLimit resolves a key's hourly quota: its own RateLimit if set,
// otherwise the configured default.
func (s *Service) effectiveLimit(key *store.ApiKey) int {
	if key.RateLimit != nil && *key.RateLimit > 0 {
		return *key.RateLimit
	}
	return s.defaultRateLimit
}
