package jobs

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// QueueConfig configures one named, independently-capped job queue (e.g.
// sms_send, sms_status). Workers for a queue only claim jobs of QueueConfig.Type.
type QueueConfig struct {
	Name         string        // queue_gates row / human-readable label
	Type         string        // job type claimed by this queue's workers
	Concurrency  int           // simultaneous workers
	PollInterval time.Duration // how often an idle worker polls for work
	RateLimit    int           // max claims started per RateWindow; 0 = unlimited
	RateWindow   time.Duration
}

// slidingRateLimiter is a shared token source for a queue's workers: at most
// RateLimit claims may start within any RateWindow.
type slidingRateLimiter struct {
	mu         sync.Mutex
	timestamps []time.Time
	limit      int
	window     time.Duration
}

func newSlidingRateLimiter(limit int, window time.Duration) *slidingRateLimiter {
	return &slidingRateLimiter{limit: limit, window: window}
}

// allow reports whether a claim may start now, recording it if so.
func (r *slidingRateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)
	kept := r.timestamps[:0]
	for _, ts := range r.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.timestamps = kept

	if len(r.timestamps) >= r.limit {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// RegisterQueue adds a named, independently-capped queue. Call before Start.
func (s *Service) RegisterQueue(q QueueConfig) {
	if q.PollInterval <= 0 {
		q.PollInterval = s.cfg.PollInterval
	}
	s.mu.Lock()
	s.queues = append(s.queues, q)
	s.mu.Unlock()
}

func (s *Service) startQueueWorkers(ctx context.Context) {
	s.mu.RLock()
	queues := append([]QueueConfig(nil), s.queues...)
	s.mu.RUnlock()

	for _, q := range queues {
		limiter := newSlidingRateLimiter(q.RateLimit, q.RateWindow)
		for i := 0; i < q.Concurrency; i++ {
			s.wg.Add(1)
			go s.queueWorkerLoop(ctx, q, limiter, i)
		}
	}
}

func (s *Service) queueWorkerLoop(ctx context.Context, q QueueConfig, limiter *slidingRateLimiter, workerNum int) {
	defer s.wg.Done()
	workerID := queueWorkerID(s.cfg.WorkerID, q.Name, workerNum)
	ticker := time.NewTicker(q.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndProcessQueue(ctx, q, limiter, workerID)
		}
	}
}

func (s *Service) pollAndProcessQueue(ctx context.Context, q QueueConfig, limiter *slidingRateLimiter, workerID string) {
	paused, err := s.store.IsQueuePaused(ctx, q.Name)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("failed to check queue gate", "queue", q.Name, "error", err)
		return
	}
	if paused {
		return
	}

	if !limiter.allow() {
		return
	}

	job, err := s.store.ClaimType(ctx, workerID, q.Type, s.cfg.LeaseDuration)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("failed to claim job", "queue", q.Name, "error", err)
		return
	}
	if job == nil {
		return
	}

	s.runClaimedJob(ctx, job, workerID)
}

// PauseQueue stops workers assigned to queueName from claiming new jobs.
// In-flight jobs already claimed run to completion.
func (s *Service) PauseQueue(ctx context.Context, queueName, reason string) error {
	return s.store.PauseQueue(ctx, queueName, reason)
}

// ResumeQueue clears queueName's pause gate.
func (s *Service) ResumeQueue(ctx context.Context, queueName string) error {
	return s.store.ResumeQueue(ctx, queueName)
}

// IsQueuePaused reports whether queueName is currently paused.
func (s *Service) IsQueuePaused(ctx context.Context, queueName string) (bool, error) {
	return s.store.IsQueuePaused(ctx, queueName)
}

func queueWorkerID(base, queueName string, n int) string {
	if base == "" {
		base = "worker"
	}
	return base + "-" + queueName + "-" + strconv.Itoa(n)
}
