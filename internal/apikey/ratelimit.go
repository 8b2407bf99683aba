package apikey

import (
	"sync"
	"time"
)

// HourlyLimiter enforces spec.md §4.7's per-key hourly quota: a fixed window
// keyed by floor(unixSeconds/3600), incremented atomically under a mutex.
// Counters are in-process only; a restart resets them (documented, spec.md
// §4.7's "Restart resets counters" behavior — acceptable for a single-node
// deployment).
type HourlyLimiter struct {
	mu      sync.Mutex
	buckets map[string]*hourBucket
}

type hourBucket struct {
	bucket int64
	count  int
}

// NewHourlyLimiter builds an empty limiter.
func NewHourlyLimiter() *HourlyLimiter {
	return &HourlyLimiter{buckets: make(map[string]*hourBucket)}
}

// currentBucket returns floor(unixSeconds/3600), the glossary's "hour bucket".
func currentBucket(now time.Time) int64 {
	return now.Unix() / 3600
}

// resetAt returns the unix timestamp at which the current hour bucket rolls
// over, used for the X-RateLimit-Reset header.
func resetAt(now time.Time) int64 {
	return (currentBucket(now) + 1) * 3600
}

// Allow increments keyID's counter for the current hour bucket if it is
// below limit, returning whether the request is allowed, the count
// remaining after this request (0 when denied), and the reset timestamp.
func (l *HourlyLimiter) Allow(keyID string, limit int) (allowed bool, remaining int, reset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	bucket := currentBucket(now)
	reset = resetAt(now)

	b, ok := l.buckets[keyID]
	if !ok || b.bucket != bucket {
		b = &hourBucket{bucket: bucket}
		l.buckets[keyID] = b
	}

	if b.count >= limit {
		return false, 0, reset
	}
	b.count++
	remaining = limit - b.count
	return true, remaining, reset
}
