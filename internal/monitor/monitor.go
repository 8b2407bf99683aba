// Package monitor implements C6: the periodic modem health check that gates
// the outbound send queue.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/allyourbase/smsgw/internal/jobs"
	"github.com/allyourbase/smsgw/internal/modem"
)

// sendQueueName is the jobs queue C3 drains; paused/resumed by this monitor.
const sendQueueName = "sms_send"

// Status is the last-known health snapshot exposed to GET /api/health.
type Status struct {
	Available        bool
	SignalStrength   int
	NetworkType      string
	NetworkName      string
	BatteryLevel     int
	ConnectionStatus string
	CheckedAt        time.Time
}

// queueGate is the subset of jobs.Service the monitor needs to pause/resume
// the send queue, kept narrow so tests can fake it without a real Service.
type queueGate interface {
	PauseQueue(ctx context.Context, queueName, reason string) error
	ResumeQueue(ctx context.Context, queueName string) error
}

// Monitor periodically calls modem.Client.HealthCheck and pauses/resumes
// the sms_send queue based on the result.
type Monitor struct {
	modem            *modem.Client
	queue            queueGate
	logger           *slog.Logger
	period           time.Duration
	lowSignalWarnAt  int

	mu        sync.RWMutex
	status    Status
	isHealthy bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Monitor. period is spec.md §6's MODEM_HEALTH_CHECK_INTERVAL
// (default 60s); lowSignalWarnAt is the signal-strength threshold below
// which a successful check still logs a warning (spec.md §4.6).
func New(modemClient *modem.Client, queue queueGate, logger *slog.Logger, period time.Duration, lowSignalWarnAt int) *Monitor {
	if period <= 0 {
		period = 60 * time.Second
	}
	// Start optimistic: the first failed check is what triggers a pause,
	// not process startup itself.
	return &Monitor{modem: modemClient, queue: queue, logger: logger, period: period, lowSignalWarnAt: lowSignalWarnAt, isHealthy: true}
}

// Start launches the check loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop cancels the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs a single health check and applies the pause/resume rule.
// Exported so tests and the health endpoint's "check now" path can drive it
// directly.
func (m *Monitor) Tick(ctx context.Context) {
	snapshot, err := m.modem.HealthCheck(ctx)
	now := time.Now()

	if err != nil {
		m.logger.Warn("status monitor: health check failed", "error", err)
		wasHealthy := m.setUnhealthy(now)
		if wasHealthy {
			if pauseErr := m.queue.PauseQueue(ctx, sendQueueName, "modem unhealthy: "+err.Error()); pauseErr != nil {
				m.logger.Error("status monitor: failed to pause send queue", "error", pauseErr)
			} else {
				m.logger.Warn("status monitor: paused sms_send queue")
			}
		}
		return
	}

	if snapshot.SignalStrength < m.lowSignalWarnAt {
		m.logger.Warn("status monitor: low signal strength", "signal_strength", snapshot.SignalStrength)
	}

	wasUnhealthy := m.setHealthy(snapshot, now)
	if wasUnhealthy {
		if err := m.queue.ResumeQueue(ctx, sendQueueName); err != nil {
			m.logger.Error("status monitor: failed to resume send queue", "error", err)
		} else {
			m.logger.Info("status monitor: resumed sms_send queue")
		}
	}
}

// setUnhealthy records a failed check and reports whether the monitor was
// previously healthy (i.e. whether this is the transition that should
// trigger a pause).
func (m *Monitor) setUnhealthy(now time.Time) (wasHealthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasHealthy = m.isHealthy
	m.isHealthy = false
	m.status = Status{Available: false, CheckedAt: now}
	return wasHealthy
}

// setHealthy records a successful check and reports whether the monitor was
// previously unhealthy (i.e. whether this is the recovery transition).
func (m *Monitor) setHealthy(snapshot modem.HealthSnapshot, now time.Time) (wasUnhealthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasUnhealthy = !m.isHealthy
	m.isHealthy = true
	m.status = Status{
		Available:        true,
		SignalStrength:   snapshot.SignalStrength,
		NetworkType:      snapshot.NetworkType,
		NetworkName:      snapshot.NetworkName,
		BatteryLevel:     snapshot.BatteryLevel,
		ConnectionStatus: snapshot.ConnectionStatus,
		CheckedAt:        now,
	}
	return wasUnhealthy
}

// GetStatus returns the last-known health snapshot. Status.Available is
// false before the first successful check or after a failing one — the
// "sentinel indicating unavailability" spec.md §4.6 calls for.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsHealthy reports the monitor's current health flag.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHealthy
}
