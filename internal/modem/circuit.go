package modem

import (
	"sync"
	"time"
)

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half-open"
)

// circuitBreaker guards calls to the modem's HTTP endpoint. It is shared by
// every operation on a Client and is safe for concurrent use. State does not
// survive a process restart — that is acceptable per the design.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               circuitState
	consecutiveFailures int
	openedAt            time.Time

	failureThreshold int
	openDuration     time.Duration
}

func newCircuitBreaker(failureThreshold int, openDuration time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

// allow reports whether a call may proceed. When the breaker is open but the
// cooldown has elapsed, it transitions to half-open and allows exactly this
// one probing call through.
func (c *circuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitClosed:
		return true
	case circuitHalfOpen:
		// The probe is still in flight; its recorded outcome decides the state.
		return false
	case circuitOpen:
		if time.Since(c.openedAt) >= c.openDuration {
			c.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// recordSuccess clears the failure counter. In half-open it explicitly
// closes the breaker and clears openedAt, rather than relying on the next
// failure check to notice.
func (c *circuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.state = circuitClosed
	c.openedAt = time.Time{}
}

// recordFailure increments the failure counter and opens the breaker once
// the threshold is reached, or immediately re-opens from half-open.
func (c *circuitBreaker) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = time.Now()
		return
	}

	c.consecutiveFailures++
	if c.consecutiveFailures >= c.failureThreshold {
		c.state = circuitOpen
		c.openedAt = time.Now()
	}
}

func (c *circuitBreaker) snapshot() (state circuitState, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.consecutiveFailures
}
