package jobs

import "time"

// ErrSnooze lets a handler defer its job without consuming a retry attempt
// — used by the outbound dispatcher (C3) when the modem circuit breaker is
// open: the job isn't failing, it just can't run yet.
type ErrSnooze struct {
	Delay time.Duration
}

func (e *ErrSnooze) Error() string { return "job snoozed" }

// ErrNonRetryable marks a handler failure as terminal: the job is canceled
// immediately rather than retried with backoff, because no number of
// retries would change the outcome (e.g. an invalid phone number).
type ErrNonRetryable struct {
	Err error
}

func (e *ErrNonRetryable) Error() string { return e.Err.Error() }
func (e *ErrNonRetryable) Unwrap() error { return e.Err }
