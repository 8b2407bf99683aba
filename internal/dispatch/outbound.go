// Package dispatch implements C3: the outbound job handler that drains the
// sms_send queue, invokes the modem client, and classifies the outcome into
// success, snooze, retryable, or non-retryable per spec.md §4.3.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/allyourbase/smsgw/internal/jobs"
	"github.com/allyourbase/smsgw/internal/modem"
	"github.com/allyourbase/smsgw/internal/store"
)

// JobType is the _ayb_jobs.type value for outbound sends; also the
// QueueConfig.Type/Name registered with the job service.
const JobType = "sms_send"

// circuitOpenSnooze is how long a job is deferred, without consuming a
// retry attempt, when the modem circuit breaker is open (spec.md §4.3).
const circuitOpenSnooze = 60 * time.Second

// Dispatcher wires the modem client to the job queue.
type Dispatcher struct {
	modem  *modem.Client
	store  *store.Store
	logger *slog.Logger
}

// New builds a Dispatcher. Call Handler and register it on a jobs.Service.
func New(modemClient *modem.Client, st *store.Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{modem: modemClient, store: st, logger: logger}
}

type sendPayload struct {
	MessageID string `json:"message_id"`
}

// Handler returns the jobs.JobHandler for JobType.
func (d *Dispatcher) Handler() jobs.JobHandler {
	return d.handle
}

func (d *Dispatcher) handle(ctx context.Context, payload json.RawMessage) error {
	var p sendPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.MessageID == "" {
		return &jobs.ErrNonRetryable{Err: fmt.Errorf("invalid sms_send payload: %w", err)}
	}

	msg, err := d.store.Get(ctx, p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return &jobs.ErrNonRetryable{Err: fmt.Errorf("message %s not found", p.MessageID)}
	}
	if err != nil {
		return fmt.Errorf("loading message %s: %w", p.MessageID, err)
	}

	switch msg.State {
	case store.StateSent, store.StateDelivered, store.StateFailed:
		return &jobs.ErrNonRetryable{Err: fmt.Errorf("message %s not actionable (state=%s)", msg.ID, msg.State)}
	}

	if _, err := d.store.MarkSending(ctx, msg.ID); err != nil {
		// Per spec.md §4.3 step 2, a store failure transitioning to
		// `sending` is non-retryable: surface the message as failed rather
		// than risk repeated sends racing other workers.
		d.failMessage(ctx, msg.ID, fmt.Sprintf("failed to mark sending: %v", err))
		return &jobs.ErrNonRetryable{Err: err}
	}

	modemMessageID, err := d.modem.SendSMS(ctx, msg.PhoneNumber(), msg.Body)
	if err == nil {
		if _, sentErr := d.store.MarkSent(ctx, msg.ID, modemMessageID); sentErr != nil {
			return fmt.Errorf("marking message %s sent: %w", msg.ID, sentErr)
		}
		return nil
	}

	return d.classify(ctx, msg.ID, err)
}

// classify maps a modem.Error to the dispatcher's retry/snooze/fail
// decision per spec.md §4.3 step 3.
func (d *Dispatcher) classify(ctx context.Context, messageID string, err error) error {
	var merr *modem.Error
	if !errors.As(err, &merr) {
		// Fail-safe default: unrecognized error shapes are retried.
		return err
	}

	switch merr.Kind {
	case modem.KindCircuitOpen:
		return &jobs.ErrSnooze{Delay: circuitOpenSnooze}

	case modem.KindTimeout:
		return err

	case modem.KindHTTP:
		if merr.StatusCode >= 400 && merr.StatusCode < 500 {
			d.failMessage(ctx, messageID, fmt.Sprintf("modem rejected request: http %d", merr.StatusCode))
			return &jobs.ErrNonRetryable{Err: err}
		}
		// 5xx, or a transport-level failure (StatusCode == 0): retryable.
		return err

	case modem.KindModemCode:
		switch merr.Code {
		case 114:
			d.failMessage(ctx, messageID, "SMS box full (modem code 114); requires operator intervention")
			return &jobs.ErrNonRetryable{Err: err}
		case 117:
			d.failMessage(ctx, messageID, "invalid phone number (modem code 117)")
			return &jobs.ErrNonRetryable{Err: err}
		default:
			// 113 (busy), 115 (network error), 118 (temporarily unavailable),
			// and any unrecognized code: retry until attempts are exhausted.
			return err
		}

	case modem.KindParse:
		// Malformed XML is never retryable at the message level, but still
		// counts as a circuit-breaker failure (already recorded by the
		// modem client itself).
		d.failMessage(ctx, messageID, "modem returned an unparseable response")
		return &jobs.ErrNonRetryable{Err: err}

	default:
		return err
	}
}

func (d *Dispatcher) failMessage(ctx context.Context, messageID, reason string) {
	if _, err := d.store.MarkFailed(ctx, messageID, reason); err != nil {
		d.logger.Error("failed to mark message failed", "message_id", messageID, "error", err)
	}
}
