// Package reconcile implements C5: the periodic delivery-status lookup for
// messages that have been sent to the modem but have not yet reached a
// terminal state.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/allyourbase/smsgw/internal/modem"
	"github.com/allyourbase/smsgw/internal/store"
)

// staleAfter is spec.md §4.5's "sentAt < now - 5 min" window: a message is
// only eligible for reconciliation once the modem has plausibly had time to
// report a final status.
const staleAfter = 5 * time.Minute

// Reconciler looks up delivery status for sent-but-not-final messages.
type Reconciler struct {
	modem  *modem.Client
	store  *store.Store
	logger *slog.Logger
}

// New builds a Reconciler. Register Run as the handler for the
// sms_status_reconcile cron schedule (jobs.Service.RegisterDefaultSchedules).
func New(modemClient *modem.Client, st *store.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{modem: modemClient, store: st, logger: logger}
}

// Run executes one reconcile pass over every eligible message. Errors
// reaching the modem for a single message are logged and do not stop the
// pass; the next cron tick retries.
func (r *Reconciler) Run(ctx context.Context) error {
	messages, err := r.store.ListPendingReconcile(ctx, staleAfter)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if err := r.reconcileOne(ctx, &msg); err != nil {
			var merr *modem.Error
			if errors.As(err, &merr) && merr.Kind == modem.KindCircuitOpen {
				// spec.md §4.5: "circuit-open -> abandon this cycle
				// silently." Abandon the whole pass, not just this message:
				// the breaker won't close again before the remaining
				// lookups would also fail.
				r.logger.Debug("reconciler: circuit open, abandoning cycle")
				return nil
			}
			r.logger.Error("reconciler: status lookup failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, msg *store.Message) error {
	if msg.ModemMessageID == nil {
		return nil
	}

	status, err := r.modem.GetStatus(ctx, *msg.ModemMessageID)
	if err != nil {
		return err
	}

	switch status {
	case modem.StatusDelivered:
		if _, err := r.store.MarkDelivered(ctx, msg.ID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
	case modem.StatusFailed:
		if _, err := r.store.MarkFailed(ctx, msg.ID, "Delivery failed (modem reported)"); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
	case modem.StatusPending, modem.StatusSent, modem.StatusUnknown:
		// Left untouched; the next cycle will retry (spec.md §4.5).
	}
	return nil
}
