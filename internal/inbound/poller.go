// Package inbound implements C4: the periodic scan of the modem's inbox
// that discovers new incoming SMS without duplication.
package inbound

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/allyourbase/smsgw/internal/modem"
	"github.com/allyourbase/smsgw/internal/store"
)

// boxTypeInbox is the modem's BoxType value for the inbox, per spec.md §4.4.
const boxTypeInbox = 1

// Poller periodically calls modem.Client.ListInbox and persists any message
// with an index greater than the last one it has already imported.
type Poller struct {
	modem  *modem.Client
	store  *store.Store
	logger *slog.Logger
	period time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Poller. period is the tick interval (spec.md §6's
// MODEM_POLL_INTERVAL, default 30s).
func New(modemClient *modem.Client, st *store.Store, logger *slog.Logger, period time.Duration) *Poller {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &Poller{modem: modemClient, store: st, logger: logger, period: period}
}

// Start launches the poll loop in a background goroutine. Call Stop to halt
// it and wait for the in-flight tick (if any) to finish.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop cancels the poll loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs a single poll pass: fetch the inbox, keep messages newer than
// the persisted high-water mark, insert them, and advance the mark only
// after every new message has been durably stored. Exported so tests and a
// manual "poll now" admin action can drive it directly.
func (p *Poller) Tick(ctx context.Context) {
	lastSeen, err := p.store.LastSeenIndex(ctx)
	if err != nil {
		p.logger.Error("inbound poller: failed to read last seen index", "error", err)
		return
	}

	messages, err := p.modem.ListInbox(ctx, boxTypeInbox)
	if err != nil {
		// Failure is logged and the mark is not advanced, per spec.md §4.4 —
		// the next tick will see the same messages again.
		p.logger.Warn("inbound poller: listInbox failed", "error", err)
		return
	}

	maxIndex := lastSeen
	inserted := 0
	for _, m := range messages {
		if m.Index <= lastSeen {
			continue
		}
		if _, err := p.store.CreateIncoming(ctx, m.Phone, m.Content, m.Index, string(m.Status)); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// Already imported by an earlier pass that crashed before
				// advancing the mark; the unique index on modem_index makes
				// this safe to skip rather than treat as a failure.
				if m.Index > maxIndex {
					maxIndex = m.Index
				}
				continue
			}
			// Stop at the first non-duplicate failure: do not advance the
			// mark past a message that failed to persist, or it will never
			// be retried.
			p.logger.Error("inbound poller: failed to persist incoming message", "modem_index", m.Index, "error", err)
			break
		}
		inserted++
		if m.Index > maxIndex {
			maxIndex = m.Index
		}
	}

	if maxIndex > lastSeen {
		if err := p.store.AdvanceLastSeenIndex(ctx, maxIndex); err != nil {
			p.logger.Error("inbound poller: failed to advance last seen index", "error", err)
			return
		}
	}
	if inserted > 0 {
		p.logger.Info("inbound poller: imported messages", "count", inserted, "last_seen_index", maxIndex)
	}
}
