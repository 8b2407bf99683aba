package store

import (
	"context"
	"fmt"
)

// LastSeenIndex returns the highest modem inbox index the inbound poller
// (C4) has successfully imported. Persisted in Postgres rather than
// in-process state per spec.md §9, so a restart does not replay the entire
// inbox (the unique index on messages.modem_index still makes that replay
// idempotent, but this avoids it in the common case).
func (s *Store) LastSeenIndex(ctx context.Context) (int, error) {
	var idx int
	err := s.pool.QueryRow(ctx, `SELECT last_seen_index FROM inbound_poll_state WHERE id = true`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("reading last seen inbox index: %w", err)
	}
	return idx, nil
}

// AdvanceLastSeenIndex raises the persisted high-water mark to newIndex,
// never lowering it (a poll with a lower max shouldn't regress the mark).
func (s *Store) AdvanceLastSeenIndex(ctx context.Context, newIndex int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE inbound_poll_state SET last_seen_index = $1, updated_at = now()
		 WHERE id = true AND last_seen_index < $1`,
		newIndex,
	)
	if err != nil {
		return fmt.Errorf("advancing last seen inbox index: %w", err)
	}
	return nil
}
