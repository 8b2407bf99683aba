// Package store implements the Message and ApiKey domain entities (C8):
// state-transition-validated persistence backed by Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Direction distinguishes outgoing (client-submitted) from incoming
// (modem-discovered) messages.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// State is a Message's position in its delivery lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateReceived  State = "received"
)

// ErrNotFound is returned when a message or api key does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a state transition is attempted from
// a state that does not permit it (e.g. marking an already-sent message as
// sending again).
var ErrInvalidTransition = errors.New("invalid state transition")

// Message is the C8 domain entity: a single outgoing or incoming SMS.
type Message struct {
	ID            string
	APIKeyID      *string
	Direction     Direction
	State         State
	ToNumber      *string
	FromNumber    *string
	Body          string
	ModemMessageID *string
	ModemIndex    *int
	ModemStatus   *string
	JobID         *string
	LastError     *string
	SentAt        *time.Time
	DeliveredAt   *time.Time
	FailedAt      *time.Time
	ReceivedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PhoneNumber returns the counterparty number regardless of direction: the
// recipient for outgoing messages, the sender for incoming ones.
func (m *Message) PhoneNumber() string {
	if m.Direction == DirectionOutgoing && m.ToNumber != nil {
		return *m.ToNumber
	}
	if m.Direction == DirectionIncoming && m.FromNumber != nil {
		return *m.FromNumber
	}
	return ""
}

// Store persists Messages and ApiKeys in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store over an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const messageColumns = `id, api_key_id, direction, state, to_number, from_number, body,
	modem_message_id, modem_index, modem_status, job_id, last_error,
	sent_at, delivered_at, failed_at, received_at, created_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.APIKeyID, &m.Direction, &m.State, &m.ToNumber, &m.FromNumber, &m.Body,
		&m.ModemMessageID, &m.ModemIndex, &m.ModemStatus, &m.JobID, &m.LastError,
		&m.SentAt, &m.DeliveredAt, &m.FailedAt, &m.ReceivedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.APIKeyID, &m.Direction, &m.State, &m.ToNumber, &m.FromNumber, &m.Body,
			&m.ModemMessageID, &m.ModemIndex, &m.ModemStatus, &m.JobID, &m.LastError,
			&m.SentAt, &m.DeliveredAt, &m.FailedAt, &m.ReceivedAt, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateOutgoing persists a new outbound Message in state=pending, enqueues
// an sms_send job in the same transaction, and transitions the message to
// state=queued carrying the new job's id. This resolves the spec's open
// question about wiring enqueue at creation time rather than leaving it as a
// follow-up hook.
func (s *Store) CreateOutgoing(ctx context.Context, phone, content, apiKeyID string) (*Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var msgID string
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (api_key_id, direction, state, to_number, body)
		 VALUES ($1, 'outgoing', 'pending', $2, $3)
		 RETURNING id`,
		apiKeyID, phone, content,
	).Scan(&msgID)
	if err != nil {
		return nil, fmt.Errorf("inserting outgoing message: %w", err)
	}

	var jobID string
	err = tx.QueryRow(ctx,
		`INSERT INTO _ayb_jobs (type, payload) VALUES ('sms_send', jsonb_build_object('message_id', $1::text))
		 RETURNING id`,
		msgID,
	).Scan(&jobID)
	if err != nil {
		return nil, fmt.Errorf("enqueuing sms_send job: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE messages SET state = 'queued', job_id = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+messageColumns,
		msgID, jobID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("marking message queued: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return msg, nil
}

// CreateIncoming persists a modem-discovered inbound message directly in
// state=received. modemIndex is the modem's monotonic inbox index, relied
// on by the unique partial index to make C4's dedup idempotent across
// restarts. modemStatus is the modem's raw reported delivery status string.
func (s *Store) CreateIncoming(ctx context.Context, phone, content string, modemIndex int, modemStatus string) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (direction, state, from_number, body, modem_index, modem_status, received_at)
		 VALUES ('incoming', 'received', $1, $2, $3, $4, now())
		 RETURNING `+messageColumns,
		phone, content, modemIndex, modemStatus,
	)
	return scanMessage(row)
}

// Get fetches a message by id.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	return m, nil
}

// GetOwned fetches a message by id, scoped to the caller's apiKeyID. Returns
// ErrNotFound if the message doesn't exist or isn't owned by the caller.
func (s *Store) GetOwned(ctx context.Context, id, apiKeyID string) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND api_key_id = $2`,
		id, apiKeyID,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	return m, nil
}

// ListFilter narrows List to a subset of a caller's messages.
type ListFilter struct {
	Direction string
	State     string
	Phone     string
	Limit     int
	Offset    int
}

// List returns messages scoped to apiKeyID (outgoing messages belonging to
// the caller), newest first.
func (s *Store) List(ctx context.Context, apiKeyID string, f ListFilter) ([]Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE api_key_id = $1`
	args := []any{apiKeyID}

	if f.Direction != "" {
		args = append(args, f.Direction)
		query += fmt.Sprintf(" AND direction = $%d", len(args))
	}
	if f.State != "" {
		args = append(args, f.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if f.Phone != "" {
		args = append(args, f.Phone)
		query += fmt.Sprintf(" AND (to_number = $%d OR from_number = $%d)", len(args), len(args))
	}

	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListPendingReconcile returns outgoing messages in state=sent with a
// modem_message_id, whose sentAt is older than staleAfter — the candidate
// set for C5's delivery-status lookup (spec.md §4.5).
func (s *Store) ListPendingReconcile(ctx context.Context, staleAfter time.Duration) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE direction = 'outgoing' AND state = 'sent'
		   AND modem_message_id IS NOT NULL
		   AND sent_at < now() - make_interval(secs => $1)
		 ORDER BY sent_at ASC`,
		staleAfter.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages pending reconcile: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkSending transitions a message from pending|queued to sending, or
// re-affirms sending -> sending for a dispatcher job retrying after a
// transient modem failure (the job queue guarantees only one worker holds
// the job's lease at a time, so this is never a race between two senders).
// Rejects the transition (ErrInvalidTransition) if the message has already
// reached a terminal state, so a stale retry can never re-send a message
// that has already gone out.
func (s *Store) MarkSending(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE messages SET state = 'sending', updated_at = now()
		 WHERE id = $1 AND state IN ('pending', 'queued', 'sending')
		 RETURNING `+messageColumns,
		id,
	)
	return s.mustTransition(ctx, id, row)
}

// MarkSent transitions sending -> sent, recording the modem's message id and
// sentAt. sentAt is immutable thereafter per the spec's invariants.
func (s *Store) MarkSent(ctx context.Context, id, modemMessageID string) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE messages SET state = 'sent', modem_message_id = $2, sent_at = now(), updated_at = now()
		 WHERE id = $1 AND state = 'sending'
		 RETURNING `+messageColumns,
		id, modemMessageID,
	)
	return s.mustTransition(ctx, id, row)
}

// MarkDelivered transitions sent -> delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE messages SET state = 'delivered', delivered_at = now(), updated_at = now()
		 WHERE id = $1 AND state = 'sent'
		 RETURNING `+messageColumns,
		id,
	)
	return s.mustTransition(ctx, id, row)
}

// MarkFailed transitions pending|queued|sending|sent -> failed with a
// diagnostic reason. Reachable directly from queued/sending (non-retryable dispatch
// errors) or from sent (a reconciler-observed delivery failure).
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE messages SET state = 'failed', last_error = $2, failed_at = now(), updated_at = now()
		 WHERE id = $1 AND state IN ('pending', 'queued', 'sending', 'sent')
		 RETURNING `+messageColumns,
		id, reason,
	)
	return s.mustTransition(ctx, id, row)
}

func (s *Store) mustTransition(ctx context.Context, id string, row pgx.Row) (*Message, error) {
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish "doesn't exist" from "exists but precondition failed"
		// so callers can log a precise diagnostic.
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("updating message %s: %w", id, err)
	}
	return m, nil
}
