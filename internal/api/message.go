package api

import (
	"time"

	"github.com/allyourbase/smsgw/internal/store"
)

// messageJSON is the wire shape of a Message (spec.md §6), nulls omitted.
type messageJSON struct {
	ID             string     `json:"id"`
	Direction      string     `json:"direction"`
	Phone          string     `json:"phone"`
	Content        string     `json:"content"`
	Status         string     `json:"status"`
	ModemMessageID *string    `json:"modemMessageId,omitempty"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReceivedAt     *time.Time `json:"receivedAt,omitempty"`
	InsertedAt     time.Time  `json:"insertedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func formatMessage(m *store.Message) messageJSON {
	return messageJSON{
		ID:             m.ID,
		Direction:      string(m.Direction),
		Phone:          m.PhoneNumber(),
		Content:        m.Body,
		Status:         string(m.State),
		ModemMessageID: m.ModemMessageID,
		ErrorMessage:   m.LastError,
		SentAt:         m.SentAt,
		DeliveredAt:    m.DeliveredAt,
		ReceivedAt:     m.ReceivedAt,
		InsertedAt:     m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func formatMessages(msgs []store.Message) []messageJSON {
	out := make([]messageJSON, len(msgs))
	for i := range msgs {
		out[i] = formatMessage(&msgs[i])
	}
	return out
}
