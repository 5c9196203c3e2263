// Package events implements a transactional outbox for episode lifecycle
// events and a relay that publishes them to Kafka.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EpisodeEnrolled   = "episode.enrolled"
	SessionRecorded   = "session.recorded"
	VoucherRegistered = "voucher.registered"
	ReportUploaded    = "report.uploaded"
	EpisodeFinalized  = "episode.finalized"
)

// Event is one outbox row.
type Event struct {
	ID          int64
	AggregateID uuid.UUID
	Type        string
	Payload     json.RawMessage
	CreatedAt   time.Time
	RetryCount  int
}

// Envelope is the JSON message body published for an Event.
type Envelope struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
}

func (e Event) Envelope() Envelope {
	return Envelope{
		ID:          e.ID,
		Type:        e.Type,
		AggregateID: e.AggregateID,
		OccurredAt:  e.CreatedAt.UTC(),
		Data:        e.Payload,
	}
}
