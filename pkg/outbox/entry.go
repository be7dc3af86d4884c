package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one durable event awaiting publication.
type Entry struct {
	// ID is a time-ordered UUID and doubles as the message key.
	ID string

	// AggregateType names the kind of entity the event is about.
	AggregateType string

	// AggregateID identifies the entity. Empty when the event has none.
	AggregateID string

	// EventType names what happened.
	EventType string

	// Payload is the JSON event body.
	Payload []byte

	CreatedAt time.Time

	// PublishedAt is set once, when the bus acknowledged the entry.
	PublishedAt *time.Time
}

// NewEntry serializes payload into a new unpublished entry.
func NewEntry(aggregateType, aggregateID, eventType string, payload any, now time.Time) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: failed to generate id: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: failed to encode %s payload: %w", eventType, err)
	}

	return Entry{
		ID:            id.String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     now.UTC(),
	}, nil
}
