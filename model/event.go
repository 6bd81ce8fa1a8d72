package model

import (
	"encoding/json"
	"io"
	"regexp"

	"github.com/pkg/errors"
)

// EventStatus represents the lifecycle state of an Event.
type EventStatus string

const (
	// EventStatusPending indicates the event is admitted but not yet matched
	// against subscriptions.
	EventStatusPending EventStatus = "pending"
	// EventStatusProcessing indicates deliveries were created and at least
	// one of them is not yet terminal.
	EventStatusProcessing EventStatus = "processing"
	// EventStatusDelivered indicates every delivery succeeded, or no
	// subscription matched.
	EventStatusDelivered EventStatus = "delivered"
	// EventStatusPartiallyDelivered indicates a mix of successful and
	// unsuccessful terminal deliveries.
	EventStatusPartiallyDelivered EventStatus = "partially_delivered"
	// EventStatusFailed indicates no delivery succeeded.
	EventStatusFailed EventStatus = "failed"
	// EventStatusExpired indicates the event aged out before processing.
	EventStatusExpired EventStatus = "expired"
)

// IsTerminal reports whether the status is final for the event.
func (s EventStatus) IsTerminal() bool {
	switch s {
	case EventStatusDelivered, EventStatusPartiallyDelivered, EventStatusFailed, EventStatusExpired:
		return true
	}
	return false
}

const (
	// MaxEventTypeLength bounds the event_type field.
	MaxEventTypeLength = 255
	// MaxSourceLength bounds the source field.
	MaxSourceLength = 255
	// MaxPayloadBytes bounds the serialized data payload of a single event.
	MaxPayloadBytes = 1 << 20
	// MaxBatchItems bounds the number of items in a batch publish.
	MaxBatchItems = 100
	// MaxBatchBytes bounds the total serialized payload of a batch publish.
	MaxBatchBytes = 10 << 20
)

var eventTypeRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Event is an immutable record of an inbound signal.
type Event struct {
	ID                   string          `json:"id"`
	EventType            string          `json:"event_type"`
	Source               string          `json:"source"`
	Data                 json.RawMessage `json:"data"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	Status               EventStatus     `json:"status"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
	CredentialID         string          `json:"credential_id,omitempty"`
	CreateAt             int64           `json:"create_at"`
	ProcessedAt          int64           `json:"processed_at,omitempty"`
	DeliveryAttempts     int             `json:"delivery_attempts"`
	SuccessfulDeliveries int             `json:"successful_deliveries"`
	FailedDeliveries     int             `json:"failed_deliveries"`
	LastError            string          `json:"last_error,omitempty"`
}

// ToEnvelope builds the wire envelope published to webhooks and streams.
func (e *Event) ToEnvelope() EventEnvelope {
	return EventEnvelope{
		ID:        e.ID,
		EventType: e.EventType,
		Source:    e.Source,
		Data:      e.Data,
		Metadata:  e.Metadata,
		CreateAt:  e.CreateAt,
	}
}

// EventFilter filters event list queries.
type EventFilter struct {
	EventType string
	Source    string
	Status    EventStatus
	Cursor    string
	Limit     int
}

// EventsFromReader decodes a slice of Events from JSON.
func EventsFromReader(reader io.Reader) ([]*Event, error) {
	events := []*Event{}
	err := json.NewDecoder(reader).Decode(&events)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode events")
	}
	return events, nil
}

// EventFromReader decodes a single Event from JSON.
func EventFromReader(reader io.Reader) (*Event, error) {
	var event Event
	err := json.NewDecoder(reader).Decode(&event)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode event")
	}
	return &event, nil
}

// ValidEventType reports whether the given event type is well formed.
func ValidEventType(eventType string) bool {
	return eventType != "" && len(eventType) <= MaxEventTypeLength && eventTypeRegex.MatchString(eventType)
}
