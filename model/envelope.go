package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EventEnvelope is the serialized form of an event as published to webhook
// receivers and to the live stream topic.
type EventEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreateAt  int64           `json:"created_at"`

	// TargetSubscriptions lists the subscription IDs the event fanned out to.
	// It is set on stream messages only, never on webhook payloads.
	TargetSubscriptions []string `json:"_target_subscriptions,omitempty"`
}

// ToJSON serializes the envelope.
func (e *EventEnvelope) ToJSON() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event envelope")
	}
	return payload, nil
}

// EnvelopeFromJSON decodes an envelope from its serialized form.
func EnvelopeFromJSON(data []byte) (*EventEnvelope, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event envelope")
	}
	return &envelope, nil
}

// MetadataSubscriptionID extracts metadata.subscription_id when present. The
// stream filter falls back to it when the envelope carries no explicit
// target list.
func (e *EventEnvelope) MetadataSubscriptionID() string {
	if len(e.Metadata) == 0 {
		return ""
	}
	var meta struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := json.Unmarshal(e.Metadata, &meta); err != nil {
		return ""
	}
	return meta.SubscriptionID
}
