package model

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// PublishEventRequest is the request body for admitting a single event.
type PublishEventRequest struct {
	EventType      string          `json:"event_type"`
	Source         string          `json:"source"`
	Data           json.RawMessage `json:"data"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// NewPublishEventRequestFromReader decodes a PublishEventRequest from JSON.
func NewPublishEventRequestFromReader(reader io.Reader) (*PublishEventRequest, error) {
	var request PublishEventRequest
	err := json.NewDecoder(reader).Decode(&request)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode publish event request")
	}
	return &request, nil
}

// Validate checks the request and returns per-field errors.
func (r *PublishEventRequest) Validate() map[string]string {
	fieldErrors := map[string]string{}
	if !ValidEventType(r.EventType) {
		fieldErrors["event_type"] = "must match [A-Za-z0-9._-]+ and be at most 255 characters"
	}
	if r.Source == "" || len(r.Source) > MaxSourceLength {
		fieldErrors["source"] = "must be set and at most 255 characters"
	}
	if len(r.Data) == 0 {
		fieldErrors["data"] = "must be set"
	} else if len(r.Data) > MaxPayloadBytes {
		fieldErrors["data"] = "serialized payload exceeds 1 MiB"
	}
	if len(fieldErrors) == 0 {
		return nil
	}
	return fieldErrors
}

// ToEvent builds a pending Event from the request.
func (r *PublishEventRequest) ToEvent(credentialID string) *Event {
	return &Event{
		ID:             NewEventID(),
		EventType:      r.EventType,
		Source:         r.Source,
		Data:           r.Data,
		Metadata:       r.Metadata,
		Status:         EventStatusPending,
		IdempotencyKey: r.IdempotencyKey,
		CredentialID:   credentialID,
		CreateAt:       GetMillis(),
	}
}

// BatchPublishItem is one entry of a batch publish request.
type BatchPublishItem struct {
	PublishEventRequest
	ReferenceID string `json:"reference_id,omitempty"`
}

// BatchPublishRequest admits up to MaxBatchItems events in one call.
type BatchPublishRequest struct {
	Events   []BatchPublishItem `json:"events"`
	FailFast bool               `json:"fail_fast,omitempty"`
}

// NewBatchPublishRequestFromReader decodes a BatchPublishRequest from JSON.
func NewBatchPublishRequestFromReader(reader io.Reader) (*BatchPublishRequest, error) {
	var request BatchPublishRequest
	err := json.NewDecoder(reader).Decode(&request)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode batch publish request")
	}
	return &request, nil
}

// Validate checks batch-level constraints only; items are validated
// independently during admission.
func (r *BatchPublishRequest) Validate() error {
	if len(r.Events) == 0 {
		return errors.New("batch must contain at least one event")
	}
	if len(r.Events) > MaxBatchItems {
		return errors.Errorf("batch exceeds %d items", MaxBatchItems)
	}
	total := 0
	for i := range r.Events {
		total += len(r.Events[i].Data)
	}
	if total > MaxBatchBytes {
		return errors.Errorf("total batch payload exceeds %d bytes", MaxBatchBytes)
	}
	return nil
}

// BatchPublishItemResult reports the outcome of one batch item.
type BatchPublishItemResult struct {
	Index       int       `json:"index"`
	ReferenceID string    `json:"reference_id,omitempty"`
	Success     bool      `json:"success"`
	Event       *Event    `json:"event,omitempty"`
	ErrorCode   ErrorCode `json:"error_code,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

// BatchPublishResponse is the response body of a batch publish.
type BatchPublishResponse struct {
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Results   []BatchPublishItemResult `json:"results"`
}

// NewBatchPublishResponseFromReader decodes a BatchPublishResponse from JSON.
func NewBatchPublishResponseFromReader(reader io.Reader) (*BatchPublishResponse, error) {
	var response BatchPublishResponse
	err := json.NewDecoder(reader).Decode(&response)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode batch publish response")
	}
	return &response, nil
}

// ListEventsPage is a cursor-paginated page of events.
type ListEventsPage struct {
	Events     []*Event `json:"events"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// NewListEventsPageFromReader decodes a ListEventsPage from JSON.
func NewListEventsPageFromReader(reader io.Reader) (*ListEventsPage, error) {
	var page ListEventsPage
	err := json.NewDecoder(reader).Decode(&page)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode events page")
	}
	return &page, nil
}
