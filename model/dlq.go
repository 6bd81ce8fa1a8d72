package model

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// DLQEntry is the compact record stored on the dead-letter list.
type DLQEntry struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	Source        string `json:"source"`
	CreateAt      int64  `json:"created_at"`
	EnqueuedAt    int64  `json:"enqueued_at"`
	DLQEnteredAt  int64  `json:"dlq_entered_at"`
	FailureReason string `json:"failure_reason"`
	RetryCount    int    `json:"retry_count"`
	// RetriedAt is set when the entry has been re-queued at least once.
	RetriedAt int64 `json:"retried_at,omitempty"`
}

// ToJSON serializes the entry in its exact list-item form.
func (e *DLQEntry) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal dlq entry")
	}
	return data, nil
}

// DLQEntryFromJSON decodes a list item.
func DLQEntryFromJSON(data []byte) (*DLQEntry, error) {
	var entry DLQEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal dlq entry")
	}
	return &entry, nil
}

// DLQPage is a filtered slice of the dead-letter list.
type DLQPage struct {
	Entries []*DLQEntry `json:"entries"`
	Total   int         `json:"total"`
}

// NewDLQPageFromReader decodes a DLQPage from JSON.
func NewDLQPageFromReader(reader io.Reader) (*DLQPage, error) {
	var page DLQPage
	err := json.NewDecoder(reader).Decode(&page)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode dlq page")
	}
	return &page, nil
}

// DLQStats summarizes the dead-letter list.
type DLQStats struct {
	Total             int              `json:"total"`
	CountsByEventType map[string]int64 `json:"counts_by_event_type"`
	CountsBySource    map[string]int64 `json:"counts_by_source"`
	OldestEnqueuedAt  int64            `json:"oldest_enqueued_at,omitempty"`
	NewestEnqueuedAt  int64            `json:"newest_enqueued_at,omitempty"`
}

// NewDLQStatsFromReader decodes DLQStats from JSON.
func NewDLQStatsFromReader(reader io.Reader) (*DLQStats, error) {
	var stats DLQStats
	err := json.NewDecoder(reader).Decode(&stats)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode dlq stats")
	}
	return &stats, nil
}

// DLQBatchRequest names the event IDs for a batch retry or dismiss.
type DLQBatchRequest struct {
	EventIDs []string `json:"event_ids"`
}

// NewDLQBatchRequestFromReader decodes a DLQBatchRequest from JSON.
func NewDLQBatchRequestFromReader(reader io.Reader) (*DLQBatchRequest, error) {
	var request DLQBatchRequest
	err := json.NewDecoder(reader).Decode(&request)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode dlq batch request")
	}
	return &request, nil
}

// DLQBatchResult is the per-event outcome of a batch retry or dismiss.
type DLQBatchResult struct {
	EventID string `json:"event_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DLQBatchResponse is the response body of a batch retry or dismiss.
type DLQBatchResponse struct {
	Results []DLQBatchResult `json:"results"`
}

// QueueMessage is the JSON item pushed to queue:events on admission.
type QueueMessage struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	Source     string `json:"source"`
	CreateAt   int64  `json:"created_at"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// ToJSON serializes the queue message.
func (m *QueueMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal queue message")
	}
	return data, nil
}
