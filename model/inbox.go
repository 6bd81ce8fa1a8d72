package model

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Inbox fetch parameter bounds.
const (
	MaxInboxLimit                = 100
	DefaultVisibilityTimeoutSecs = 30
	MinVisibilityTimeoutSecs     = 1
	MaxVisibilityTimeoutSecs     = 43200
	MaxInboxWaitSecs             = 20
	// ReceiptHandleGraceSecs extends the receipt TTL past the visibility
	// deadline so a late ack can still be classified as expired vs unknown.
	ReceiptHandleGraceSecs = 60
)

// InboxMessage is an event leased to a pull consumer.
type InboxMessage struct {
	ID                string          `json:"id"`
	EventType         string          `json:"event_type"`
	Source            string          `json:"source"`
	Data              json.RawMessage `json:"data"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreateAt          int64           `json:"created_at"`
	ReceiptHandle     string          `json:"receipt_handle"`
	VisibilityTimeout int             `json:"visibility_timeout"`
	DeliveryCount     int             `json:"delivery_count"`
}

// InboxFetchResponse is the response body for an inbox fetch.
type InboxFetchResponse struct {
	Messages []*InboxMessage `json:"messages"`
}

// NewInboxFetchResponseFromReader decodes an InboxFetchResponse from JSON.
func NewInboxFetchResponseFromReader(reader io.Reader) (*InboxFetchResponse, error) {
	var response InboxFetchResponse
	err := json.NewDecoder(reader).Decode(&response)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode inbox fetch response")
	}
	return &response, nil
}

// BatchAckRequest acknowledges up to 100 receipt handles at once.
type BatchAckRequest struct {
	ReceiptHandles []string `json:"receipt_handles"`
}

// NewBatchAckRequestFromReader decodes a BatchAckRequest from JSON.
func NewBatchAckRequestFromReader(reader io.Reader) (*BatchAckRequest, error) {
	var request BatchAckRequest
	err := json.NewDecoder(reader).Decode(&request)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode batch ack request")
	}
	return &request, nil
}

// BatchAckResult is the per-handle outcome of a batch ack.
type BatchAckResult struct {
	ReceiptHandle string `json:"receipt_handle"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// BatchAckResponse is the response body of a batch ack.
type BatchAckResponse struct {
	Results []BatchAckResult `json:"results"`
}

// ChangeVisibilityRequest replaces a handle's visibility deadline.
type ChangeVisibilityRequest struct {
	ReceiptHandle     string `json:"receipt_handle"`
	VisibilityTimeout int    `json:"visibility_timeout"`
}

// NewChangeVisibilityRequestFromReader decodes a ChangeVisibilityRequest from
// JSON.
func NewChangeVisibilityRequestFromReader(reader io.Reader) (*ChangeVisibilityRequest, error) {
	var request ChangeVisibilityRequest
	err := json.NewDecoder(reader).Decode(&request)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode change visibility request")
	}
	return &request, nil
}

// InboxStats summarizes the pull queue.
type InboxStats struct {
	CountsByStatus    map[EventStatus]int64 `json:"counts_by_status"`
	CountsByEventType map[string]int64      `json:"counts_by_event_type"`
	OldestPendingAt   int64                 `json:"oldest_pending_at,omitempty"`
}

// NewInboxStatsFromReader decodes InboxStats from JSON.
func NewInboxStatsFromReader(reader io.Reader) (*InboxStats, error) {
	var stats InboxStats
	err := json.NewDecoder(reader).Decode(&stats)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode inbox stats")
	}
	return &stats, nil
}
