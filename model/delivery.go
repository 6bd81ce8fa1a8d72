package model

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// DeliveryStatus represents the state machine position of a Delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusInFlight  DeliveryStatus = "in_flight"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
	DeliveryStatusExhausted DeliveryStatus = "exhausted"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusExhausted, DeliveryStatusCancelled:
		return true
	}
	return false
}

// DeliveryErrorType classifies a failed delivery attempt.
type DeliveryErrorType string

const (
	DeliveryErrorHTTP       DeliveryErrorType = "http_error"
	DeliveryErrorTimeout    DeliveryErrorType = "timeout"
	DeliveryErrorConnection DeliveryErrorType = "connection_error"
	DeliveryErrorUnknown    DeliveryErrorType = "unknown_error"
)

// MaxResponseBodyBytes bounds the stored response body snapshot.
const MaxResponseBodyBytes = 10 << 10

// DeliveryAttempt summarizes one delivery attempt in the history.
type DeliveryAttempt struct {
	Attempt        int               `json:"attempt"`
	Timestamp      int64             `json:"timestamp"`
	StatusCode     int               `json:"status_code,omitempty"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	ErrorType      DeliveryErrorType `json:"error_type,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}

// Delivery is one attempt group for a (event, subscription) pair.
type Delivery struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	SubscriptionID string         `json:"subscription_id"`
	Status         DeliveryStatus `json:"status"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	ScheduledAt       int64 `json:"scheduled_at"`
	StartedAt         int64 `json:"started_at,omitempty"`
	CompletedAt       int64 `json:"completed_at,omitempty"`
	NextRetryAt       int64 `json:"next_retry_at,omitempty"`
	RetryDelaySeconds int   `json:"retry_delay_seconds,omitempty"`

	RequestURL     string            `json:"request_url,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`
	Signature      string            `json:"signature,omitempty"`

	ResponseStatusCode int               `json:"response_status_code,omitempty"`
	ResponseHeaders    map[string]string `json:"response_headers,omitempty"`
	ResponseBody       string            `json:"response_body,omitempty"`
	ResponseTimeMs     int64             `json:"response_time_ms,omitempty"`

	ErrorType    DeliveryErrorType `json:"error_type,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`

	AttemptHistory []DeliveryAttempt `json:"attempt_history,omitempty"`

	CreateAt int64 `json:"create_at"`
}

// RecordAttempt appends the attempt summary to the history.
func (d *Delivery) RecordAttempt(attempt DeliveryAttempt) {
	d.AttemptHistory = append(d.AttemptHistory, attempt)
}

// DeliveryFilter filters delivery list queries.
type DeliveryFilter struct {
	Paging
	EventID        string
	SubscriptionID string
	Status         DeliveryStatus
}

// RedactHeaders returns a copy of headers with values of sensitive keys
// replaced. A key is sensitive when it contains "secret".
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	redacted := make(map[string]string, len(headers))
	for key, value := range headers {
		if strings.Contains(strings.ToLower(key), "secret") {
			redacted[key] = "REDACTED"
		} else {
			redacted[key] = value
		}
	}
	return redacted
}

// TruncateResponseBody bounds the stored response body snapshot.
func TruncateResponseBody(body []byte) string {
	if len(body) > MaxResponseBodyBytes {
		return string(body[:MaxResponseBodyBytes])
	}
	return string(body)
}

// DeliveryFromReader decodes a Delivery from JSON.
func DeliveryFromReader(reader io.Reader) (*Delivery, error) {
	var delivery Delivery
	err := json.NewDecoder(reader).Decode(&delivery)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode delivery")
	}
	return &delivery, nil
}

// DeliveriesFromReader decodes a slice of Deliveries from JSON.
func DeliveriesFromReader(reader io.Reader) ([]*Delivery, error) {
	deliveries := []*Delivery{}
	err := json.NewDecoder(reader).Decode(&deliveries)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode deliveries")
	}
	return deliveries, nil
}
