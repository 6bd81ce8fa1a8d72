package model

import (
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of API error in the problem envelope.
type ErrorCode string

const (
	ErrorCodeValidation         ErrorCode = "validation_error"
	ErrorCodeInvalidAPIKey      ErrorCode = "invalid_api_key"
	ErrorCodeInsufficientScopes ErrorCode = "insufficient_permissions"
	ErrorCodeNotFound           ErrorCode = "resource_not_found"
	ErrorCodeConflict           ErrorCode = "resource_conflict"
	ErrorCodeRateLimited        ErrorCode = "rate_limit_exceeded"
	ErrorCodeDatabase           ErrorCode = "database_error"
	ErrorCodeQueueOperation     ErrorCode = "queue_operation_failed"
	ErrorCodeWebhookDelivery    ErrorCode = "webhook_delivery_failed"
	ErrorCodeInternal           ErrorCode = "internal_error"
	ErrorCodeUnavailable        ErrorCode = "service_unavailable"
	ErrorCodeTimeout            ErrorCode = "timeout_error"
)

// Batch item error codes in addition to the general ones above.
const (
	ErrorCodeDuplicateIdempotencyKey ErrorCode = "duplicate_idempotency_key"
	ErrorCodePayloadTooLarge         ErrorCode = "payload_too_large"
	ErrorCodeSkipped                 ErrorCode = "skipped"
)

// Problem is the RFC 7807 error envelope returned for every API error.
type Problem struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    int               `json:"status"`
	Detail    string            `json:"detail,omitempty"`
	ErrorCode ErrorCode         `json:"error_code"`
	Instance  string            `json:"instance,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`

	// ExistingEventID is set on idempotency conflicts so callers can locate
	// the previously admitted event.
	ExistingEventID string `json:"existing_event_id,omitempty"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s (%d)", p.ErrorCode, p.Detail, p.Status)
}

// NewProblem builds a problem envelope with a title derived from the status.
func NewProblem(status int, code ErrorCode, detail string) *Problem {
	return &Problem{
		Type:      "about:blank",
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		ErrorCode: code,
	}
}

// NewValidationProblem builds a 400 validation problem with per-field errors.
func NewValidationProblem(detail string, fieldErrors map[string]string) *Problem {
	p := NewProblem(http.StatusBadRequest, ErrorCodeValidation, detail)
	p.Errors = fieldErrors
	return p
}

// IdempotencyConflictError is returned when an idempotency key was already
// used to admit an event.
type IdempotencyConflictError struct {
	IdempotencyKey  string
	ExistingEventID string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used by event %s", e.IdempotencyKey, e.ExistingEventID)
}
