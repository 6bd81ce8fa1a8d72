package model

import (
	"encoding/json"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// SubscriptionStatus represents the administrative state of a Subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusDisabled SubscriptionStatus = "disabled"
	SubscriptionStatusDeleted  SubscriptionStatus = "deleted"
)

// RetryStrategy selects the backoff curve for delivery retries.
type RetryStrategy string

const (
	RetryStrategyExponential RetryStrategy = "exponential"
	RetryStrategyLinear      RetryStrategy = "linear"
	RetryStrategyFixed       RetryStrategy = "fixed"
)

// Defaults applied when a create request leaves policy fields unset.
const (
	DefaultMaxRetries           = 3
	DefaultRetryDelaySeconds    = 5
	DefaultRetryMaxDelaySeconds = 3600
	DefaultTimeoutSeconds       = 30
	DefaultFailureThreshold     = 10
	MaxCustomHeaders            = 20
)

// forbiddenHeaders are header names a subscription may not override.
var forbiddenHeaders = map[string]struct{}{
	"content-type":        {},
	"content-length":      {},
	"host":                {},
	"authorization":       {},
	"x-webhook-signature": {},
	"x-webhook-timestamp": {},
}

// Subscription is a registered webhook endpoint with filter and retry policy.
type Subscription struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"target_url"`

	// SigningSecret is never serialized in API responses.
	SigningSecret string `json:"-"`
	// PreviousSigningSecret verifies during the rotation grace window. It is
	// exposed to the owner so receivers can be updated; it is never used for
	// signing.
	PreviousSigningSecret    string `json:"previous_signing_secret,omitempty"`
	PreviousSecretValidUntil int64  `json:"previous_secret_valid_until,omitempty"`

	Headers      map[string]string `json:"custom_headers,omitempty"`
	EventTypes   []string          `json:"event_types,omitempty"`
	EventSources []string          `json:"event_sources,omitempty"`

	Status SubscriptionStatus `json:"status"`

	RetryStrategy        RetryStrategy `json:"retry_strategy"`
	MaxRetries           int           `json:"max_retries"`
	RetryDelaySeconds    int           `json:"retry_delay_seconds"`
	RetryMaxDelaySeconds int           `json:"retry_max_delay_seconds"`
	TimeoutSeconds       int           `json:"timeout_seconds"`

	IsHealthy           bool   `json:"is_healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	LastSuccessAt       int64  `json:"last_success_at,omitempty"`
	LastFailureAt       int64  `json:"last_failure_at,omitempty"`
	LastFailureReason   string `json:"last_failure_reason,omitempty"`

	TotalDeliveries      int64 `json:"total_deliveries"`
	SuccessfulDeliveries int64 `json:"successful_deliveries"`
	FailedDeliveries     int64 `json:"failed_deliveries"`

	CreateAt int64 `json:"create_at"`
	DeleteAt int64 `json:"delete_at,omitempty"`
}

// IsDeleted reports whether the subscription is soft-deleted.
func (s *Subscription) IsDeleted() bool {
	return s.DeleteAt > 0
}

// IsActive reports whether the subscription may receive new deliveries.
// Active is a property of status and deletion, not a stored column.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive && !s.IsDeleted()
}

// Accepts reports whether the subscription's filters accept the event.
func (s *Subscription) Accepts(eventType, source string) bool {
	if s.EventTypes != nil && !MatchesAnyPattern(s.EventTypes, eventType) {
		return false
	}
	if s.EventSources != nil && !containsString(s.EventSources, source) {
		return false
	}
	return true
}

// MatchesAnyPattern reports whether any pattern accepts the value. A pattern
// is a literal, "*", or "prefix.*" accepting prefix + "." + any suffix.
func MatchesAnyPattern(patterns []string, value string) bool {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}

// MatchPattern reports whether a single pattern accepts the value.
func MatchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(value, prefix+".")
	}
	return pattern == value
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// SubscriptionsFilter is a filter for subscription list queries.
type SubscriptionsFilter struct {
	Paging
	EventType string
	Status    SubscriptionStatus
}

// ValidateTargetURL enforces https for non-loopback targets.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "target_url is not a valid URL")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
		return errors.New("target_url must use https except for loopback addresses")
	default:
		return errors.Errorf("unsupported target_url scheme %q", u.Scheme)
	}
}

// ValidateCustomHeaders enforces the forbidden set and the entry limit.
func ValidateCustomHeaders(headers map[string]string) error {
	if len(headers) > MaxCustomHeaders {
		return errors.Errorf("at most %d custom headers are allowed", MaxCustomHeaders)
	}
	for key := range headers {
		if _, forbidden := forbiddenHeaders[strings.ToLower(key)]; forbidden {
			return errors.Errorf("header %q may not be overridden", key)
		}
	}
	return nil
}

// SubscriptionWithSecret is the response shape of create and rotate-secret,
// the only two operations that disclose the signing secret.
type SubscriptionWithSecret struct {
	*Subscription
	SigningSecret string `json:"signing_secret"`
}

// SubscriptionWithSecretFromReader decodes a SubscriptionWithSecret from JSON.
func SubscriptionWithSecretFromReader(reader io.Reader) (*SubscriptionWithSecret, error) {
	var subscription SubscriptionWithSecret
	err := json.NewDecoder(reader).Decode(&subscription)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode subscription")
	}
	return &subscription, nil
}

// SubscriptionFromReader decodes a Subscription from JSON.
func SubscriptionFromReader(reader io.Reader) (*Subscription, error) {
	var subscription Subscription
	err := json.NewDecoder(reader).Decode(&subscription)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode subscription")
	}
	return &subscription, nil
}

// SubscriptionsFromReader decodes a slice of Subscriptions from JSON.
func SubscriptionsFromReader(reader io.Reader) ([]*Subscription, error) {
	subscriptions := []*Subscription{}
	err := json.NewDecoder(reader).Decode(&subscriptions)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode subscriptions")
	}
	return subscriptions, nil
}
