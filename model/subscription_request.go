package model

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// CreateSubscriptionRequest is the request body for registering a webhook.
type CreateSubscriptionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"target_url"`

	// SigningSecret is optional; one is generated when absent.
	SigningSecret string `json:"signing_secret,omitempty"`

	Headers      map[string]string `json:"custom_headers,omitempty"`
	EventTypes   []string          `json:"event_types,omitempty"`
	EventSources []string          `json:"event_sources,omitempty"`

	RetryStrategy        RetryStrategy `json:"retry_strategy,omitempty"`
	MaxRetries           *int          `json:"max_retries,omitempty"`
	RetryDelaySeconds    *int          `json:"retry_delay_seconds,omitempty"`
	RetryMaxDelaySeconds *int          `json:"retry_max_delay_seconds,omitempty"`
	TimeoutSeconds       *int          `json:"timeout_seconds,omitempty"`
	FailureThreshold     *int          `json:"failure_threshold,omitempty"`
}

// NewCreateSubscriptionRequestFromReader decodes a CreateSubscriptionRequest
// from JSON.
func NewCreateSubscriptionRequestFromReader(reader io.Reader) (*CreateSubscriptionRequest, error) {
	var request CreateSubscriptionRequest
	err := json.NewDecoder(reader).Decode(&request)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode create subscription request")
	}
	return &request, nil
}

// ToSubscription validates the request and builds a new active Subscription.
func (r *CreateSubscriptionRequest) ToSubscription() (*Subscription, error) {
	if r.Name == "" {
		return nil, errors.New("name must be set")
	}
	if err := ValidateTargetURL(r.URL); err != nil {
		return nil, err
	}
	if err := ValidateCustomHeaders(r.Headers); err != nil {
		return nil, err
	}
	for _, eventType := range r.EventTypes {
		if eventType != "*" && !ValidEventType(eventType) {
			return nil, errors.Errorf("invalid event type pattern %q", eventType)
		}
	}

	strategy := r.RetryStrategy
	switch strategy {
	case "":
		strategy = RetryStrategyExponential
	case RetryStrategyExponential, RetryStrategyLinear, RetryStrategyFixed:
	default:
		return nil, errors.Errorf("unknown retry strategy %q", r.RetryStrategy)
	}

	secret := r.SigningSecret
	if secret == "" {
		secret = NewSigningSecret()
	}

	sub := &Subscription{
		ID:                   NewSubscriptionID(),
		Name:                 r.Name,
		Description:          r.Description,
		URL:                  r.URL,
		SigningSecret:        secret,
		Headers:              r.Headers,
		EventTypes:           r.EventTypes,
		EventSources:         r.EventSources,
		Status:               SubscriptionStatusActive,
		RetryStrategy:        strategy,
		MaxRetries:           intOrDefault(r.MaxRetries, DefaultMaxRetries),
		RetryDelaySeconds:    intOrDefault(r.RetryDelaySeconds, DefaultRetryDelaySeconds),
		RetryMaxDelaySeconds: intOrDefault(r.RetryMaxDelaySeconds, DefaultRetryMaxDelaySeconds),
		TimeoutSeconds:       intOrDefault(r.TimeoutSeconds, DefaultTimeoutSeconds),
		IsHealthy:            true,
		FailureThreshold:     intOrDefault(r.FailureThreshold, DefaultFailureThreshold),
		CreateAt:             GetMillis(),
	}
	if sub.MaxRetries < 0 || sub.RetryDelaySeconds < 1 || sub.TimeoutSeconds < 1 || sub.FailureThreshold < 1 {
		return nil, errors.New("retry policy values out of range")
	}

	return sub, nil
}

// UpdateSubscriptionRequest carries mutable subscription fields; nil fields
// are left unchanged.
type UpdateSubscriptionRequest struct {
	Name         *string            `json:"name,omitempty"`
	Description  *string            `json:"description,omitempty"`
	URL          *string            `json:"target_url,omitempty"`
	Headers      *map[string]string `json:"custom_headers,omitempty"`
	EventTypes   *[]string          `json:"event_types,omitempty"`
	EventSources *[]string          `json:"event_sources,omitempty"`

	RetryStrategy        *RetryStrategy `json:"retry_strategy,omitempty"`
	MaxRetries           *int           `json:"max_retries,omitempty"`
	RetryDelaySeconds    *int           `json:"retry_delay_seconds,omitempty"`
	RetryMaxDelaySeconds *int           `json:"retry_max_delay_seconds,omitempty"`
	TimeoutSeconds       *int           `json:"timeout_seconds,omitempty"`
	FailureThreshold     *int           `json:"failure_threshold,omitempty"`
}

// NewUpdateSubscriptionRequestFromReader decodes an UpdateSubscriptionRequest
// from JSON.
func NewUpdateSubscriptionRequestFromReader(reader io.Reader) (*UpdateSubscriptionRequest, error) {
	var request UpdateSubscriptionRequest
	err := json.NewDecoder(reader).Decode(&request)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode update subscription request")
	}
	return &request, nil
}

// Apply validates and applies the changes onto the subscription.
func (r *UpdateSubscriptionRequest) Apply(sub *Subscription) error {
	if r.URL != nil {
		if err := ValidateTargetURL(*r.URL); err != nil {
			return err
		}
		sub.URL = *r.URL
	}
	if r.Headers != nil {
		if err := ValidateCustomHeaders(*r.Headers); err != nil {
			return err
		}
		sub.Headers = *r.Headers
	}
	if r.Name != nil {
		sub.Name = *r.Name
	}
	if r.Description != nil {
		sub.Description = *r.Description
	}
	if r.EventTypes != nil {
		sub.EventTypes = *r.EventTypes
	}
	if r.EventSources != nil {
		sub.EventSources = *r.EventSources
	}
	if r.RetryStrategy != nil {
		switch *r.RetryStrategy {
		case RetryStrategyExponential, RetryStrategyLinear, RetryStrategyFixed:
			sub.RetryStrategy = *r.RetryStrategy
		default:
			return errors.Errorf("unknown retry strategy %q", *r.RetryStrategy)
		}
	}
	if r.MaxRetries != nil {
		sub.MaxRetries = *r.MaxRetries
	}
	if r.RetryDelaySeconds != nil {
		sub.RetryDelaySeconds = *r.RetryDelaySeconds
	}
	if r.RetryMaxDelaySeconds != nil {
		sub.RetryMaxDelaySeconds = *r.RetryMaxDelaySeconds
	}
	if r.TimeoutSeconds != nil {
		sub.TimeoutSeconds = *r.TimeoutSeconds
	}
	if r.FailureThreshold != nil {
		sub.FailureThreshold = *r.FailureThreshold
	}
	if sub.MaxRetries < 0 || sub.RetryDelaySeconds < 1 || sub.TimeoutSeconds < 1 || sub.FailureThreshold < 1 {
		return errors.New("retry policy values out of range")
	}
	return nil
}

// NewSigningSecret generates a random webhook signing secret.
func NewSigningSecret() string {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	return "whsec_" + base64.RawURLEncoding.EncodeToString(secret)
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
