package model

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Scope grants access to a group of API operations.
type Scope string

const (
	// ScopeAdmin implies every other scope.
	ScopeAdmin  Scope = "admin"
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeInbox  Scope = "inbox"
	ScopeStream Scope = "stream"
)

// APIKey is a hashed credential with scopes and an optional rate limit
// override.
type APIKey struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// KeyHash is sha256(raw_key || server_secret), hex encoded. Never
	// serialized.
	KeyHash string `json:"-"`

	Scopes    []Scope `json:"scopes"`
	IsActive  bool    `json:"is_active"`
	RevokedAt int64   `json:"revoked_at,omitempty"`
	ExpiresAt int64   `json:"expires_at,omitempty"`

	// RateLimit overrides the default requests/minute budget when > 0.
	RateLimit int `json:"rate_limit,omitempty"`

	CreateAt   int64 `json:"create_at"`
	LastUsedAt int64 `json:"last_used_at,omitempty"`
}

// IsValid reports whether the key may authenticate requests now.
func (k *APIKey) IsValid(now int64) bool {
	if !k.IsActive || k.RevokedAt > 0 {
		return false
	}
	if k.ExpiresAt > 0 && k.ExpiresAt <= now {
		return false
	}
	return true
}

// HasScope reports whether the key grants the scope. Admin implies all.
func (k *APIKey) HasScope(scope Scope) bool {
	for _, s := range k.Scopes {
		if s == ScopeAdmin || s == scope {
			return true
		}
	}
	return false
}

// CreateAPIKeyRequest is the request body for provisioning a credential.
type CreateAPIKeyRequest struct {
	Name      string  `json:"name"`
	Scopes    []Scope `json:"scopes"`
	ExpiresAt int64   `json:"expires_at,omitempty"`
	RateLimit int     `json:"rate_limit,omitempty"`
}

// NewCreateAPIKeyRequestFromReader decodes a CreateAPIKeyRequest from JSON.
func NewCreateAPIKeyRequestFromReader(reader io.Reader) (*CreateAPIKeyRequest, error) {
	var request CreateAPIKeyRequest
	err := json.NewDecoder(reader).Decode(&request)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode create api key request")
	}
	return &request, nil
}

// Validate checks the request.
func (r *CreateAPIKeyRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name must be set")
	}
	if len(r.Scopes) == 0 {
		return errors.New("at least one scope must be set")
	}
	for _, s := range r.Scopes {
		switch s {
		case ScopeAdmin, ScopeRead, ScopeWrite, ScopeInbox, ScopeStream:
		default:
			return errors.Errorf("unknown scope %q", s)
		}
	}
	return nil
}

// CreateAPIKeyResponse carries the raw key exactly once, at creation.
type CreateAPIKeyResponse struct {
	Key    *APIKey `json:"key"`
	RawKey string  `json:"raw_key"`
}

// NewCreateAPIKeyResponseFromReader decodes a CreateAPIKeyResponse from JSON.
func NewCreateAPIKeyResponseFromReader(reader io.Reader) (*CreateAPIKeyResponse, error) {
	var response CreateAPIKeyResponse
	err := json.NewDecoder(reader).Decode(&response)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode create api key response")
	}
	return &response, nil
}

// APIKeysFromReader decodes a slice of APIKeys from JSON.
func APIKeysFromReader(reader io.Reader) ([]*APIKey, error) {
	keys := []*APIKey{}
	err := json.NewDecoder(reader).Decode(&keys)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to decode api keys")
	}
	return keys, nil
}
