package auth

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/model"
)

// ErrInvalidKey indicates the presented credential does not authenticate.
var ErrInvalidKey = errors.New("invalid api key")

// keyStore is the durable credential lookup used by the authenticator.
type keyStore interface {
	GetAPIKeyByHash(keyHash string) (*model.APIKey, error)
	TouchAPIKey(id string) error
}

// keyCache is the fast-path credential cache used by the authenticator.
type keyCache interface {
	GetCachedAPIKey(ctx context.Context, keyHash string) (*model.APIKey, error)
	CacheAPIKey(ctx context.Context, keyHash string, key *model.APIKey) error
	CacheInvalidAPIKey(ctx context.Context, keyHash string) error
	InvalidateAPIKey(ctx context.Context, keyHash string) error
}

// Authenticator resolves raw API keys to credentials, caching lookups.
type Authenticator struct {
	store        keyStore
	cache        keyCache
	serverSecret string
	logger       logrus.FieldLogger
}

// NewAuthenticator creates an authenticator over the given store and cache.
func NewAuthenticator(store keyStore, cache keyCache, serverSecret string, logger logrus.FieldLogger) *Authenticator {
	return &Authenticator{
		store:        store,
		cache:        cache,
		serverSecret: serverSecret,
		logger:       logger,
	}
}

// Authenticate resolves the raw key to an active credential, or ErrInvalidKey.
// Cache failures degrade to durable lookups rather than failing the request.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*model.APIKey, error) {
	if !ValidKeyFormat(rawKey) {
		return nil, ErrInvalidKey
	}

	keyHash := HashKey(rawKey, a.serverSecret)

	if a.cache != nil {
		cached, err := a.cache.GetCachedAPIKey(ctx, keyHash)
		if err == faststore.ErrAPIKeyKnownInvalid {
			return nil, ErrInvalidKey
		}
		if err != nil {
			a.logger.WithError(err).Warn("Failed to read api key cache")
		} else if cached != nil {
			if !cached.IsValid(model.GetMillis()) {
				return nil, ErrInvalidKey
			}
			return cached, nil
		}
	}

	key, err := a.store.GetAPIKeyByHash(keyHash)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up api key")
	}
	if key == nil {
		if a.cache != nil {
			if err := a.cache.CacheInvalidAPIKey(ctx, keyHash); err != nil {
				a.logger.WithError(err).Warn("Failed to negatively cache api key")
			}
		}
		return nil, ErrInvalidKey
	}
	if !key.IsValid(model.GetMillis()) {
		return nil, ErrInvalidKey
	}

	if a.cache != nil {
		if err := a.cache.CacheAPIKey(ctx, keyHash, key); err != nil {
			a.logger.WithError(err).Warn("Failed to cache api key")
		}
	}

	if err := a.store.TouchAPIKey(key.ID); err != nil {
		a.logger.WithError(err).Warn("Failed to record api key use")
	}

	return key, nil
}

// Invalidate drops any cache entry for the raw key. Called after revocation.
func (a *Authenticator) Invalidate(ctx context.Context, keyHash string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.InvalidateAPIKey(ctx, keyHash); err != nil {
		a.logger.WithError(err).Warn("Failed to invalidate api key cache")
	}
}
