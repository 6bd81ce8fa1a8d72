package faststore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/relay/model"
)

// ErrAPIKeyKnownInvalid indicates the hash is negatively cached.
var ErrAPIKeyKnownInvalid = errors.New("api key is known to be invalid")

// CacheAPIKey stores the resolved credential under its hash.
func (s *Store) CacheAPIKey(ctx context.Context, keyHash string, key *model.APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return errors.Wrap(err, "failed to marshal api key")
	}

	err = s.client.Set(ctx, apiKeyCacheKey+keyHash, data, apiKeyCacheTTL).Err()
	if err != nil {
		return errors.Wrap(err, "failed to cache api key")
	}

	return nil
}

// CacheInvalidAPIKey negatively caches a hash that resolved to no credential,
// shielding the durable store from repeated lookups of garbage keys.
func (s *Store) CacheInvalidAPIKey(ctx context.Context, keyHash string) error {
	err := s.client.Set(ctx, apiKeyCacheKey+keyHash, apiKeyNegative, apiKeyNegTTL).Err()
	if err != nil {
		return errors.Wrap(err, "failed to cache invalid api key")
	}

	return nil
}

// GetCachedAPIKey fetches the credential cached under the hash. Returns
// (nil, nil) on a cache miss and ErrAPIKeyKnownInvalid on a negative hit.
//
// The cached copy omits the key hash; the caller already holds it.
func (s *Store) GetCachedAPIKey(ctx context.Context, keyHash string) (*model.APIKey, error) {
	data, err := s.client.Get(ctx, apiKeyCacheKey+keyHash).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get cached api key")
	}

	if data == apiKeyNegative {
		return nil, ErrAPIKeyKnownInvalid
	}

	var key model.APIKey
	if err := json.Unmarshal([]byte(data), &key); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal cached api key")
	}

	return &key, nil
}

// InvalidateAPIKey drops the cache entry for the hash. Called on revocation.
func (s *Store) InvalidateAPIKey(ctx context.Context, keyHash string) error {
	err := s.client.Del(ctx, apiKeyCacheKey+keyHash).Err()
	if err != nil {
		return errors.Wrap(err, "failed to invalidate api key cache")
	}

	return nil
}
