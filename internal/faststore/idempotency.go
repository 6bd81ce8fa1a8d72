package faststore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ReserveIdempotencyKey attempts to reserve the key for the given event.
// Returns the ID of the already-admitted event when the key is taken.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, eventID string) (reserved bool, existingEventID string, err error) {
	ok, err := s.client.SetNX(ctx, idempotencyKey+key, eventID, idempotencyTTL).Result()
	if err != nil {
		return false, "", errors.Wrap(err, "failed to reserve idempotency key")
	}
	if ok {
		return true, "", nil
	}

	existing, err := s.client.Get(ctx, idempotencyKey+key).Result()
	if err == redis.Nil {
		// The reservation expired between SETNX and GET. Treat the key as
		// taken with an unknown owner; the durable store resolves it.
		return false, "", nil
	}
	if err != nil {
		return false, "", errors.Wrap(err, "failed to look up idempotency key")
	}

	return false, existing, nil
}

// GetIdempotentEventID returns the event ID reserved under the key, if any.
func (s *Store) GetIdempotentEventID(ctx context.Context, key string) (string, error) {
	eventID, err := s.client.Get(ctx, idempotencyKey+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to look up idempotency key")
	}

	return eventID, nil
}

// ReleaseIdempotencyKey drops a reservation. Used when durable admission fails
// after the fast-path reservation succeeded.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	err := s.client.Del(ctx, idempotencyKey+key).Err()
	if err != nil {
		return errors.Wrap(err, "failed to release idempotency key")
	}

	return nil
}
