// Package faststore provides the Redis-backed hot path: the event queue, the
// dead-letter list, idempotency reservations, receipt handles, the api key
// cache, rate limit buckets and the realtime pub/sub channel.
package faststore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Key layout. All keys live in a single logical database.
const (
	eventQueueKey    = "queue:events"
	dlqKey           = "queue:events:dlq"
	idempotencyKey   = "idempotency:"
	receiptKey       = "inbox:receipt:"
	leaseKey         = "inbox:lease:"
	apiKeyCacheKey   = "api_key:"
	rateLimitTokens  = "rate_limit:tokens:"
	rateLimitStamp   = "rate_limit:ts:"
	streamChannel    = "events:stream"
	idempotencyTTL   = 24 * time.Hour
	apiKeyCacheTTL   = 5 * time.Minute
	apiKeyNegative   = "invalid"
	apiKeyNegTTL     = 60 * time.Second
	rateLimitKeysTTL = time.Hour
)

// Store wraps the Redis client used for the hot path.
type Store struct {
	client *redis.Client
	logger logrus.FieldLogger
}

// New connects to Redis at the given address.
func New(address, password string, db int, logger logrus.FieldLogger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return &Store{
		client: client,
		logger: logger,
	}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests with miniredis.
func NewFromClient(client *redis.Client, logger logrus.FieldLogger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
