package api

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/relaycore/relay/internal/dlq"
	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/internal/inbox"
	"github.com/relaycore/relay/internal/stream"
	"github.com/relaycore/relay/model"
)

// Store describes the interface required to persist changes made via API requests.
type Store interface {
	CreateSubscription(subscription *model.Subscription) error
	GetSubscription(id string) (*model.Subscription, error)
	GetSubscriptions(filter *model.SubscriptionsFilter) ([]*model.Subscription, error)
	UpdateSubscription(subscription *model.Subscription) error
	UpdateSubscriptionStatus(subscription *model.Subscription) error
	DeleteSubscription(id string) error
	CancelPendingDeliveriesForSubscription(subscriptionID string) (int64, error)

	GetDeliveries(filter *model.DeliveryFilter) ([]*model.Delivery, error)

	CreateAPIKey(key *model.APIKey) error
	GetAPIKey(id string) (*model.APIKey, error)
	GetAPIKeys() ([]*model.APIKey, error)
	RevokeAPIKey(id string) error

	Ping() error
}

// FastStore describes the fast-store surface used directly by the API layer:
// rate limiting and health probes.
type FastStore interface {
	AllowRequest(ctx context.Context, credentialID string, limitPerMinute int) (*faststore.RateLimitResult, error)
	QueueDepth(ctx context.Context) (int64, error)
	DLQDepth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Ingestor admits events and serves event queries.
type Ingestor interface {
	PublishEvent(ctx context.Context, request *model.PublishEventRequest, credentialID string) (*model.Event, error)
	PublishBatch(ctx context.Context, request *model.BatchPublishRequest, credentialID string) (*model.BatchPublishResponse, error)
	GetEvent(id string) (*model.Event, error)
	ListEvents(filter *model.EventFilter) (*model.ListEventsPage, error)
	ReplayEvent(ctx context.Context, id string) (*model.Event, error)
}

// Inbox leases pending events to pull consumers.
type Inbox interface {
	Fetch(ctx context.Context, request *inbox.FetchRequest) ([]*model.InboxMessage, error)
	Ack(ctx context.Context, handle string) (bool, error)
	BatchAck(ctx context.Context, handles []string) *model.BatchAckResponse
	ChangeVisibility(ctx context.Context, handle string, timeout int) (int64, bool, error)
	Stats() (*model.InboxStats, error)
}

// DLQ operates on the dead-letter list.
type DLQ interface {
	List(ctx context.Context, filter *dlq.ListFilter) (*model.DLQPage, error)
	Retry(ctx context.Context, eventID string) (bool, error)
	Dismiss(ctx context.Context, eventID string) (bool, error)
	RetryBatch(ctx context.Context, eventIDs []string) *model.DLQBatchResponse
	DismissBatch(ctx context.Context, eventIDs []string) *model.DLQBatchResponse
	Purge(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*model.DLQStats, error)
}

// Broker fans the live event topic out to stream subscribers.
type Broker interface {
	Subscribe(filter *stream.Filter) *stream.Subscriber
	Unsubscribe(subscriber *stream.Subscriber)
}

// Authenticator resolves raw API keys to credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*model.APIKey, error)
	Invalidate(ctx context.Context, keyHash string)
}

// Context provides the API with all necessary data and interfaces for responding to requests.
//
// It is cloned before each request, allowing per-request changes such as logger annotations.
type Context struct {
	Store         Store
	FastStore     FastStore
	Ingestor      Ingestor
	Inbox         Inbox
	DLQ           DLQ
	Broker        Broker
	Authenticator Authenticator

	// DefaultRateLimit is the requests/minute budget applied to credentials
	// without an override.
	DefaultRateLimit int
	// ServerSecret salts stored API key hashes.
	ServerSecret string
	// StartedAt anchors the uptime reported by the health endpoint.
	StartedAt int64

	RequestID string
	APIKey    *model.APIKey
	Logger    logrus.FieldLogger
}

// Clone creates a shallow copy of context, allowing clones to apply per-request changes.
func (c *Context) Clone() *Context {
	return &Context{
		Store:            c.Store,
		FastStore:        c.FastStore,
		Ingestor:         c.Ingestor,
		Inbox:            c.Inbox,
		DLQ:              c.DLQ,
		Broker:           c.Broker,
		Authenticator:    c.Authenticator,
		DefaultRateLimit: c.DefaultRateLimit,
		ServerSecret:     c.ServerSecret,
		StartedAt:        c.StartedAt,
		Logger:           c.Logger,
	}
}
