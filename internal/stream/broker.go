// Package stream fans the live event topic out to stream subscribers. A
// single fast store subscription feeds every connected client; delivery is
// best-effort and never back-pressures ingestion.
package stream

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/relay/model"
)

// subscriberBuffer bounds the per-client queue. A slow client drops
// messages instead of stalling the broker.
const subscriberBuffer = 64

// Filter selects which envelopes a subscriber receives.
type Filter struct {
	EventTypes     []string
	Sources        []string
	SubscriptionID string
}

// Matches reports whether the envelope passes the filter.
func (f *Filter) Matches(envelope *model.EventEnvelope) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !model.MatchesAnyPattern(f.EventTypes, envelope.EventType) {
		return false
	}
	if len(f.Sources) > 0 && !model.MatchesAnyPattern(f.Sources, envelope.Source) {
		return false
	}
	if f.SubscriptionID != "" && !envelopeTargets(envelope, f.SubscriptionID) {
		return false
	}
	return true
}

func envelopeTargets(envelope *model.EventEnvelope, subscriptionID string) bool {
	for _, target := range envelope.TargetSubscriptions {
		if target == subscriptionID {
			return true
		}
	}
	return envelope.MetadataSubscriptionID() == subscriptionID
}

// Subscriber is one connected stream client.
type Subscriber struct {
	filter *Filter
	events chan *model.EventEnvelope
	done   chan struct{}
	once   sync.Once
}

// Events returns the channel of matched envelopes.
func (s *Subscriber) Events() <-chan *model.EventEnvelope {
	return s.events
}

// Done is closed when the broker shuts down.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

type streamFastStore interface {
	SubscribeEnvelopes(ctx context.Context) *redis.PubSub
}

// Broker relays the live topic to its subscribers.
type Broker struct {
	logger log.FieldLogger

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	closed      bool
}

// NewBroker creates a Broker and starts relaying from the fast store topic.
// The relay stops when the given context is cancelled.
func NewBroker(ctx context.Context, fastStore streamFastStore, logger log.FieldLogger) *Broker {
	broker := &Broker{
		logger:      logger.WithField("component", "streamBroker"),
		subscribers: make(map[*Subscriber]struct{}),
	}

	go broker.run(ctx, fastStore)

	return broker
}

func (b *Broker) run(ctx context.Context, fastStore streamFastStore) {
	pubsub := fastStore.SubscribeEnvelopes(ctx)
	defer func() {
		_ = pubsub.Close()
		b.closeAll()
	}()

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-channel:
			if !ok {
				return
			}

			envelope, err := model.EnvelopeFromJSON([]byte(message.Payload))
			if err != nil {
				b.logger.WithError(err).Warn("failed to decode stream message")
				continue
			}
			b.broadcast(envelope)
		}
	}
}

// Subscribe registers a stream client with the given filter.
func (b *Broker) Subscribe(filter *Filter) *Subscriber {
	subscriber := &Subscriber{
		filter: filter,
		events: make(chan *model.EventEnvelope, subscriberBuffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		subscriber.close()
		return subscriber
	}
	b.subscribers[subscriber] = struct{}{}

	return subscriber
}

// Unsubscribe removes the stream client.
func (b *Broker) Unsubscribe(subscriber *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, subscriber)
	subscriber.close()
}

func (b *Broker) broadcast(envelope *model.EventEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subscriber := range b.subscribers {
		if !subscriber.filter.Matches(envelope) {
			continue
		}
		select {
		case subscriber.events <- envelope:
		default:
			// Slow client; drop rather than block the topic.
		}
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for subscriber := range b.subscribers {
		subscriber.close()
		delete(b.subscribers, subscriber)
	}
}
