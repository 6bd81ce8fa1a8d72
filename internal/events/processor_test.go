package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/testlib"
	"github.com/relaycore/relay/model"
)

func makeTestProcessor(t *testing.T) (*Processor, *store.SQLStore, *faststore.Store) {
	logger := testlib.MakeLogger(t)
	sqlStore := store.MakeTestSQLStore(t, logger)
	t.Cleanup(func() {
		store.CloseConnection(t, sqlStore)
	})
	fastStore, _ := faststore.MakeTestStore(t)

	return NewProcessor(sqlStore, fastStore, nil, "instance1", logger), sqlStore, fastStore
}

func makeMatchingSubscription(t *testing.T, sqlStore *store.SQLStore, eventTypes []string) *model.Subscription {
	subscription := &model.Subscription{
		Name:          "test subscription",
		URL:           "https://example.com/hook",
		SigningSecret: "whsec_test",
		EventTypes:    eventTypes,
		Status:        model.SubscriptionStatusActive,
		RetryStrategy: model.RetryStrategyExponential,
		MaxRetries:    3,
		IsHealthy:     true,
	}
	require.NoError(t, sqlStore.CreateSubscription(subscription))

	return subscription
}

func publishPendingEvent(t *testing.T, sqlStore *store.SQLStore, eventType string) *model.Event {
	event := &model.Event{
		EventType: eventType,
		Source:    "billing",
		Data:      json.RawMessage(`{}`),
	}
	require.NoError(t, sqlStore.CreateEvent(event))

	return event
}

func TestProcessorFanOut(t *testing.T) {
	processor, sqlStore, _ := makeTestProcessor(t)

	subscription1 := makeMatchingSubscription(t, sqlStore, nil)
	subscription2 := makeMatchingSubscription(t, sqlStore, []string{"order.*"})
	makeMatchingSubscription(t, sqlStore, []string{"invoice.*"})

	event := publishPendingEvent(t, sqlStore, "order.created")

	require.NoError(t, processor.Do())

	processed, err := sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusProcessing, processed.Status)
	assert.NotZero(t, processed.ProcessedAt)
	assert.Equal(t, 2, processed.DeliveryAttempts)

	deliveries, err := sqlStore.GetDeliveries(&model.DeliveryFilter{
		Paging:  model.AllPagesNotDeleted(),
		EventID: event.ID,
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	subscriptionIDs := []string{deliveries[0].SubscriptionID, deliveries[1].SubscriptionID}
	assert.Contains(t, subscriptionIDs, subscription1.ID)
	assert.Contains(t, subscriptionIDs, subscription2.ID)

	for _, delivery := range deliveries {
		assert.Equal(t, model.DeliveryStatusPending, delivery.Status)
		assert.Equal(t, 4, delivery.MaxAttempts)
	}
}

func TestProcessorNoMatch(t *testing.T) {
	processor, sqlStore, _ := makeTestProcessor(t)

	makeMatchingSubscription(t, sqlStore, []string{"invoice.*"})
	event := publishPendingEvent(t, sqlStore, "order.created")

	require.NoError(t, processor.Do())

	processed, err := sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusDelivered, processed.Status)
	assert.NotZero(t, processed.ProcessedAt)

	deliveries, err := sqlStore.GetDeliveries(&model.DeliveryFilter{
		Paging:  model.AllPagesNotDeleted(),
		EventID: event.ID,
	})
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestProcessorDrainsQueue(t *testing.T) {
	processor, _, fastStore := makeTestProcessor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, fastStore.EnqueueEvent(ctx, &model.QueueMessage{EventID: "evt_test"}))
	}

	require.NoError(t, processor.Do())

	depth, err := fastStore.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

// fanOutFailingStore wraps the real store but refuses to schedule deliveries.
type fanOutFailingStore struct {
	*store.SQLStore
}

func (s *fanOutFailingStore) CreateDeliveries(event *model.Event, subscriptions []*model.Subscription) ([]*model.Delivery, error) {
	return nil, errors.New("delivery table unavailable")
}

func TestProcessorFanOutFailureMarksEventFailed(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := store.MakeTestSQLStore(t, logger)
	t.Cleanup(func() {
		store.CloseConnection(t, sqlStore)
	})
	fastStore, _ := faststore.MakeTestStore(t)
	processor := NewProcessor(&fanOutFailingStore{SQLStore: sqlStore}, fastStore, nil, "instance1", logger)

	makeMatchingSubscription(t, sqlStore, nil)
	event := publishPendingEvent(t, sqlStore, "order.created")

	require.NoError(t, processor.Do())

	processed, err := sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusFailed, processed.Status)
	assert.Contains(t, processed.LastError, "delivery table unavailable")
	assert.NotZero(t, processed.ProcessedAt)

	// Replay remains available as the recovery path.
	require.NoError(t, sqlStore.ResetEventForReplay(event.ID))
}

func TestProcessorIdempotentPass(t *testing.T) {
	processor, sqlStore, _ := makeTestProcessor(t)

	makeMatchingSubscription(t, sqlStore, nil)
	event := publishPendingEvent(t, sqlStore, "order.created")

	require.NoError(t, processor.Do())
	// A second pass finds nothing pending and changes nothing.
	require.NoError(t, processor.Do())

	deliveries, err := sqlStore.GetDeliveries(&model.DeliveryFilter{
		Paging:  model.AllPagesNotDeleted(),
		EventID: event.ID,
	})
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}
