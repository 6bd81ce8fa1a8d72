package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/testlib"
	"github.com/relaycore/relay/model"
)

func makeTestIngestor(t *testing.T) (*Ingestor, *store.SQLStore, *faststore.Store) {
	logger := testlib.MakeLogger(t)
	sqlStore := store.MakeTestSQLStore(t, logger)
	t.Cleanup(func() {
		store.CloseConnection(t, sqlStore)
	})
	fastStore, _ := faststore.MakeTestStore(t)

	return NewIngestor(sqlStore, fastStore, nil, logger), sqlStore, fastStore
}

func TestPublishEvent(t *testing.T) {
	ingestor, sqlStore, fastStore := makeTestIngestor(t)
	ctx := context.Background()

	request := &model.PublishEventRequest{
		EventType: "order.created",
		Source:    "billing",
		Data:      json.RawMessage(`{"order_id":42}`),
	}
	require.Nil(t, request.Validate())

	event, err := ingestor.PublishEvent(ctx, request, "key_1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, model.EventStatusPending, event.Status)
	assert.Equal(t, "key_1", event.CredentialID)

	fetched, err := sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, event.ID, fetched.ID)

	depth, err := fastStore.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	message, err := fastStore.DequeueEvent(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.Equal(t, event.ID, message.EventID)
}

func TestPublishEventIdempotency(t *testing.T) {
	ingestor, _, _ := makeTestIngestor(t)
	ctx := context.Background()

	request := &model.PublishEventRequest{
		EventType:      "order.created",
		Source:         "billing",
		Data:           json.RawMessage(`{"order_id":42}`),
		IdempotencyKey: "order-42",
	}

	event, err := ingestor.PublishEvent(ctx, request, "key_1")
	require.NoError(t, err)

	t.Run("conflict via fast path", func(t *testing.T) {
		_, err = ingestor.PublishEvent(ctx, request, "key_1")
		require.Error(t, err)

		conflict, ok := err.(*model.IdempotencyConflictError)
		require.True(t, ok)
		assert.Equal(t, "order-42", conflict.IdempotencyKey)
		assert.Equal(t, event.ID, conflict.ExistingEventID)
	})

	t.Run("conflict via durable store after cache loss", func(t *testing.T) {
		ingestor, _, fastStore := makeTestIngestor(t)

		first, err := ingestor.PublishEvent(ctx, request, "key_1")
		require.NoError(t, err)

		// Drop the cached reservation so only the unique index catches the
		// duplicate.
		require.NoError(t, fastStore.ReleaseIdempotencyKey(ctx, "order-42"))

		_, err = ingestor.PublishEvent(ctx, request, "key_1")
		require.Error(t, err)

		conflict, ok := err.(*model.IdempotencyConflictError)
		require.True(t, ok)
		assert.Equal(t, first.ID, conflict.ExistingEventID)
	})
}

func TestPublishBatch(t *testing.T) {
	ingestor, _, _ := makeTestIngestor(t)
	ctx := context.Background()

	validItem := func(referenceID string) model.BatchPublishItem {
		return model.BatchPublishItem{
			PublishEventRequest: model.PublishEventRequest{
				EventType: "order.created",
				Source:    "billing",
				Data:      json.RawMessage(`{}`),
			},
			ReferenceID: referenceID,
		}
	}
	invalidItem := model.BatchPublishItem{
		PublishEventRequest: model.PublishEventRequest{
			EventType: "",
			Source:    "billing",
			Data:      json.RawMessage(`{}`),
		},
		ReferenceID: "bad",
	}

	t.Run("empty batch is rejected", func(t *testing.T) {
		_, err := ingestor.PublishBatch(ctx, &model.BatchPublishRequest{}, "key_1")
		require.Error(t, err)
	})

	t.Run("mixed outcomes", func(t *testing.T) {
		response, err := ingestor.PublishBatch(ctx, &model.BatchPublishRequest{
			Events: []model.BatchPublishItem{validItem("a"), invalidItem, validItem("c")},
		}, "key_1")
		require.NoError(t, err)

		assert.Equal(t, 2, response.Succeeded)
		assert.Equal(t, 1, response.Failed)
		require.Len(t, response.Results, 3)

		assert.True(t, response.Results[0].Success)
		assert.NotNil(t, response.Results[0].Event)
		assert.Equal(t, "a", response.Results[0].ReferenceID)

		assert.False(t, response.Results[1].Success)
		assert.Equal(t, model.ErrorCodeValidation, response.Results[1].ErrorCode)

		assert.True(t, response.Results[2].Success)
	})

	t.Run("fail fast skips the remainder", func(t *testing.T) {
		response, err := ingestor.PublishBatch(ctx, &model.BatchPublishRequest{
			Events:   []model.BatchPublishItem{validItem("a"), invalidItem, validItem("c")},
			FailFast: true,
		}, "key_1")
		require.NoError(t, err)

		assert.Equal(t, 1, response.Succeeded)
		assert.Equal(t, 2, response.Failed)
		assert.Equal(t, model.ErrorCodeValidation, response.Results[1].ErrorCode)
		assert.Equal(t, model.ErrorCodeSkipped, response.Results[2].ErrorCode)
	})
}

func TestListEvents(t *testing.T) {
	ingestor, _, _ := makeTestIngestor(t)
	ctx := context.Background()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		event, err := ingestor.PublishEvent(ctx, &model.PublishEventRequest{
			EventType: "order.created",
			Source:    "billing",
			Data:      json.RawMessage(`{}`),
		}, "key_1")
		require.NoError(t, err)
		ids = append(ids, event.ID)
		time.Sleep(2 * time.Millisecond)
	}

	page1, err := ingestor.ListEvents(&model.EventFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Events, 2)
	require.NotEmpty(t, page1.NextCursor)
	assert.Equal(t, ids[4], page1.Events[0].ID)
	assert.Equal(t, ids[3], page1.Events[1].ID)

	page2, err := ingestor.ListEvents(&model.EventFilter{Limit: 2, Cursor: page1.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2.Events, 2)
	assert.Equal(t, ids[2], page2.Events[0].ID)
	assert.Equal(t, ids[1], page2.Events[1].ID)

	page3, err := ingestor.ListEvents(&model.EventFilter{Limit: 2, Cursor: page2.NextCursor})
	require.NoError(t, err)
	require.Len(t, page3.Events, 1)
	assert.Equal(t, ids[0], page3.Events[0].ID)
	assert.Empty(t, page3.NextCursor)
}

func TestReplayEvent(t *testing.T) {
	ingestor, sqlStore, fastStore := makeTestIngestor(t)
	ctx := context.Background()

	event, err := ingestor.PublishEvent(ctx, &model.PublishEventRequest{
		EventType: "order.created",
		Source:    "billing",
		Data:      json.RawMessage(`{}`),
	}, "key_1")
	require.NoError(t, err)

	// Drain the admission trigger so only the replay trigger remains below.
	_, err = fastStore.DequeueEvent(ctx, 0)
	require.NoError(t, err)

	t.Run("non-terminal event cannot be replayed", func(t *testing.T) {
		_, err = ingestor.ReplayEvent(ctx, event.ID)
		require.Error(t, err)
	})

	t.Run("unknown event returns nil", func(t *testing.T) {
		replayed, err := ingestor.ReplayEvent(ctx, "evt_unknown")
		require.NoError(t, err)
		assert.Nil(t, replayed)
	})

	t.Run("terminal event is reset and requeued", func(t *testing.T) {
		event.Status = model.EventStatusFailed
		event.FailedDeliveries = 2
		require.NoError(t, sqlStore.UpdateEventStatus(event))

		replayed, err := ingestor.ReplayEvent(ctx, event.ID)
		require.NoError(t, err)
		require.NotNil(t, replayed)
		assert.Equal(t, model.EventStatusPending, replayed.Status)
		assert.Equal(t, 0, replayed.FailedDeliveries)

		message, err := fastStore.DequeueEvent(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, message)
		assert.Equal(t, event.ID, message.EventID)
	})
}
