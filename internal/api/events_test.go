package api_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

func TestPublishEvent(t *testing.T) {
	tc := setupAPI(t)

	t.Run("valid event", func(t *testing.T) {
		event, err := tc.client.PublishEvent(&model.PublishEventRequest{
			EventType: "user.created",
			Source:    "auth-service",
			Data:      json.RawMessage(`{"user_id":"u1"}`),
		})
		require.NoError(t, err)
		assert.True(t, model.IsValidID(event.ID, model.EventIDPrefix))
		assert.Equal(t, model.EventStatusPending, event.Status)

		stored, err := tc.sqlStore.GetEvent(event.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
	})

	t.Run("invalid event", func(t *testing.T) {
		_, err := tc.client.PublishEvent(&model.PublishEventRequest{
			EventType: "user created",
			Source:    "auth-service",
			Data:      json.RawMessage(`{}`),
		})
		require.Error(t, err)

		problem, ok := err.(*model.Problem)
		require.True(t, ok)
		assert.Equal(t, http.StatusBadRequest, problem.Status)
		assert.Equal(t, model.ErrorCodeValidation, problem.ErrorCode)
		assert.Contains(t, problem.Errors, "event_type")
	})

	t.Run("idempotency conflict carries existing id", func(t *testing.T) {
		request := &model.PublishEventRequest{
			EventType:      "order.paid",
			Source:         "billing",
			Data:           json.RawMessage(`{"order":"o1"}`),
			IdempotencyKey: "order-o1-paid",
		}

		first, err := tc.client.PublishEvent(request)
		require.NoError(t, err)

		_, err = tc.client.PublishEvent(request)
		require.Error(t, err)

		problem, ok := err.(*model.Problem)
		require.True(t, ok)
		assert.Equal(t, http.StatusConflict, problem.Status)
		assert.Equal(t, model.ErrorCodeConflict, problem.ErrorCode)
		assert.Equal(t, first.ID, problem.ExistingEventID)
	})
}

func TestPublishEventBatch(t *testing.T) {
	tc := setupAPI(t)

	t.Run("mixed outcomes", func(t *testing.T) {
		response, err := tc.client.PublishEventBatch(&model.BatchPublishRequest{
			Events: []model.BatchPublishItem{
				{PublishEventRequest: model.PublishEventRequest{EventType: "user.created", Source: "auth", Data: json.RawMessage(`{}`)}},
				{PublishEventRequest: model.PublishEventRequest{EventType: "", Source: "auth", Data: json.RawMessage(`{}`)}, ReferenceID: "bad"},
				{PublishEventRequest: model.PublishEventRequest{EventType: "user.deleted", Source: "auth", Data: json.RawMessage(`{}`)}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, response.Succeeded)
		assert.Equal(t, 1, response.Failed)
		assert.Equal(t, model.ErrorCodeValidation, response.Results[1].ErrorCode)
		assert.Equal(t, "bad", response.Results[1].ReferenceID)
	})

	t.Run("empty batch rejected", func(t *testing.T) {
		_, err := tc.client.PublishEventBatch(&model.BatchPublishRequest{})
		require.Error(t, err)

		problem, ok := err.(*model.Problem)
		require.True(t, ok)
		assert.Equal(t, http.StatusBadRequest, problem.Status)
	})
}

func TestListEvents(t *testing.T) {
	tc := setupAPI(t)

	for i := 0; i < 5; i++ {
		tc.publishTestEvent(t, "user.created", "auth")
	}
	tc.publishTestEvent(t, "order.paid", "billing")

	t.Run("pages through with cursor", func(t *testing.T) {
		page, err := tc.client.ListEvents(&model.EventFilter{Limit: 4})
		require.NoError(t, err)
		require.Len(t, page.Events, 4)
		require.NotEmpty(t, page.NextCursor)

		page, err = tc.client.ListEvents(&model.EventFilter{Limit: 4, Cursor: page.NextCursor})
		require.NoError(t, err)
		assert.Len(t, page.Events, 2)
		assert.Empty(t, page.NextCursor)
	})

	t.Run("filters by event type", func(t *testing.T) {
		page, err := tc.client.ListEvents(&model.EventFilter{EventType: "order.paid"})
		require.NoError(t, err)
		require.Len(t, page.Events, 1)
		assert.Equal(t, "billing", page.Events[0].Source)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		_, err := tc.client.ListEvents(&model.EventFilter{Cursor: "not-a-cursor"})
		require.Error(t, err)
	})
}

func TestGetEvent(t *testing.T) {
	tc := setupAPI(t)

	event := tc.publishTestEvent(t, "user.created", "auth")

	t.Run("found", func(t *testing.T) {
		fetched, err := tc.client.GetEvent(event.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched)
		assert.Equal(t, event.ID, fetched.ID)
	})

	t.Run("unknown", func(t *testing.T) {
		fetched, err := tc.client.GetEvent(model.NewEventID())
		require.NoError(t, err)
		assert.Nil(t, fetched)
	})
}

func TestReplayEvent(t *testing.T) {
	tc := setupAPI(t)

	event := tc.publishTestEvent(t, "user.created", "auth")

	t.Run("non-terminal event conflicts", func(t *testing.T) {
		resp := tc.doRequest(t, http.MethodPost, "/api/event/"+event.ID+"/replay", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("terminal event resets to pending", func(t *testing.T) {
		event.Status = model.EventStatusFailed
		event.ProcessedAt = model.GetMillis()
		require.NoError(t, tc.sqlStore.UpdateEventStatus(event))

		replayed, err := tc.client.ReplayEvent(event.ID)
		require.NoError(t, err)
		require.NotNil(t, replayed)
		assert.Equal(t, model.EventStatusPending, replayed.Status)
		assert.EqualValues(t, 0, replayed.DeliveryAttempts)
	})

	t.Run("unknown event", func(t *testing.T) {
		replayed, err := tc.client.ReplayEvent(model.NewEventID())
		require.NoError(t, err)
		assert.Nil(t, replayed)
	})
}
