package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/internal/testlib"
	"github.com/relaycore/relay/model"
)

func TestCreateGetEvent(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	event := &model.Event{
		EventType:      "order.created",
		Source:         "billing",
		Data:           json.RawMessage(`{"order_id":42}`),
		Metadata:       json.RawMessage(`{"region":"eu"}`),
		IdempotencyKey: "order-42",
		CredentialID:   model.NewAPIKeyID(),
	}
	err := sqlStore.CreateEvent(event)
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.True(t, model.IsValidID(event.ID, model.EventIDPrefix))
	assert.NotZero(t, event.CreateAt)
	assert.Equal(t, model.EventStatusPending, event.Status)

	fetched, err := sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "order.created", fetched.EventType)
	assert.Equal(t, "billing", fetched.Source)
	assert.JSONEq(t, `{"order_id":42}`, string(fetched.Data))
	assert.JSONEq(t, `{"region":"eu"}`, string(fetched.Metadata))
	assert.Equal(t, "order-42", fetched.IdempotencyKey)

	t.Run("unknown ID", func(t *testing.T) {
		e, err2 := sqlStore.GetEvent(model.NewEventID())
		require.NoError(t, err2)
		assert.Nil(t, e)
	})

	t.Run("by idempotency key", func(t *testing.T) {
		e, err2 := sqlStore.GetEventByIdempotencyKey("order-42")
		require.NoError(t, err2)
		require.NotNil(t, e)
		assert.Equal(t, event.ID, e.ID)
	})
}

func TestGetEventWithoutMetadata(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	// Metadata is optional and stored as NULL when absent.
	event := &model.Event{
		EventType: "order.created",
		Source:    "billing",
		Data:      json.RawMessage(`{"order_id":7}`),
	}
	require.NoError(t, sqlStore.CreateEvent(event))

	fetched, err := sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.JSONEq(t, `{"order_id":7}`, string(fetched.Data))
	assert.Nil(t, fetched.Metadata)

	fetchedAll, err := sqlStore.GetEvents(&model.EventFilter{})
	require.NoError(t, err)
	require.Len(t, fetchedAll, 1)
	assert.Nil(t, fetchedAll[0].Metadata)

	claimed, err := sqlStore.ClaimPendingEvents(model.NewAPIKeyID(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Nil(t, claimed[0].Metadata)
}

func TestCreateEventIdempotencyConflict(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	first := &model.Event{
		EventType:      "order.created",
		Source:         "billing",
		Data:           json.RawMessage(`{}`),
		IdempotencyKey: "dupe",
	}
	err := sqlStore.CreateEvent(first)
	require.NoError(t, err)

	second := &model.Event{
		EventType:      "order.created",
		Source:         "billing",
		Data:           json.RawMessage(`{}`),
		IdempotencyKey: "dupe",
	}
	err = sqlStore.CreateEvent(second)
	require.Error(t, err)
	assert.Equal(t, ErrIdempotencyConflict, err)

	t.Run("empty keys do not conflict", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			event := &model.Event{
				EventType: "order.created",
				Source:    "billing",
				Data:      json.RawMessage(`{}`),
			}
			require.NoError(t, sqlStore.CreateEvent(event))
		}
	})
}

func TestGetEvents(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	events := []*model.Event{
		{EventType: "order.created", Source: "billing", Data: json.RawMessage(`{}`)},
		{EventType: "order.updated", Source: "billing", Data: json.RawMessage(`{}`)},
		{EventType: "user.created", Source: "accounts", Data: json.RawMessage(`{}`)},
		{EventType: "user.created", Source: "accounts", Data: json.RawMessage(`{}`)},
	}
	for i := range events {
		err := sqlStore.CreateEvent(events[i])
		require.NoError(t, err)
		time.Sleep(1 * time.Millisecond)
	}

	t.Run("newest first", func(t *testing.T) {
		fetched, err := sqlStore.GetEvents(&model.EventFilter{})
		require.NoError(t, err)
		require.Len(t, fetched, 4)
		assert.Equal(t, events[3].ID, fetched[0].ID)
		assert.Equal(t, events[0].ID, fetched[3].ID)
	})

	t.Run("filter by event type", func(t *testing.T) {
		fetched, err := sqlStore.GetEvents(&model.EventFilter{EventType: "user.created"})
		require.NoError(t, err)
		assert.Len(t, fetched, 2)
	})

	t.Run("filter by source", func(t *testing.T) {
		fetched, err := sqlStore.GetEvents(&model.EventFilter{Source: "billing"})
		require.NoError(t, err)
		assert.Len(t, fetched, 2)
	})

	t.Run("cursor pagination", func(t *testing.T) {
		page1, err := sqlStore.GetEvents(&model.EventFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page1, 2)

		cursor := model.EncodeCursor(page1[1].ID)
		page2, err := sqlStore.GetEvents(&model.EventFilter{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		require.Len(t, page2, 2)

		assert.NotEqual(t, page1[0].ID, page2[0].ID)
		assert.NotEqual(t, page1[1].ID, page2[1].ID)
		assert.Equal(t, events[1].ID, page2[0].ID)
		assert.Equal(t, events[0].ID, page2[1].ID)
	})
}

func TestClaimPendingEvents(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	for i := 0; i < 3; i++ {
		event := &model.Event{EventType: "order.created", Source: "billing", Data: json.RawMessage(`{}`)}
		require.NoError(t, sqlStore.CreateEvent(event))
		time.Sleep(1 * time.Millisecond)
	}

	instanceID := model.NewAPIKeyID()

	claimed, err := sqlStore.ClaimPendingEvents(instanceID, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// The two claimed events stay locked until released.
	claimedAgain, err := sqlStore.ClaimPendingEvents(instanceID, 10)
	require.NoError(t, err)
	require.Len(t, claimedAgain, 1)

	ids := []string{claimed[0].ID, claimed[1].ID}
	unlocked, err := sqlStore.UnlockEvents(ids, instanceID, false)
	require.NoError(t, err)
	assert.True(t, unlocked)

	claimed3, err := sqlStore.ClaimPendingEvents(instanceID, 10)
	require.NoError(t, err)
	assert.Len(t, claimed3, 2)
}

func TestUpdateEventStatusAndReplay(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	event := &model.Event{EventType: "order.created", Source: "billing", Data: json.RawMessage(`{}`)}
	require.NoError(t, sqlStore.CreateEvent(event))

	event.Status = model.EventStatusFailed
	event.ProcessedAt = model.GetMillis()
	event.DeliveryAttempts = 3
	event.FailedDeliveries = 3
	event.LastError = "connection refused"
	require.NoError(t, sqlStore.UpdateEventStatus(event))

	fetched, err := sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusFailed, fetched.Status)
	assert.Equal(t, 3, fetched.FailedDeliveries)
	assert.Equal(t, "connection refused", fetched.LastError)

	err = sqlStore.ResetEventForReplay(event.ID)
	require.NoError(t, err)

	fetched, err = sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusPending, fetched.Status)
	assert.Zero(t, fetched.ProcessedAt)
	assert.Zero(t, fetched.FailedDeliveries)
	assert.Empty(t, fetched.LastError)

	t.Run("replay requires terminal status", func(t *testing.T) {
		err2 := sqlStore.ResetEventForReplay(event.ID)
		require.Error(t, err2)
	})
}

func TestGetEventCounts(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	pending := &model.Event{EventType: "order.created", Source: "billing", Data: json.RawMessage(`{}`)}
	require.NoError(t, sqlStore.CreateEvent(pending))

	delivered := &model.Event{EventType: "user.created", Source: "accounts", Data: json.RawMessage(`{}`)}
	require.NoError(t, sqlStore.CreateEvent(delivered))
	delivered.Status = model.EventStatusDelivered
	require.NoError(t, sqlStore.UpdateEventStatus(delivered))

	counts, err := sqlStore.GetEventCountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.EventStatusPending])
	assert.Equal(t, int64(1), counts[model.EventStatusDelivered])

	typeCounts, err := sqlStore.GetEventCountsByType()
	require.NoError(t, err)
	assert.Equal(t, int64(1), typeCounts["order.created"])
	assert.Zero(t, typeCounts["user.created"])

	oldest, err := sqlStore.GetOldestPendingEventAt()
	require.NoError(t, err)
	assert.Equal(t, pending.CreateAt, oldest)
}
