package inbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/testlib"
	"github.com/relaycore/relay/model"
)

func makeTestService(t *testing.T) (*Service, *store.SQLStore, *faststore.Store, *miniredis.Miniredis) {
	logger := testlib.MakeLogger(t)
	sqlStore := store.MakeTestSQLStore(t, logger)
	t.Cleanup(func() {
		store.CloseConnection(t, sqlStore)
	})
	fastStore, mr := faststore.MakeTestStore(t)

	return NewService(sqlStore, fastStore, logger), sqlStore, fastStore, mr
}

func createPendingEvent(t *testing.T, sqlStore *store.SQLStore, eventType, source string) *model.Event {
	event := &model.Event{
		EventType: eventType,
		Source:    source,
		Data:      json.RawMessage(`{"n":1}`),
	}
	require.NoError(t, sqlStore.CreateEvent(event))

	return event
}

func TestNewReceiptHandle(t *testing.T) {
	handle := NewReceiptHandle()
	require.Regexp(t, `^rcpt_[A-Za-z0-9_-]{22}$`, handle)
	assert.NotEqual(t, handle, NewReceiptHandle())
}

func TestFetch(t *testing.T) {
	service, sqlStore, _, mr := makeTestService(t)
	ctx := context.Background()

	event := createPendingEvent(t, sqlStore, "order.created", "billing")

	messages, err := service.Fetch(ctx, &FetchRequest{Limit: 10, VisibilityTimeout: 2})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, event.ID, messages[0].ID)
	assert.Equal(t, 1, messages[0].DeliveryCount)
	assert.Equal(t, 2, messages[0].VisibilityTimeout)
	assert.NotEmpty(t, messages[0].ReceiptHandle)

	// The event row stays pending; visibility lives in the fast store only.
	fetched, err := sqlStore.GetEvent(event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusPending, fetched.Status)
	assert.Equal(t, 1, fetched.DeliveryAttempts)

	t.Run("leased event is hidden", func(t *testing.T) {
		hidden, err := service.Fetch(ctx, &FetchRequest{Limit: 10, VisibilityTimeout: 2})
		require.NoError(t, err)
		assert.Empty(t, hidden)
	})

	t.Run("event reappears after the visibility deadline", func(t *testing.T) {
		mr.FastForward(3 * time.Second)

		again, err := service.Fetch(ctx, &FetchRequest{Limit: 10, VisibilityTimeout: 2})
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, event.ID, again[0].ID)
		assert.Equal(t, 2, again[0].DeliveryCount)
		assert.NotEqual(t, messages[0].ReceiptHandle, again[0].ReceiptHandle)
	})
}

func TestFetchFilters(t *testing.T) {
	service, sqlStore, _, _ := makeTestService(t)
	ctx := context.Background()

	orderEvent := createPendingEvent(t, sqlStore, "order.created", "billing")
	createPendingEvent(t, sqlStore, "user.created", "auth")

	messages, err := service.Fetch(ctx, &FetchRequest{
		Limit:      10,
		EventTypes: []string{"order.*"},
	})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, orderEvent.ID, messages[0].ID)

	messages, err = service.Fetch(ctx, &FetchRequest{
		Limit:   10,
		Sources: []string{"auth"},
	})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "user.created", messages[0].EventType)
}

func TestFetchOldestFirst(t *testing.T) {
	service, sqlStore, _, _ := makeTestService(t)
	ctx := context.Background()

	first := createPendingEvent(t, sqlStore, "order.created", "billing")
	time.Sleep(2 * time.Millisecond)
	second := createPendingEvent(t, sqlStore, "order.created", "billing")

	messages, err := service.Fetch(ctx, &FetchRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, first.ID, messages[0].ID)

	messages, err = service.Fetch(ctx, &FetchRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, second.ID, messages[0].ID)
}

func TestAck(t *testing.T) {
	service, sqlStore, fastStore, _ := makeTestService(t)
	ctx := context.Background()

	event := createPendingEvent(t, sqlStore, "order.created", "billing")

	messages, err := service.Fetch(ctx, &FetchRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, messages, 1)

	t.Run("unknown handle", func(t *testing.T) {
		acked, err := service.Ack(ctx, "rcpt_unknown")
		require.NoError(t, err)
		assert.False(t, acked)
	})

	t.Run("expired handle during the grace window", func(t *testing.T) {
		staleHandle := NewReceiptHandle()
		require.NoError(t, fastStore.StoreReceipt(ctx, staleHandle, &faststore.Receipt{
			EventID:           event.ID,
			LeasedAt:          model.GetMillis() - 10_000,
			VisibilityTimeout: 2,
		}))

		acked, err := service.Ack(ctx, staleHandle)
		require.NoError(t, err)
		assert.False(t, acked)
	})

	t.Run("valid handle completes the event", func(t *testing.T) {
		acked, err := service.Ack(ctx, messages[0].ReceiptHandle)
		require.NoError(t, err)
		assert.True(t, acked)

		fetched, err := sqlStore.GetEvent(event.ID)
		require.NoError(t, err)
		assert.Equal(t, model.EventStatusDelivered, fetched.Status)
		assert.NotZero(t, fetched.ProcessedAt)
		assert.Equal(t, 1, fetched.SuccessfulDeliveries)
	})

	t.Run("ack is not repeatable", func(t *testing.T) {
		acked, err := service.Ack(ctx, messages[0].ReceiptHandle)
		require.NoError(t, err)
		assert.False(t, acked)
	})
}

func TestBatchAck(t *testing.T) {
	service, sqlStore, _, _ := makeTestService(t)
	ctx := context.Background()

	createPendingEvent(t, sqlStore, "order.created", "billing")
	createPendingEvent(t, sqlStore, "order.created", "billing")

	messages, err := service.Fetch(ctx, &FetchRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	response := service.BatchAck(ctx, []string{
		messages[0].ReceiptHandle,
		messages[1].ReceiptHandle,
		messages[0].ReceiptHandle, // duplicate collapses
		"rcpt_unknown",
	})

	require.Len(t, response.Results, 3)
	assert.True(t, response.Results[0].Success)
	assert.True(t, response.Results[1].Success)
	assert.False(t, response.Results[2].Success)
	assert.NotEmpty(t, response.Results[2].Error)
}

func TestChangeVisibility(t *testing.T) {
	service, sqlStore, _, _ := makeTestService(t)
	ctx := context.Background()

	createPendingEvent(t, sqlStore, "order.created", "billing")

	messages, err := service.Fetch(ctx, &FetchRequest{Limit: 1, VisibilityTimeout: 30})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	handle := messages[0].ReceiptHandle

	t.Run("unknown handle", func(t *testing.T) {
		_, ok, err := service.ChangeVisibility(ctx, "rcpt_unknown", 60)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid timeout", func(t *testing.T) {
		_, _, err := service.ChangeVisibility(ctx, handle, model.MaxVisibilityTimeoutSecs+1)
		require.Error(t, err)
	})

	t.Run("extend", func(t *testing.T) {
		deadline, ok, err := service.ChangeVisibility(ctx, handle, 60)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Greater(t, deadline, model.GetMillis())
	})

	t.Run("zero makes the event immediately visible", func(t *testing.T) {
		_, ok, err := service.ChangeVisibility(ctx, handle, 0)
		require.NoError(t, err)
		assert.True(t, ok)

		again, err := service.Fetch(ctx, &FetchRequest{Limit: 1})
		require.NoError(t, err)
		require.Len(t, again, 1)

		// The old handle no longer acks.
		acked, err := service.Ack(ctx, handle)
		require.NoError(t, err)
		assert.False(t, acked)
	})
}

func TestStats(t *testing.T) {
	service, sqlStore, _, _ := makeTestService(t)
	ctx := context.Background()

	createPendingEvent(t, sqlStore, "order.created", "billing")
	createPendingEvent(t, sqlStore, "user.created", "auth")

	messages, err := service.Fetch(ctx, &FetchRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	acked, err := service.Ack(ctx, messages[0].ReceiptHandle)
	require.NoError(t, err)
	require.True(t, acked)

	stats, err := service.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountsByStatus[model.EventStatusPending])
	assert.Equal(t, int64(1), stats.CountsByStatus[model.EventStatusDelivered])
	assert.Equal(t, int64(1), stats.CountsByEventType["user.created"])
	assert.NotZero(t, stats.OldestPendingAt)
}
