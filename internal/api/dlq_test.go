package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

// seedDLQEntry fails a published event and parks it on the dead-letter list.
func (tc *testContext) seedDLQEntry(t *testing.T, eventType, source string) *model.Event {
	event := tc.publishTestEvent(t, eventType, source)
	event.Status = model.EventStatusFailed
	event.ProcessedAt = model.GetMillis()
	require.NoError(t, tc.sqlStore.UpdateEventStatus(event))

	require.NoError(t, tc.fastStore.EnqueueDLQ(context.Background(), &model.DLQEntry{
		EventID:       event.ID,
		EventType:     event.EventType,
		Source:        event.Source,
		CreateAt:      event.CreateAt,
		EnqueuedAt:    event.CreateAt,
		DLQEnteredAt:  model.GetMillis(),
		FailureReason: "max delivery attempts exhausted",
	}))

	return event
}

func TestListDLQ(t *testing.T) {
	tc := setupAPI(t)

	tc.seedDLQEntry(t, "user.created", "auth")
	tc.seedDLQEntry(t, "order.paid", "billing")
	tc.seedDLQEntry(t, "order.refunded", "billing")

	t.Run("all entries", func(t *testing.T) {
		page, err := tc.client.ListDLQ(100, 0, "", "")
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Len(t, page.Entries, 3)
	})

	t.Run("filtered by source", func(t *testing.T) {
		page, err := tc.client.ListDLQ(100, 0, "", "billing")
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})

	t.Run("paged", func(t *testing.T) {
		page, err := tc.client.ListDLQ(2, 2, "", "")
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Len(t, page.Entries, 1)
	})
}

func TestDLQStats(t *testing.T) {
	tc := setupAPI(t)

	tc.seedDLQEntry(t, "user.created", "auth")
	tc.seedDLQEntry(t, "order.paid", "billing")

	stats, err := tc.client.GetDLQStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.CountsByEventType["user.created"])
	assert.EqualValues(t, 1, stats.CountsBySource["billing"])
	assert.NotZero(t, stats.OldestEnqueuedAt)
}

func TestRetryDLQ(t *testing.T) {
	tc := setupAPI(t)

	event := tc.seedDLQEntry(t, "user.created", "auth")

	t.Run("requeues the event", func(t *testing.T) {
		require.NoError(t, tc.client.RetryDLQ(event.ID))

		stored, err := tc.sqlStore.GetEvent(event.ID)
		require.NoError(t, err)
		assert.Equal(t, model.EventStatusPending, stored.Status)

		depth, err := tc.fastStore.QueueDepth(context.Background())
		require.NoError(t, err)
		assert.NotZero(t, depth)

		page, err := tc.client.ListDLQ(100, 0, "", "")
		require.NoError(t, err)
		assert.Equal(t, 0, page.Total)
	})

	t.Run("second retry misses", func(t *testing.T) {
		err := tc.client.RetryDLQ(event.ID)
		require.Error(t, err)

		problem, ok := err.(*model.Problem)
		require.True(t, ok)
		assert.Equal(t, http.StatusNotFound, problem.Status)
	})
}

func TestDismissDLQ(t *testing.T) {
	tc := setupAPI(t)

	event := tc.seedDLQEntry(t, "user.created", "auth")

	t.Run("drops the entry and leaves the event failed", func(t *testing.T) {
		require.NoError(t, tc.client.DismissDLQ(event.ID))

		stored, err := tc.sqlStore.GetEvent(event.ID)
		require.NoError(t, err)
		assert.Equal(t, model.EventStatusFailed, stored.Status)

		page, err := tc.client.ListDLQ(100, 0, "", "")
		require.NoError(t, err)
		assert.Equal(t, 0, page.Total)
	})

	t.Run("second dismiss misses", func(t *testing.T) {
		err := tc.client.DismissDLQ(event.ID)
		require.Error(t, err)

		problem, ok := err.(*model.Problem)
		require.True(t, ok)
		assert.Equal(t, http.StatusNotFound, problem.Status)
	})
}

func TestDLQBatches(t *testing.T) {
	tc := setupAPI(t)

	first := tc.seedDLQEntry(t, "user.created", "auth")
	second := tc.seedDLQEntry(t, "order.paid", "billing")

	resp := tc.doRequest(t, http.MethodPost, "/api/dlq/retry", &model.DLQBatchRequest{
		EventIDs: []string{first.ID, second.ID, model.NewEventID()},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var batch model.DLQBatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	require.Len(t, batch.Results, 3)
	assert.True(t, batch.Results[0].Success)
	assert.True(t, batch.Results[1].Success)
	assert.False(t, batch.Results[2].Success)
}

func TestPurgeDLQ(t *testing.T) {
	tc := setupAPI(t)

	tc.seedDLQEntry(t, "user.created", "auth")
	tc.seedDLQEntry(t, "order.paid", "billing")

	t.Run("requires confirmation", func(t *testing.T) {
		resp := tc.doRequest(t, http.MethodDelete, "/api/dlq", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("confirmed purge empties the list", func(t *testing.T) {
		require.NoError(t, tc.client.PurgeDLQ())

		stats, err := tc.client.GetDLQStats()
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Total)
	})
}
