package api_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

func TestFetchInbox(t *testing.T) {
	tc := setupAPI(t)

	tc.publishTestEvent(t, "user.created", "auth")
	tc.publishTestEvent(t, "user.deleted", "auth")
	tc.publishTestEvent(t, "order.paid", "billing")

	t.Run("leases oldest first with receipt handles", func(t *testing.T) {
		response, err := tc.client.FetchInbox(10, 30, nil, nil)
		require.NoError(t, err)
		require.Len(t, response.Messages, 3)
		for _, message := range response.Messages {
			assert.True(t, strings.HasPrefix(message.ReceiptHandle, "rcpt_"))
			assert.Equal(t, 30, message.VisibilityTimeout)
			assert.Equal(t, 1, message.DeliveryCount)
		}
	})

	t.Run("leased events are invisible until the timeout elapses", func(t *testing.T) {
		response, err := tc.client.FetchInbox(10, 30, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, response.Messages)
	})

	t.Run("filters by event type pattern", func(t *testing.T) {
		tc.publishTestEvent(t, "user.updated", "auth")
		tc.publishTestEvent(t, "invoice.sent", "billing")

		response, err := tc.client.FetchInbox(10, 30, []string{"user.*"}, nil)
		require.NoError(t, err)
		require.Len(t, response.Messages, 1)
		assert.Equal(t, "user.updated", response.Messages[0].EventType)
	})
}

func TestAckInbox(t *testing.T) {
	tc := setupAPI(t)

	event := tc.publishTestEvent(t, "user.created", "auth")

	response, err := tc.client.FetchInbox(1, 30, nil, nil)
	require.NoError(t, err)
	require.Len(t, response.Messages, 1)
	handle := response.Messages[0].ReceiptHandle

	t.Run("ack completes the event", func(t *testing.T) {
		require.NoError(t, tc.client.AckInbox(handle))

		stored, err := tc.sqlStore.GetEvent(event.ID)
		require.NoError(t, err)
		assert.Equal(t, model.EventStatusDelivered, stored.Status)
	})

	t.Run("second ack of the same handle fails", func(t *testing.T) {
		err := tc.client.AckInbox(handle)
		require.Error(t, err)

		problem, ok := err.(*model.Problem)
		require.True(t, ok)
		assert.Equal(t, http.StatusNotFound, problem.Status)
	})

	t.Run("empty batch rejected", func(t *testing.T) {
		resp := tc.doRequest(t, http.MethodPost, "/api/inbox/ack", &model.BatchAckRequest{})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestBatchAckInbox(t *testing.T) {
	tc := setupAPI(t)

	tc.publishTestEvent(t, "user.created", "auth")
	tc.publishTestEvent(t, "user.deleted", "auth")

	response, err := tc.client.FetchInbox(10, 30, nil, nil)
	require.NoError(t, err)
	require.Len(t, response.Messages, 2)

	resp := tc.doRequest(t, http.MethodPost, "/api/inbox/ack", &model.BatchAckRequest{
		ReceiptHandles: []string{
			response.Messages[0].ReceiptHandle,
			response.Messages[1].ReceiptHandle,
			"rcpt_bogus",
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var batch model.BatchAckResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	require.Len(t, batch.Results, 3)
	assert.True(t, batch.Results[0].Success)
	assert.True(t, batch.Results[1].Success)
	assert.False(t, batch.Results[2].Success)
	assert.NotEmpty(t, batch.Results[2].Error)
}

func TestChangeInboxVisibility(t *testing.T) {
	tc := setupAPI(t)

	tc.publishTestEvent(t, "user.created", "auth")

	response, err := tc.client.FetchInbox(1, 30, nil, nil)
	require.NoError(t, err)
	require.Len(t, response.Messages, 1)
	handle := response.Messages[0].ReceiptHandle

	t.Run("extends the deadline", func(t *testing.T) {
		resp := tc.doRequest(t, http.MethodPost, "/api/inbox/visibility", &model.ChangeVisibilityRequest{
			ReceiptHandle:     handle,
			VisibilityTimeout: 120,
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			ReceiptHandle string `json:"receipt_handle"`
			VisibleAt     int64  `json:"visible_at"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, handle, body.ReceiptHandle)
		assert.Greater(t, body.VisibleAt, model.GetMillis()+100*1000)
	})

	t.Run("zero releases the lease immediately", func(t *testing.T) {
		resp := tc.doRequest(t, http.MethodPost, "/api/inbox/visibility", &model.ChangeVisibilityRequest{
			ReceiptHandle:     handle,
			VisibilityTimeout: 0,
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		refetched, err := tc.client.FetchInbox(1, 30, nil, nil)
		require.NoError(t, err)
		require.Len(t, refetched.Messages, 1)
		assert.Equal(t, 2, refetched.Messages[0].DeliveryCount)
	})

	t.Run("unknown handle", func(t *testing.T) {
		resp := tc.doRequest(t, http.MethodPost, "/api/inbox/visibility", &model.ChangeVisibilityRequest{
			ReceiptHandle:     "rcpt_bogus",
			VisibilityTimeout: 60,
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestInboxStats(t *testing.T) {
	tc := setupAPI(t)

	tc.publishTestEvent(t, "user.created", "auth")
	tc.publishTestEvent(t, "user.created", "auth")
	tc.publishTestEvent(t, "order.paid", "billing")

	stats, err := tc.client.GetInboxStats()
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.CountsByStatus[model.EventStatusPending])
	assert.EqualValues(t, 2, stats.CountsByEventType["user.created"])
	assert.NotZero(t, stats.OldestPendingAt)
}
