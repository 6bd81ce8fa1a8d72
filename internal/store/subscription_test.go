package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/internal/testlib"
	"github.com/relaycore/relay/model"
)

func makeTestSubscription() *model.Subscription {
	return &model.Subscription{
		Name:                 "orders",
		URL:                  "https://example.com/hooks/orders",
		SigningSecret:        model.NewSigningSecret(),
		EventTypes:           []string{"order.*"},
		Headers:              map[string]string{"X-Team": "payments"},
		Status:               model.SubscriptionStatusActive,
		RetryStrategy:        model.RetryStrategyExponential,
		MaxRetries:           model.DefaultMaxRetries,
		RetryDelaySeconds:    model.DefaultRetryDelaySeconds,
		RetryMaxDelaySeconds: model.DefaultRetryMaxDelaySeconds,
		TimeoutSeconds:       model.DefaultTimeoutSeconds,
		IsHealthy:            true,
		FailureThreshold:     model.DefaultFailureThreshold,
	}
}

func TestCreateGetSubscription(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	sub := makeTestSubscription()
	err := sqlStore.CreateSubscription(sub)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.True(t, model.IsValidID(sub.ID, model.SubscriptionIDPrefix))

	fetched, err := sqlStore.GetSubscription(sub.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "orders", fetched.Name)
	assert.Equal(t, "https://example.com/hooks/orders", fetched.URL)
	assert.Equal(t, sub.SigningSecret, fetched.SigningSecret)
	assert.Equal(t, []string{"order.*"}, fetched.EventTypes)
	assert.Nil(t, fetched.EventSources)
	assert.Equal(t, map[string]string{"X-Team": "payments"}, fetched.Headers)
	assert.Equal(t, model.RetryStrategyExponential, fetched.RetryStrategy)
	assert.True(t, fetched.IsHealthy)

	t.Run("unknown ID", func(t *testing.T) {
		s, err2 := sqlStore.GetSubscription(model.NewSubscriptionID())
		require.NoError(t, err2)
		assert.Nil(t, s)
	})
}

func TestGetSubscriptionsFilter(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	all := makeTestSubscription()
	all.Name = "catch-all"
	all.EventTypes = nil
	require.NoError(t, sqlStore.CreateSubscription(all))
	time.Sleep(1 * time.Millisecond)

	orders := makeTestSubscription()
	require.NoError(t, sqlStore.CreateSubscription(orders))
	time.Sleep(1 * time.Millisecond)

	paused := makeTestSubscription()
	paused.Name = "paused"
	paused.Status = model.SubscriptionStatusPaused
	require.NoError(t, sqlStore.CreateSubscription(paused))
	time.Sleep(1 * time.Millisecond)

	deleted := makeTestSubscription()
	require.NoError(t, sqlStore.CreateSubscription(deleted))
	require.NoError(t, sqlStore.DeleteSubscription(deleted.ID))

	t.Run("not deleted", func(t *testing.T) {
		subs, err := sqlStore.GetSubscriptions(&model.SubscriptionsFilter{Paging: model.AllPagesNotDeleted()})
		require.NoError(t, err)
		assert.Len(t, subs, 3)
	})

	t.Run("include deleted", func(t *testing.T) {
		subs, err := sqlStore.GetSubscriptions(&model.SubscriptionsFilter{Paging: model.AllPagesWithDeleted()})
		require.NoError(t, err)
		assert.Len(t, subs, 4)
	})

	t.Run("by status", func(t *testing.T) {
		subs, err := sqlStore.GetSubscriptions(&model.SubscriptionsFilter{
			Paging: model.AllPagesNotDeleted(),
			Status: model.SubscriptionStatusPaused,
		})
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, paused.ID, subs[0].ID)
	})

	t.Run("by event type pattern", func(t *testing.T) {
		subs, err := sqlStore.GetSubscriptions(&model.SubscriptionsFilter{
			Paging:    model.AllPagesNotDeleted(),
			EventType: "order.created",
		})
		require.NoError(t, err)
		// The catch-all, the order.* subscription and the paused one all accept it.
		assert.Len(t, subs, 3)

		subs, err = sqlStore.GetSubscriptions(&model.SubscriptionsFilter{
			Paging:    model.AllPagesNotDeleted(),
			EventType: "user.created",
		})
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, all.ID, subs[0].ID)
	})

	t.Run("active only", func(t *testing.T) {
		subs, err := sqlStore.GetActiveSubscriptions()
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})

	count, err := sqlStore.CountActiveSubscriptions()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestUpdateSubscription(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	sub := makeTestSubscription()
	require.NoError(t, sqlStore.CreateSubscription(sub))

	sub.Name = "renamed"
	sub.EventTypes = []string{"order.*", "refund.*"}
	sub.MaxRetries = 5
	require.NoError(t, sqlStore.UpdateSubscription(sub))

	fetched, err := sqlStore.GetSubscription(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", fetched.Name)
	assert.Equal(t, []string{"order.*", "refund.*"}, fetched.EventTypes)
	assert.Equal(t, 5, fetched.MaxRetries)
}

func TestUpdateSubscriptionHealth(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	sub := makeTestSubscription()
	require.NoError(t, sqlStore.CreateSubscription(sub))

	sub.IsHealthy = false
	sub.Status = model.SubscriptionStatusDisabled
	sub.ConsecutiveFailures = sub.FailureThreshold
	sub.LastFailureAt = model.GetMillis()
	sub.LastFailureReason = "http_error: 500"
	sub.TotalDeliveries = 12
	sub.FailedDeliveries = 10
	require.NoError(t, sqlStore.UpdateSubscriptionHealth(sub))

	fetched, err := sqlStore.GetSubscription(sub.ID)
	require.NoError(t, err)
	assert.False(t, fetched.IsHealthy)
	assert.Equal(t, model.SubscriptionStatusDisabled, fetched.Status)
	assert.Equal(t, sub.FailureThreshold, fetched.ConsecutiveFailures)
	assert.Equal(t, "http_error: 500", fetched.LastFailureReason)
	assert.Equal(t, int64(12), fetched.TotalDeliveries)
}

func TestDeleteSubscription(t *testing.T) {
	logger := testlib.MakeLogger(t)
	sqlStore := MakeTestSQLStore(t, logger)
	defer CloseConnection(t, sqlStore)

	sub := makeTestSubscription()
	require.NoError(t, sqlStore.CreateSubscription(sub))

	require.NoError(t, sqlStore.DeleteSubscription(sub.ID))

	fetched, err := sqlStore.GetSubscription(sub.ID)
	require.NoError(t, err)
	assert.True(t, fetched.IsDeleted())
	assert.Equal(t, model.SubscriptionStatusDeleted, fetched.Status)

	// Updates no longer apply to a deleted subscription.
	fetched.Name = "too late"
	require.NoError(t, sqlStore.UpdateSubscription(fetched))

	again, err := sqlStore.GetSubscription(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", again.Name)
}
