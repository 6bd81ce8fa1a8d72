package faststore

import (
	"context"
	"testing"
	"time"

	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

func TestReceiptLifecycle(t *testing.T) {
	store, mr := MakeTestStore(t)
	ctx := context.Background()

	handle := uuid.New()
	receipt := &Receipt{
		EventID:           model.NewEventID(),
		ConsumerID:        model.NewAPIKeyID(),
		LeasedAt:          model.GetMillis(),
		VisibilityTimeout: 30,
		DeliveryCount:     1,
	}
	require.NoError(t, store.StoreReceipt(ctx, handle, receipt))

	fetched, err := store.GetReceipt(ctx, handle)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, receipt.EventID, fetched.EventID)
	assert.Equal(t, 30, fetched.VisibilityTimeout)

	t.Run("ack removes the lease", func(t *testing.T) {
		removed, err2 := store.DeleteReceipt(ctx, handle)
		require.NoError(t, err2)
		assert.True(t, removed)

		removed, err2 = store.DeleteReceipt(ctx, handle)
		require.NoError(t, err2)
		assert.False(t, removed)
	})

	t.Run("lease expires after visibility plus grace", func(t *testing.T) {
		expiring := uuid.New()
		require.NoError(t, store.StoreReceipt(ctx, expiring, receipt))

		mr.FastForward(time.Duration(receipt.VisibilityTimeout+model.ReceiptHandleGraceSecs+1) * time.Second)

		fetched, err2 := store.GetReceipt(ctx, expiring)
		require.NoError(t, err2)
		assert.Nil(t, fetched)
	})
}

func TestExtendReceipt(t *testing.T) {
	store, _ := MakeTestStore(t)
	ctx := context.Background()

	handle := uuid.New()
	receipt := &Receipt{
		EventID:           model.NewEventID(),
		ConsumerID:        model.NewAPIKeyID(),
		LeasedAt:          model.GetMillis(),
		VisibilityTimeout: 30,
		DeliveryCount:     1,
	}
	require.NoError(t, store.StoreReceipt(ctx, handle, receipt))

	extended, err := store.ExtendReceipt(ctx, handle, 600)
	require.NoError(t, err)
	assert.True(t, extended)

	fetched, err := store.GetReceipt(ctx, handle)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, 600, fetched.VisibilityTimeout)

	t.Run("unknown handle", func(t *testing.T) {
		extended, err2 := store.ExtendReceipt(ctx, uuid.New(), 60)
		require.NoError(t, err2)
		assert.False(t, extended)
	})
}
