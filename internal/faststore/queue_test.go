package faststore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

func TestEnqueueDequeueEvent(t *testing.T) {
	store, _ := MakeTestStore(t)
	ctx := context.Background()

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	first := &model.QueueMessage{
		EventID:    model.NewEventID(),
		EventType:  "order.created",
		Source:     "billing",
		CreateAt:   model.GetMillis(),
		EnqueuedAt: model.GetMillis(),
	}
	require.NoError(t, store.EnqueueEvent(ctx, first))

	second := &model.QueueMessage{
		EventID:    model.NewEventID(),
		EventType:  "order.updated",
		Source:     "billing",
		CreateAt:   model.GetMillis(),
		EnqueuedAt: model.GetMillis(),
	}
	require.NoError(t, store.EnqueueEvent(ctx, second))

	depth, err = store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	// FIFO: the first enqueued message comes out first.
	message, err := store.DequeueEvent(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.Equal(t, first.EventID, message.EventID)

	message, err = store.DequeueEvent(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.Equal(t, second.EventID, message.EventID)

	message, err = store.DequeueEvent(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, message)
}

func TestDLQOperations(t *testing.T) {
	store, _ := MakeTestStore(t)
	ctx := context.Background()

	entry1 := &model.DLQEntry{
		EventID:       model.NewEventID(),
		EventType:     "order.created",
		Source:        "billing",
		CreateAt:      model.GetMillis(),
		EnqueuedAt:    model.GetMillis(),
		DLQEnteredAt:  model.GetMillis(),
		FailureReason: "all deliveries exhausted",
	}
	require.NoError(t, store.EnqueueDLQ(ctx, entry1))

	entry2 := &model.DLQEntry{
		EventID:       model.NewEventID(),
		EventType:     "user.created",
		Source:        "accounts",
		CreateAt:      model.GetMillis(),
		EnqueuedAt:    model.GetMillis(),
		DLQEnteredAt:  model.GetMillis(),
		FailureReason: "no healthy subscription",
	}
	require.NoError(t, store.EnqueueDLQ(ctx, entry2))

	entries, err := store.GetDLQEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, entry2.EventID, entries[0].EventID)

	t.Run("remove exact entry", func(t *testing.T) {
		removed, err2 := store.RemoveDLQEntry(ctx, entry1)
		require.NoError(t, err2)
		assert.True(t, removed)

		// Removing again reports the entry gone.
		removed, err2 = store.RemoveDLQEntry(ctx, entry1)
		require.NoError(t, err2)
		assert.False(t, removed)
	})

	t.Run("purge", func(t *testing.T) {
		dropped, err2 := store.PurgeDLQ(ctx)
		require.NoError(t, err2)
		assert.Equal(t, int64(1), dropped)

		depth, err2 := store.DLQDepth(ctx)
		require.NoError(t, err2)
		assert.Zero(t, depth)
	})
}
