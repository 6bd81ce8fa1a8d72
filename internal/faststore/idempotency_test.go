package faststore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

func TestReserveIdempotencyKey(t *testing.T) {
	store, mr := MakeTestStore(t)
	ctx := context.Background()

	eventID := model.NewEventID()

	reserved, existing, err := store.ReserveIdempotencyKey(ctx, "order-42", eventID)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Empty(t, existing)

	reserved, existing, err = store.ReserveIdempotencyKey(ctx, "order-42", model.NewEventID())
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, eventID, existing)

	found, err := store.GetIdempotentEventID(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, eventID, found)

	t.Run("reservation expires", func(t *testing.T) {
		mr.FastForward(25 * time.Hour)

		found, err2 := store.GetIdempotentEventID(ctx, "order-42")
		require.NoError(t, err2)
		assert.Empty(t, found)

		reserved, _, err2 := store.ReserveIdempotencyKey(ctx, "order-42", model.NewEventID())
		require.NoError(t, err2)
		assert.True(t, reserved)
	})
}

func TestReleaseIdempotencyKey(t *testing.T) {
	store, _ := MakeTestStore(t)
	ctx := context.Background()

	reserved, _, err := store.ReserveIdempotencyKey(ctx, "order-1", model.NewEventID())
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, store.ReleaseIdempotencyKey(ctx, "order-1"))

	reserved, _, err = store.ReserveIdempotencyKey(ctx, "order-1", model.NewEventID())
	require.NoError(t, err)
	assert.True(t, reserved)
}
