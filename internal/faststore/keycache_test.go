package faststore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

func TestAPIKeyCache(t *testing.T) {
	store, mr := MakeTestStore(t)
	ctx := context.Background()

	keyHash := "1111111111111111111111111111111111111111111111111111111111111111"
	key := &model.APIKey{
		ID:       model.NewAPIKeyID(),
		Name:     "cached",
		Scopes:   []model.Scope{model.ScopeWrite},
		IsActive: true,
		CreateAt: model.GetMillis(),
	}

	cached, err := store.GetCachedAPIKey(ctx, keyHash)
	require.NoError(t, err)
	assert.Nil(t, cached)

	require.NoError(t, store.CacheAPIKey(ctx, keyHash, key))

	cached, err = store.GetCachedAPIKey(ctx, keyHash)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, key.ID, cached.ID)
	assert.Equal(t, key.Scopes, cached.Scopes)

	t.Run("entry expires", func(t *testing.T) {
		mr.FastForward(6 * time.Minute)

		cached, err2 := store.GetCachedAPIKey(ctx, keyHash)
		require.NoError(t, err2)
		assert.Nil(t, cached)
	})
}

func TestAPIKeyNegativeCache(t *testing.T) {
	store, mr := MakeTestStore(t)
	ctx := context.Background()

	keyHash := "2222222222222222222222222222222222222222222222222222222222222222"

	require.NoError(t, store.CacheInvalidAPIKey(ctx, keyHash))

	_, err := store.GetCachedAPIKey(ctx, keyHash)
	require.Error(t, err)
	assert.Equal(t, ErrAPIKeyKnownInvalid, err)

	t.Run("negative entry expires faster", func(t *testing.T) {
		mr.FastForward(61 * time.Second)

		cached, err2 := store.GetCachedAPIKey(ctx, keyHash)
		require.NoError(t, err2)
		assert.Nil(t, cached)
	})
}

func TestInvalidateAPIKey(t *testing.T) {
	store, _ := MakeTestStore(t)
	ctx := context.Background()

	keyHash := "3333333333333333333333333333333333333333333333333333333333333333"
	key := &model.APIKey{ID: model.NewAPIKeyID(), Name: "revoked", Scopes: []model.Scope{model.ScopeAdmin}, IsActive: true}

	require.NoError(t, store.CacheAPIKey(ctx, keyHash, key))
	require.NoError(t, store.InvalidateAPIKey(ctx, keyHash))

	cached, err := store.GetCachedAPIKey(ctx, keyHash)
	require.NoError(t, err)
	assert.Nil(t, cached)
}
