package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	live, err := GenerateAPIKey(true)
	require.NoError(t, err)
	assert.True(t, ValidKeyFormat(live))
	assert.Contains(t, live, LiveKeyPrefix)
	assert.Len(t, live, len(LiveKeyPrefix)+32)

	test, err := GenerateAPIKey(false)
	require.NoError(t, err)
	assert.True(t, ValidKeyFormat(test))
	assert.Contains(t, test, TestKeyPrefix)

	assert.NotEqual(t, live, test)
}

func TestValidKeyFormat(t *testing.T) {
	key, err := GenerateAPIKey(true)
	require.NoError(t, err)

	assert.True(t, ValidKeyFormat(key))
	assert.False(t, ValidKeyFormat(""))
	assert.False(t, ValidKeyFormat("sk_live_short"))
	assert.False(t, ValidKeyFormat("pk_live_abcdefghijklmnopqrstuvwxyz234567"))
	assert.False(t, ValidKeyFormat(key+"x"))
}

func TestHashKey(t *testing.T) {
	first := HashKey("sk_live_aaaa", "pepper")
	second := HashKey("sk_live_aaaa", "pepper")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	assert.NotEqual(t, first, HashKey("sk_live_aaab", "pepper"))
	assert.NotEqual(t, first, HashKey("sk_live_aaaa", "other-pepper"))

	assert.True(t, SecureEquals(first, second))
	assert.False(t, SecureEquals(first, HashKey("sk_live_aaab", "pepper")))
}
