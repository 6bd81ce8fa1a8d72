package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relay/model"
)

func TestSign(t *testing.T) {
	signature := Sign("secret", 1700000000, []byte(`{"hello":"world"}`))

	require.Regexp(t, `^v1=[0-9a-f]{64}$`, signature)

	// Same inputs always produce the same signature.
	assert.Equal(t, signature, Sign("secret", 1700000000, []byte(`{"hello":"world"}`)))

	// Any input change produces a different signature.
	assert.NotEqual(t, signature, Sign("other", 1700000000, []byte(`{"hello":"world"}`)))
	assert.NotEqual(t, signature, Sign("secret", 1700000001, []byte(`{"hello":"world"}`)))
	assert.NotEqual(t, signature, Sign("secret", 1700000000, []byte(`{"hello":"mars"}`)))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	now := model.GetMillis()
	timestamp := now / 1000

	subscription := &model.Subscription{
		SigningSecret: "current-secret",
	}

	t.Run("valid signature", func(t *testing.T) {
		signature := Sign(subscription.SigningSecret, timestamp, payload)
		assert.True(t, VerifySignature(subscription, signature, fmt.Sprintf("%d", timestamp), payload, now))
	})

	t.Run("wrong secret", func(t *testing.T) {
		signature := Sign("wrong-secret", timestamp, payload)
		assert.False(t, VerifySignature(subscription, signature, fmt.Sprintf("%d", timestamp), payload, now))
	})

	t.Run("tampered payload", func(t *testing.T) {
		signature := Sign(subscription.SigningSecret, timestamp, payload)
		assert.False(t, VerifySignature(subscription, signature, fmt.Sprintf("%d", timestamp), []byte(`{"hello":"mars"}`), now))
	})

	t.Run("malformed timestamp", func(t *testing.T) {
		signature := Sign(subscription.SigningSecret, timestamp, payload)
		assert.False(t, VerifySignature(subscription, signature, "not-a-number", payload, now))
	})

	t.Run("timestamp outside tolerance", func(t *testing.T) {
		stale := timestamp - SignatureToleranceSecs - 1
		signature := Sign(subscription.SigningSecret, stale, payload)
		assert.False(t, VerifySignature(subscription, signature, fmt.Sprintf("%d", stale), payload, now))

		future := timestamp + SignatureToleranceSecs + 1
		signature = Sign(subscription.SigningSecret, future, payload)
		assert.False(t, VerifySignature(subscription, signature, fmt.Sprintf("%d", future), payload, now))
	})

	t.Run("previous secret during grace window", func(t *testing.T) {
		rotated := &model.Subscription{
			SigningSecret:            "new-secret",
			PreviousSigningSecret:    "old-secret",
			PreviousSecretValidUntil: now + 60_000,
		}

		signature := Sign("old-secret", timestamp, payload)
		assert.True(t, VerifySignature(rotated, signature, fmt.Sprintf("%d", timestamp), payload, now))
	})

	t.Run("previous secret after grace window", func(t *testing.T) {
		rotated := &model.Subscription{
			SigningSecret:            "new-secret",
			PreviousSigningSecret:    "old-secret",
			PreviousSecretValidUntil: now - 1,
		}

		signature := Sign("old-secret", timestamp, payload)
		assert.False(t, VerifySignature(rotated, signature, fmt.Sprintf("%d", timestamp), payload, now))
	})
}
