// Package events implements the event pipeline: admission, subscription
// matching, delivery scheduling and the webhook delivery workers.
package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaycore/relay/model"
)

const (
	// SignatureVersion prefixes every signature header value.
	SignatureVersion = "v1"

	// SignatureToleranceSecs bounds the accepted clock skew when verifying.
	SignatureToleranceSecs = 300
)

// Sign computes the signature header value for the payload at the given
// timestamp: v1=hex(HMAC_SHA256(secret, "{timestamp}.{payload}")).
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)

	return SignatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the subscription's
// current secret, falling back to the previous secret while its rotation
// grace window is open. The timestamp must be within tolerance of now.
func VerifySignature(subscription *model.Subscription, signature, timestampHeader string, payload []byte, now int64) bool {
	timestamp, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return false
	}

	skew := now/1000 - timestamp
	if skew < -SignatureToleranceSecs || skew > SignatureToleranceSecs {
		return false
	}

	expected := Sign(subscription.SigningSecret, timestamp, payload)
	if hmac.Equal([]byte(signature), []byte(expected)) {
		return true
	}

	if subscription.PreviousSigningSecret != "" && subscription.PreviousSecretValidUntil > now {
		previous := Sign(subscription.PreviousSigningSecret, timestamp, payload)
		return hmac.Equal([]byte(signature), []byte(previous))
	}

	return false
}
