// Package auth implements credential generation and hashing. Raw API keys are
// never stored; only a salted hash is kept in the durable store.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

const (
	// LiveKeyPrefix prefixes credentials for production use.
	LiveKeyPrefix = "sk_live_"
	// TestKeyPrefix prefixes credentials for sandbox use.
	TestKeyPrefix = "sk_test_"

	keyRandomBytes = 20
)

var keyEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// GenerateAPIKey mints a new raw credential. The random portion is 32
// lowercase base32 characters.
func GenerateAPIKey(live bool) (string, error) {
	random := make([]byte, keyRandomBytes)
	if _, err := rand.Read(random); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}

	prefix := TestKeyPrefix
	if live {
		prefix = LiveKeyPrefix
	}

	return prefix + keyEncoding.EncodeToString(random), nil
}

// ValidKeyFormat reports whether the raw key is shaped like a credential.
func ValidKeyFormat(rawKey string) bool {
	var random string
	switch {
	case strings.HasPrefix(rawKey, LiveKeyPrefix):
		random = strings.TrimPrefix(rawKey, LiveKeyPrefix)
	case strings.HasPrefix(rawKey, TestKeyPrefix):
		random = strings.TrimPrefix(rawKey, TestKeyPrefix)
	default:
		return false
	}

	return len(random) == keyEncoding.EncodedLen(keyRandomBytes)
}

// HashKey derives the stored lookup hash for the raw key. The server secret
// salts the hash so a leaked database alone cannot be probed offline against
// guessed keys.
func HashKey(rawKey, serverSecret string) string {
	sum := sha256.Sum256([]byte(rawKey + serverSecret))
	return hex.EncodeToString(sum[:])
}

// SecureEquals compares two hashes in constant time.
func SecureEquals(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
