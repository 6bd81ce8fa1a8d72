package model

import (
	"strings"

	"github.com/pborman/uuid"
)

// crockford is the Crockford base32 alphabet used for time-ordered IDs.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ID prefixes for the entities exposed over the API.
const (
	EventIDPrefix        = "evt_"
	SubscriptionIDPrefix = "sub_"
	DeliveryIDPrefix     = "del_"
	APIKeyIDPrefix       = "key_"
	DLQEntryIDPrefix     = "dlq_"
)

// NewID generates a prefixed, lexicographically sortable identifier. The
// token is 26 characters of Crockford base32: 10 characters encoding
// milliseconds since epoch followed by 16 characters of randomness, so IDs
// sharing a prefix sort by creation time.
func NewID(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 26)
	b.WriteString(prefix)

	millis := GetMillis()
	var ts [10]byte
	for i := 9; i >= 0; i-- {
		ts[i] = crockford[millis&0x1f]
		millis >>= 5
	}
	b.Write(ts[:])

	// 10 random bytes yield exactly 16 base32 characters.
	entropy := []byte(uuid.NewRandom())[:10]
	var acc uint64
	bits := 0
	for _, by := range entropy {
		acc = acc<<8 | uint64(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			b.WriteByte(crockford[(acc>>uint(bits))&0x1f])
		}
	}

	return b.String()
}

// NewEventID generates an ID for an Event.
func NewEventID() string { return NewID(EventIDPrefix) }

// NewSubscriptionID generates an ID for a Subscription.
func NewSubscriptionID() string { return NewID(SubscriptionIDPrefix) }

// NewDeliveryID generates an ID for a Delivery.
func NewDeliveryID() string { return NewID(DeliveryIDPrefix) }

// NewAPIKeyID generates an ID for an APIKey.
func NewAPIKeyID() string { return NewID(APIKeyIDPrefix) }

// IsValidID reports whether the given string is a well-formed ID carrying the
// expected prefix.
func IsValidID(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	token := id[len(prefix):]
	if len(token) != 26 {
		return false
	}
	for _, r := range token {
		if !strings.ContainsRune(crockford, r) {
			return false
		}
	}
	return true
}
