package faststore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/relay/internal/testlib"
)

// MakeTestStore creates a Store backed by an in-process miniredis instance.
func MakeTestStore(tb testing.TB) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(tb)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewFromClient(client, testlib.MakeLogger(tb))
	tb.Cleanup(func() {
		_ = store.Close()
	})

	return store, mr
}
