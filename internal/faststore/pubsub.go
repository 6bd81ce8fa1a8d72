package faststore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/relay/model"
)

// PublishEnvelope broadcasts the envelope on the realtime channel. Delivery is
// fire-and-forget; only currently connected stream consumers receive it.
func (s *Store) PublishEnvelope(ctx context.Context, envelope *model.EventEnvelope) error {
	data, err := envelope.ToJSON()
	if err != nil {
		return err
	}

	err = s.client.Publish(ctx, streamChannel, data).Err()
	if err != nil {
		return errors.Wrap(err, "failed to publish envelope")
	}

	return nil
}

// SubscribeEnvelopes subscribes to the realtime channel. The caller owns the
// returned PubSub and must close it.
func (s *Store) SubscribeEnvelopes(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, streamChannel)
}
