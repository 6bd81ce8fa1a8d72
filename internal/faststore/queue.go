package faststore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/relay/model"
)

// EnqueueEvent pushes the admission message onto the pending queue.
func (s *Store) EnqueueEvent(ctx context.Context, message *model.QueueMessage) error {
	data, err := message.ToJSON()
	if err != nil {
		return err
	}

	err = s.client.LPush(ctx, eventQueueKey, data).Err()
	if err != nil {
		return errors.Wrap(err, "failed to enqueue event")
	}

	return nil
}

// DequeueEvent pops the oldest queued message, blocking up to wait. Returns
// nil when the queue stays empty.
func (s *Store) DequeueEvent(ctx context.Context, wait time.Duration) (*model.QueueMessage, error) {
	var data string
	var err error

	if wait > 0 {
		var values []string
		values, err = s.client.BRPop(ctx, wait, eventQueueKey).Result()
		if err == nil && len(values) == 2 {
			data = values[1]
		}
	} else {
		data, err = s.client.RPop(ctx, eventQueueKey).Result()
	}

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue event")
	}

	var message model.QueueMessage
	if err := json.Unmarshal([]byte(data), &message); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal queue message")
	}

	return &message, nil
}

// QueueDepth returns the number of queued admission messages.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := s.client.LLen(ctx, eventQueueKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to measure queue depth")
	}

	return depth, nil
}

// EnqueueDLQ pushes the entry onto the dead-letter list.
func (s *Store) EnqueueDLQ(ctx context.Context, entry *model.DLQEntry) error {
	data, err := entry.ToJSON()
	if err != nil {
		return err
	}

	err = s.client.LPush(ctx, dlqKey, data).Err()
	if err != nil {
		return errors.Wrap(err, "failed to enqueue dlq entry")
	}

	return nil
}

// GetDLQEntries returns every entry of the dead-letter list, newest first.
// Entries that fail to decode are skipped with a warning rather than failing
// the whole listing.
func (s *Store) GetDLQEntries(ctx context.Context) ([]*model.DLQEntry, error) {
	values, err := s.client.LRange(ctx, dlqKey, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dlq entries")
	}

	entries := make([]*model.DLQEntry, 0, len(values))
	for _, value := range values {
		entry, err := model.DLQEntryFromJSON([]byte(value))
		if err != nil {
			s.logger.WithError(err).Warn("Skipping malformed dlq entry")
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// RemoveDLQEntry removes the exact serialized entry from the dead-letter list.
// Returns false when the entry was no longer present, which signals a
// concurrent retry or dismiss won.
func (s *Store) RemoveDLQEntry(ctx context.Context, entry *model.DLQEntry) (bool, error) {
	data, err := entry.ToJSON()
	if err != nil {
		return false, err
	}

	removed, err := s.client.LRem(ctx, dlqKey, 1, data).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to remove dlq entry")
	}

	return removed > 0, nil
}

// PurgeDLQ deletes the entire dead-letter list, returning the number of
// entries dropped.
func (s *Store) PurgeDLQ(ctx context.Context) (int64, error) {
	depth, err := s.client.LLen(ctx, dlqKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to measure dlq depth")
	}

	err = s.client.Del(ctx, dlqKey).Err()
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge dlq")
	}

	return depth, nil
}

// DLQDepth returns the number of dead-letter entries.
func (s *Store) DLQDepth(ctx context.Context) (int64, error) {
	depth, err := s.client.LLen(ctx, dlqKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to measure dlq depth")
	}

	return depth, nil
}
