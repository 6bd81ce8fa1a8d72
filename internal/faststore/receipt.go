package faststore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/relay/model"
)

// Receipt records an in-flight inbox lease.
type Receipt struct {
	EventID           string `json:"event_id"`
	ConsumerID        string `json:"consumer_id"`
	LeasedAt          int64  `json:"leased_at"`
	VisibilityTimeout int    `json:"visibility_timeout"`
	DeliveryCount     int    `json:"delivery_count"`
}

// StoreReceipt records the lease under its handle. The TTL extends past the
// visibility deadline by a grace period so late acks can be distinguished
// from unknown handles.
func (s *Store) StoreReceipt(ctx context.Context, handle string, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return errors.Wrap(err, "failed to marshal receipt")
	}

	ttl := time.Duration(receipt.VisibilityTimeout+model.ReceiptHandleGraceSecs) * time.Second
	err = s.client.Set(ctx, receiptKey+handle, data, ttl).Err()
	if err != nil {
		return errors.Wrap(err, "failed to store receipt")
	}

	return nil
}

// GetReceipt fetches the lease recorded under the handle, or nil when the
// handle is unknown or fully expired.
func (s *Store) GetReceipt(ctx context.Context, handle string) (*Receipt, error) {
	data, err := s.client.Get(ctx, receiptKey+handle).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get receipt")
	}

	var receipt Receipt
	if err := json.Unmarshal([]byte(data), &receipt); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal receipt")
	}

	return &receipt, nil
}

// DeleteReceipt removes the lease, acknowledging the message. Returns false
// when the handle was not present.
func (s *Store) DeleteReceipt(ctx context.Context, handle string) (bool, error) {
	removed, err := s.client.Del(ctx, receiptKey+handle).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to delete receipt")
	}

	return removed > 0, nil
}

// LeaseEvent hides an event from other pull consumers for the visibility
// window. Unlike the receipt, the lease expires exactly at the deadline.
func (s *Store) LeaseEvent(ctx context.Context, eventID string, visibilityTimeout int) error {
	ttl := time.Duration(visibilityTimeout) * time.Second
	err := s.client.Set(ctx, leaseKey+eventID, "1", ttl).Err()
	if err != nil {
		return errors.Wrap(err, "failed to lease event")
	}

	return nil
}

// ReleaseEventLease makes the event visible to pull consumers again.
func (s *Store) ReleaseEventLease(ctx context.Context, eventID string) error {
	err := s.client.Del(ctx, leaseKey+eventID).Err()
	if err != nil {
		return errors.Wrap(err, "failed to release event lease")
	}

	return nil
}

// FilterLeasedEvents returns the subset of the given event IDs that currently
// hold an active lease.
func (s *Store) FilterLeasedEvents(ctx context.Context, eventIDs []string) (map[string]bool, error) {
	leased := make(map[string]bool, len(eventIDs))
	if len(eventIDs) == 0 {
		return leased, nil
	}

	pipe := s.client.Pipeline()
	commands := make([]*redis.IntCmd, len(eventIDs))
	for i, eventID := range eventIDs {
		commands[i] = pipe.Exists(ctx, leaseKey+eventID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to check event leases")
	}

	for i, eventID := range eventIDs {
		if commands[i].Val() > 0 {
			leased[eventID] = true
		}
	}

	return leased, nil
}

// ExtendReceipt replaces the visibility deadline of the lease.
func (s *Store) ExtendReceipt(ctx context.Context, handle string, visibilityTimeout int) (bool, error) {
	receipt, err := s.GetReceipt(ctx, handle)
	if err != nil {
		return false, err
	}
	if receipt == nil {
		return false, nil
	}

	receipt.VisibilityTimeout = visibilityTimeout
	receipt.LeasedAt = model.GetMillis()

	err = s.StoreReceipt(ctx, handle, receipt)
	if err != nil {
		return false, err
	}

	return true, nil
}
