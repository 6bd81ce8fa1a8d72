// Package inbox implements the pull consumer surface: fetching pending
// events under a visibility timeout, acknowledging them via receipt handles
// and reporting queue statistics.
package inbox

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/model"
)

const (
	// receiptHandlePrefix marks tokens issued by Fetch.
	receiptHandlePrefix = "rcpt_"

	// fetchScanBatch bounds how many pending rows one scan iteration reads
	// while skipping leased events.
	fetchScanBatch = 200

	// pollInterval paces the wait loop of a long-polling fetch.
	pollInterval = 500 * time.Millisecond
)

type inboxStore interface {
	GetOldestPendingEvents(afterCreateAt int64, afterID string, limit int) ([]*model.Event, error)
	IncrementEventDeliveryAttempts(id string) error
	MarkEventConsumed(id string) error
	GetEventCountsByStatus() (map[model.EventStatus]int64, error)
	GetEventCountsByType() (map[string]int64, error)
	GetOldestPendingEventAt() (int64, error)
}

type inboxFastStore interface {
	StoreReceipt(ctx context.Context, handle string, receipt *faststore.Receipt) error
	GetReceipt(ctx context.Context, handle string) (*faststore.Receipt, error)
	DeleteReceipt(ctx context.Context, handle string) (bool, error)
	LeaseEvent(ctx context.Context, eventID string, visibilityTimeout int) error
	ReleaseEventLease(ctx context.Context, eventID string) error
	FilterLeasedEvents(ctx context.Context, eventIDs []string) (map[string]bool, error)
}

// FetchRequest carries the parameters of one inbox fetch.
type FetchRequest struct {
	Limit             int
	VisibilityTimeout int
	EventTypes        []string
	Sources           []string
	WaitSecs          int
	ConsumerID        string
}

// Service leases pending events to pull consumers. Visibility is enforced
// purely through the fast store; the event rows stay pending until acked.
type Service struct {
	store     inboxStore
	fastStore inboxFastStore
	logger    log.FieldLogger
}

// NewService creates a new inbox Service.
func NewService(store inboxStore, fastStore inboxFastStore, logger log.FieldLogger) *Service {
	return &Service{
		store:     store,
		fastStore: fastStore,
		logger:    logger,
	}
}

// NewReceiptHandle generates an opaque receipt handle.
func NewReceiptHandle() string {
	token := make([]byte, 16)
	_, _ = rand.Read(token)

	return receiptHandlePrefix + base64.RawURLEncoding.EncodeToString(token)
}

// Fetch leases up to Limit pending events, oldest first. With WaitSecs set
// it polls until at least one message is available or the wait elapses.
func (s *Service) Fetch(ctx context.Context, request *FetchRequest) ([]*model.InboxMessage, error) {
	limit := request.Limit
	if limit <= 0 {
		limit = 1
	}
	if limit > model.MaxInboxLimit {
		limit = model.MaxInboxLimit
	}

	visibility := request.VisibilityTimeout
	if visibility <= 0 {
		visibility = model.DefaultVisibilityTimeoutSecs
	}
	if visibility < model.MinVisibilityTimeoutSecs {
		visibility = model.MinVisibilityTimeoutSecs
	}
	if visibility > model.MaxVisibilityTimeoutSecs {
		visibility = model.MaxVisibilityTimeoutSecs
	}

	wait := request.WaitSecs
	if wait > model.MaxInboxWaitSecs {
		wait = model.MaxInboxWaitSecs
	}
	deadline := time.Now().Add(time.Duration(wait) * time.Second)

	for {
		messages, err := s.fetchOnce(ctx, request, limit, visibility)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 || !time.Now().Before(deadline) {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return messages, nil
		case <-time.After(pollInterval):
		}
	}
}

func (s *Service) fetchOnce(ctx context.Context, request *FetchRequest, limit, visibility int) ([]*model.InboxMessage, error) {
	messages := make([]*model.InboxMessage, 0, limit)

	afterCreateAt := int64(0)
	afterID := ""
	for len(messages) < limit {
		events, err := s.store.GetOldestPendingEvents(afterCreateAt, afterID, fetchScanBatch)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan pending events")
		}
		if len(events) == 0 {
			break
		}
		afterCreateAt = events[len(events)-1].CreateAt
		afterID = events[len(events)-1].ID

		candidates := make([]*model.Event, 0, len(events))
		candidateIDs := make([]string, 0, len(events))
		for _, event := range events {
			if !matchesFilters(event, request.EventTypes, request.Sources) {
				continue
			}
			candidates = append(candidates, event)
			candidateIDs = append(candidateIDs, event.ID)
		}
		if len(candidates) == 0 {
			continue
		}

		leased, err := s.fastStore.FilterLeasedEvents(ctx, candidateIDs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to check event leases")
		}

		for _, event := range candidates {
			if leased[event.ID] {
				continue
			}

			message, err := s.leaseEvent(ctx, event, visibility, request.ConsumerID)
			if err != nil {
				s.logger.WithError(err).WithField("event", event.ID).Error("failed to lease event")
				continue
			}
			messages = append(messages, message)
			if len(messages) == limit {
				break
			}
		}
	}

	return messages, nil
}

func (s *Service) leaseEvent(ctx context.Context, event *model.Event, visibility int, consumerID string) (*model.InboxMessage, error) {
	handle := NewReceiptHandle()
	deliveryCount := event.DeliveryAttempts + 1

	if err := s.fastStore.LeaseEvent(ctx, event.ID, visibility); err != nil {
		return nil, err
	}

	receipt := &faststore.Receipt{
		EventID:           event.ID,
		ConsumerID:        consumerID,
		LeasedAt:          model.GetMillis(),
		VisibilityTimeout: visibility,
		DeliveryCount:     deliveryCount,
	}
	if err := s.fastStore.StoreReceipt(ctx, handle, receipt); err != nil {
		if releaseErr := s.fastStore.ReleaseEventLease(ctx, event.ID); releaseErr != nil {
			s.logger.WithError(releaseErr).WithField("event", event.ID).Warn("failed to release orphaned lease")
		}
		return nil, err
	}

	if err := s.store.IncrementEventDeliveryAttempts(event.ID); err != nil {
		s.logger.WithError(err).WithField("event", event.ID).Warn("failed to increment delivery attempts")
	}

	return &model.InboxMessage{
		ID:                event.ID,
		EventType:         event.EventType,
		Source:            event.Source,
		Data:              event.Data,
		Metadata:          event.Metadata,
		CreateAt:          event.CreateAt,
		ReceiptHandle:     handle,
		VisibilityTimeout: visibility,
		DeliveryCount:     deliveryCount,
	}, nil
}

// Ack acknowledges a leased event, completing it as delivered. It returns
// false when the handle is unknown or its visibility deadline has passed.
func (s *Service) Ack(ctx context.Context, handle string) (bool, error) {
	receipt, err := s.fastStore.GetReceipt(ctx, handle)
	if err != nil {
		return false, errors.Wrap(err, "failed to look up receipt")
	}
	if receipt == nil {
		return false, nil
	}

	expiresAt := receipt.LeasedAt + int64(receipt.VisibilityTimeout)*1000
	if model.GetMillis() > expiresAt {
		// Expired handles are invalid even while the receipt record
		// lingers during the grace window.
		if _, err = s.fastStore.DeleteReceipt(ctx, handle); err != nil {
			s.logger.WithError(err).Warn("failed to delete expired receipt")
		}
		return false, nil
	}

	if err = s.store.MarkEventConsumed(receipt.EventID); err != nil {
		return false, errors.Wrap(err, "failed to complete acked event")
	}

	if _, err = s.fastStore.DeleteReceipt(ctx, handle); err != nil {
		s.logger.WithError(err).Warn("failed to delete receipt after ack")
	}
	if err = s.fastStore.ReleaseEventLease(ctx, receipt.EventID); err != nil {
		s.logger.WithError(err).Warn("failed to release lease after ack")
	}

	return true, nil
}

// BatchAck acknowledges up to 100 handles, collapsing duplicates and
// reporting a per-handle outcome.
func (s *Service) BatchAck(ctx context.Context, handles []string) *model.BatchAckResponse {
	response := &model.BatchAckResponse{
		Results: make([]model.BatchAckResult, 0, len(handles)),
	}

	seen := make(map[string]bool, len(handles))
	for _, handle := range handles {
		if seen[handle] {
			continue
		}
		seen[handle] = true

		result := model.BatchAckResult{ReceiptHandle: handle}
		acked, err := s.Ack(ctx, handle)
		switch {
		case err != nil:
			s.logger.WithError(err).Error("failed to ack receipt handle")
			result.Error = "failed to ack receipt handle"
		case !acked:
			result.Error = "receipt handle is unknown or expired"
		default:
			result.Success = true
		}
		response.Results = append(response.Results, result)
	}

	return response
}

// ChangeVisibility replaces the visibility deadline of a leased event with
// now + timeout. A timeout of zero makes the event immediately visible
// again. It returns the new deadline, or false when the handle is unknown
// or expired.
func (s *Service) ChangeVisibility(ctx context.Context, handle string, timeout int) (int64, bool, error) {
	if timeout < 0 || timeout > model.MaxVisibilityTimeoutSecs {
		return 0, false, errors.Errorf("visibility timeout must be between 0 and %d seconds", model.MaxVisibilityTimeoutSecs)
	}

	receipt, err := s.fastStore.GetReceipt(ctx, handle)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to look up receipt")
	}
	if receipt == nil {
		return 0, false, nil
	}

	now := model.GetMillis()
	if now > receipt.LeasedAt+int64(receipt.VisibilityTimeout)*1000 {
		return 0, false, nil
	}

	if timeout == 0 {
		if _, err = s.fastStore.DeleteReceipt(ctx, handle); err != nil {
			return 0, false, errors.Wrap(err, "failed to delete receipt")
		}
		if err = s.fastStore.ReleaseEventLease(ctx, receipt.EventID); err != nil {
			s.logger.WithError(err).Warn("failed to release lease")
		}
		return now, true, nil
	}

	receipt.LeasedAt = now
	receipt.VisibilityTimeout = timeout
	if err = s.fastStore.StoreReceipt(ctx, handle, receipt); err != nil {
		return 0, false, errors.Wrap(err, "failed to store updated receipt")
	}
	if err = s.fastStore.LeaseEvent(ctx, receipt.EventID, timeout); err != nil {
		s.logger.WithError(err).Warn("failed to refresh event lease")
	}

	return now + int64(timeout)*1000, true, nil
}

// Stats summarizes the pull queue.
func (s *Service) Stats() (*model.InboxStats, error) {
	countsByStatus, err := s.store.GetEventCountsByStatus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count events by status")
	}

	countsByType, err := s.store.GetEventCountsByType()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count events by type")
	}

	oldestPendingAt, err := s.store.GetOldestPendingEventAt()
	if err != nil {
		return nil, errors.Wrap(err, "failed to find oldest pending event")
	}

	return &model.InboxStats{
		CountsByStatus:    countsByStatus,
		CountsByEventType: countsByType,
		OldestPendingAt:   oldestPendingAt,
	}, nil
}

func matchesFilters(event *model.Event, eventTypes, sources []string) bool {
	if len(eventTypes) > 0 && !model.MatchesAnyPattern(eventTypes, event.EventType) {
		return false
	}
	if len(sources) > 0 && !containsString(sources, event.Source) {
		return false
	}
	return true
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
