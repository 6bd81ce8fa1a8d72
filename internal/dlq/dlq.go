// Package dlq implements the dead-letter queue service over the fast store's
// DLQ list: listing, retrying, dismissing and purging entries of events that
// exhausted their delivery budget.
package dlq

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/relay/model"
)

type dlqStore interface {
	ResetEventForReplay(id string) error
	UpdateEventStatus(event *model.Event) error
	GetEvent(id string) (*model.Event, error)
}

type dlqFastStore interface {
	GetDLQEntries(ctx context.Context) ([]*model.DLQEntry, error)
	RemoveDLQEntry(ctx context.Context, entry *model.DLQEntry) (bool, error)
	PurgeDLQ(ctx context.Context) (int64, error)
	EnqueueEvent(ctx context.Context, message *model.QueueMessage) error
	DLQDepth(ctx context.Context) (int64, error)
}

// ListFilter filters and pages the dead-letter list.
type ListFilter struct {
	EventType string
	Source    string
	Limit     int
	Offset    int
}

// Service operates on the dead-letter list.
type Service struct {
	store     dlqStore
	fastStore dlqFastStore
	logger    log.FieldLogger
}

// NewService creates a new dead-letter Service.
func NewService(store dlqStore, fastStore dlqFastStore, logger log.FieldLogger) *Service {
	return &Service{
		store:     store,
		fastStore: fastStore,
		logger:    logger,
	}
}

// List returns the filtered slice of the dead-letter list together with the
// filtered total.
func (s *Service) List(ctx context.Context, filter *ListFilter) (*model.DLQPage, error) {
	entries, err := s.fastStore.GetDLQEntries(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dead-letter list")
	}

	filtered := make([]*model.DLQEntry, 0, len(entries))
	for _, entry := range entries {
		if filter.EventType != "" && entry.EventType != filter.EventType {
			continue
		}
		if filter.Source != "" && entry.Source != filter.Source {
			continue
		}
		filtered = append(filtered, entry)
	}

	page := &model.DLQPage{Total: len(filtered)}

	offset := filter.Offset
	if offset > len(filtered) {
		offset = len(filtered)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = model.DefaultListLimit
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	page.Entries = filtered[offset:end]

	return page, nil
}

// Get returns the entry of the given event, or nil when absent.
func (s *Service) Get(ctx context.Context, eventID string) (*model.DLQEntry, error) {
	entries, err := s.fastStore.GetDLQEntries(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dead-letter list")
	}

	for _, entry := range entries {
		if entry.EventID == eventID {
			return entry, nil
		}
	}

	return nil, nil
}

// Retry removes the entry and requeues its event for another pass through
// the pipeline. Returns false when the entry is absent, including when a
// concurrent retry or dismiss won the removal race.
func (s *Service) Retry(ctx context.Context, eventID string) (bool, error) {
	entry, err := s.Get(ctx, eventID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	// Single-shot removal of the exact serialized bytes; a concurrent
	// loser sees the entry already gone.
	removed, err := s.fastStore.RemoveDLQEntry(ctx, entry)
	if err != nil {
		return false, errors.Wrap(err, "failed to remove dead-letter entry")
	}
	if !removed {
		return false, nil
	}

	if err = s.store.ResetEventForReplay(eventID); err != nil {
		s.logger.WithError(err).WithField("event", eventID).Warn("failed to reset event for dead-letter retry")
	}

	entry.RetryCount++
	entry.RetriedAt = model.GetMillis()
	if err = s.fastStore.EnqueueEvent(ctx, &model.QueueMessage{
		EventID:    entry.EventID,
		EventType:  entry.EventType,
		Source:     entry.Source,
		CreateAt:   entry.CreateAt,
		EnqueuedAt: model.GetMillis(),
	}); err != nil {
		return false, errors.Wrap(err, "failed to requeue dead-letter event")
	}

	return true, nil
}

// Dismiss removes the entry without requeueing, leaving the event failed.
func (s *Service) Dismiss(ctx context.Context, eventID string) (bool, error) {
	entry, err := s.Get(ctx, eventID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	removed, err := s.fastStore.RemoveDLQEntry(ctx, entry)
	if err != nil {
		return false, errors.Wrap(err, "failed to remove dead-letter entry")
	}
	if !removed {
		return false, nil
	}

	event, err := s.store.GetEvent(eventID)
	if err != nil {
		s.logger.WithError(err).WithField("event", eventID).Warn("failed to get dismissed event")
	} else if event != nil && event.Status != model.EventStatusFailed {
		event.Status = model.EventStatusFailed
		if err = s.store.UpdateEventStatus(event); err != nil {
			s.logger.WithError(err).WithField("event", eventID).Warn("failed to mark dismissed event failed")
		}
	}

	return true, nil
}

// RetryBatch retries each named event independently.
func (s *Service) RetryBatch(ctx context.Context, eventIDs []string) *model.DLQBatchResponse {
	return s.batch(ctx, eventIDs, s.Retry)
}

// DismissBatch dismisses each named event independently.
func (s *Service) DismissBatch(ctx context.Context, eventIDs []string) *model.DLQBatchResponse {
	return s.batch(ctx, eventIDs, s.Dismiss)
}

func (s *Service) batch(ctx context.Context, eventIDs []string, op func(context.Context, string) (bool, error)) *model.DLQBatchResponse {
	response := &model.DLQBatchResponse{
		Results: make([]model.DLQBatchResult, 0, len(eventIDs)),
	}

	for _, eventID := range eventIDs {
		result := model.DLQBatchResult{EventID: eventID}
		ok, err := op(ctx, eventID)
		switch {
		case err != nil:
			s.logger.WithError(err).WithField("event", eventID).Error("dead-letter batch operation failed")
			result.Error = "operation failed"
		case !ok:
			result.Error = "event not found in dead-letter queue"
		default:
			result.Success = true
		}
		response.Results = append(response.Results, result)
	}

	return response
}

// Purge drops the entire dead-letter list and returns the number of entries
// removed. Confirmation is enforced at the HTTP layer.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	dropped, err := s.fastStore.PurgeDLQ(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge dead-letter list")
	}

	return dropped, nil
}

// Stats summarizes the dead-letter list.
func (s *Service) Stats(ctx context.Context) (*model.DLQStats, error) {
	entries, err := s.fastStore.GetDLQEntries(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dead-letter list")
	}

	stats := &model.DLQStats{
		Total:             len(entries),
		CountsByEventType: make(map[string]int64),
		CountsBySource:    make(map[string]int64),
	}
	for _, entry := range entries {
		stats.CountsByEventType[entry.EventType]++
		stats.CountsBySource[entry.Source]++
		if stats.OldestEnqueuedAt == 0 || entry.DLQEnteredAt < stats.OldestEnqueuedAt {
			stats.OldestEnqueuedAt = entry.DLQEnteredAt
		}
		if entry.DLQEnteredAt > stats.NewestEnqueuedAt {
			stats.NewestEnqueuedAt = entry.DLQEnteredAt
		}
	}

	return stats, nil
}
