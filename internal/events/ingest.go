package events

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/model"
)

// ingestionStore is the durable storage used during event admission.
type ingestionStore interface {
	CreateEvent(event *model.Event) error
	GetEvent(id string) (*model.Event, error)
	GetEventByIdempotencyKey(key string) (*model.Event, error)
	GetEvents(filter *model.EventFilter) ([]*model.Event, error)
	ResetEventForReplay(id string) error
}

// ingestionFastStore is the cache-layer surface used during event admission.
type ingestionFastStore interface {
	ReserveIdempotencyKey(ctx context.Context, key, eventID string) (bool, string, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	EnqueueEvent(ctx context.Context, message *model.QueueMessage) error
	PublishEnvelope(ctx context.Context, envelope *model.EventEnvelope) error
}

// processorPoker requests a prompt run of the event processor.
type processorPoker interface {
	Do() error
}

// Ingestor admits events into the pipeline: it reserves idempotency keys,
// persists events, enqueues them for processing and publishes them to the
// live stream.
type Ingestor struct {
	store     ingestionStore
	fastStore ingestionFastStore
	poker     processorPoker
	logger    log.FieldLogger
}

// NewIngestor creates a new Ingestor. The poker may be nil when no processor
// is attached, such as in read-only tooling.
func NewIngestor(store ingestionStore, fastStore ingestionFastStore, poker processorPoker, logger log.FieldLogger) *Ingestor {
	return &Ingestor{
		store:     store,
		fastStore: fastStore,
		poker:     poker,
		logger:    logger,
	}
}

// PublishEvent admits a single validated event. It returns a
// *model.IdempotencyConflictError when the idempotency key was already used.
func (i *Ingestor) PublishEvent(ctx context.Context, request *model.PublishEventRequest, credentialID string) (*model.Event, error) {
	event := request.ToEvent(credentialID)

	reservedKey := false
	if event.IdempotencyKey != "" {
		reserved, existingEventID, err := i.fastStore.ReserveIdempotencyKey(ctx, event.IdempotencyKey, event.ID)
		if err != nil {
			// The durable store still enforces uniqueness, so a cache
			// failure only degrades the fast path.
			i.logger.WithError(err).Warn("failed to reserve idempotency key in cache")
		} else if !reserved {
			return nil, i.idempotencyConflict(event.IdempotencyKey, existingEventID)
		} else {
			reservedKey = true
		}
	}

	err := i.store.CreateEvent(event)
	if err != nil {
		if reservedKey {
			if releaseErr := i.fastStore.ReleaseIdempotencyKey(ctx, event.IdempotencyKey); releaseErr != nil {
				i.logger.WithError(releaseErr).Warn("failed to release idempotency key reservation")
			}
		}
		if err == store.ErrIdempotencyConflict {
			return nil, i.idempotencyConflict(event.IdempotencyKey, "")
		}
		return nil, errors.Wrap(err, "failed to persist event")
	}

	i.enqueueForProcessing(ctx, event)

	envelope := event.ToEnvelope()
	if err = i.fastStore.PublishEnvelope(ctx, &envelope); err != nil {
		i.logger.WithError(err).WithField("event", event.ID).Warn("failed to publish event to stream")
	}

	return event, nil
}

// PublishBatch admits up to model.MaxBatchItems events, validating and
// admitting each item independently. With FailFast set, items after the
// first failure are skipped.
func (i *Ingestor) PublishBatch(ctx context.Context, request *model.BatchPublishRequest, credentialID string) (*model.BatchPublishResponse, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}

	response := &model.BatchPublishResponse{
		Results: make([]model.BatchPublishItemResult, 0, len(request.Events)),
	}

	failed := false
	for index := range request.Events {
		item := &request.Events[index]
		result := model.BatchPublishItemResult{
			Index:       index,
			ReferenceID: item.ReferenceID,
		}

		if request.FailFast && failed {
			result.ErrorCode = model.ErrorCodeSkipped
			result.ErrorDetail = "skipped after earlier failure"
			response.Failed++
			response.Results = append(response.Results, result)
			continue
		}

		if errorCode, errorDetail := validateBatchItem(item); errorCode != "" {
			result.ErrorCode = errorCode
			result.ErrorDetail = errorDetail
			failed = true
			response.Failed++
			response.Results = append(response.Results, result)
			continue
		}

		event, err := i.PublishEvent(ctx, &item.PublishEventRequest, credentialID)
		if err != nil {
			if conflict, ok := err.(*model.IdempotencyConflictError); ok {
				result.ErrorCode = model.ErrorCodeDuplicateIdempotencyKey
				result.ErrorDetail = conflict.Error()
			} else {
				i.logger.WithError(err).WithField("index", index).Error("failed to admit batch item")
				result.ErrorCode = model.ErrorCodeInternal
				result.ErrorDetail = "failed to admit event"
			}
			failed = true
			response.Failed++
			response.Results = append(response.Results, result)
			continue
		}

		result.Success = true
		result.Event = event
		response.Succeeded++
		response.Results = append(response.Results, result)
	}

	return response, nil
}

// GetEvent fetches a single event by id, returning nil when not found.
func (i *Ingestor) GetEvent(id string) (*model.Event, error) {
	return i.store.GetEvent(id)
}

// ListEvents returns a cursor-paginated page of events, newest first.
func (i *Ingestor) ListEvents(filter *model.EventFilter) (*model.ListEventsPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = model.DefaultListLimit
	}
	if limit > model.MaxListLimit {
		limit = model.MaxListLimit
	}

	pageFilter := *filter
	pageFilter.Limit = limit

	events, err := i.store.GetEvents(&pageFilter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}

	// A full page may have more behind it; a short page never does.
	page := &model.ListEventsPage{Events: events}
	if len(events) == limit {
		page.NextCursor = model.EncodeCursor(events[len(events)-1].ID)
	}

	return page, nil
}

// ReplayEvent resets a terminal event to pending and enqueues it for another
// pass through the pipeline. Replayed deliveries start with fresh attempt
// counters.
func (i *Ingestor) ReplayEvent(ctx context.Context, id string) (*model.Event, error) {
	event, err := i.store.GetEvent(id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event for replay")
	}
	if event == nil {
		return nil, nil
	}

	if err = i.store.ResetEventForReplay(id); err != nil {
		return nil, err
	}

	event, err = i.store.GetEvent(id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to refetch replayed event")
	}

	i.enqueueForProcessing(ctx, event)

	return event, nil
}

// enqueueForProcessing pushes the event onto the processing queue and pokes
// the processor. Both are best effort; the processor's periodic poll against
// the durable store will pick up anything missed.
func (i *Ingestor) enqueueForProcessing(ctx context.Context, event *model.Event) {
	message := &model.QueueMessage{
		EventID:    event.ID,
		EventType:  event.EventType,
		Source:     event.Source,
		CreateAt:   event.CreateAt,
		EnqueuedAt: model.GetMillis(),
	}
	if err := i.fastStore.EnqueueEvent(ctx, message); err != nil {
		i.logger.WithError(err).WithField("event", event.ID).Warn("failed to enqueue event for processing")
	}

	if i.poker != nil {
		_ = i.poker.Do()
	}
}

// idempotencyConflict builds the conflict error, resolving the owning event
// from the durable store when the cache could not name it.
func (i *Ingestor) idempotencyConflict(key, existingEventID string) error {
	if existingEventID == "" {
		existing, err := i.store.GetEventByIdempotencyKey(key)
		if err != nil {
			i.logger.WithError(err).Warn("failed to resolve idempotency conflict owner")
		} else if existing != nil {
			existingEventID = existing.ID
		}
	}

	return &model.IdempotencyConflictError{
		IdempotencyKey:  key,
		ExistingEventID: existingEventID,
	}
}

func validateBatchItem(item *model.BatchPublishItem) (model.ErrorCode, string) {
	if len(item.Data) > model.MaxPayloadBytes {
		return model.ErrorCodePayloadTooLarge, "serialized payload exceeds 1 MiB"
	}
	if fieldErrors := item.Validate(); fieldErrors != nil {
		for field, message := range fieldErrors {
			return model.ErrorCodeValidation, field + ": " + message
		}
	}
	return "", ""
}
