package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/relay/model"
)

const (
	// processorBatchSize bounds how many pending events one pass claims.
	processorBatchSize = 50

	// queueDrainLimit bounds how many queue triggers one pass consumes.
	queueDrainLimit = 500
)

// processorStore is the durable storage used while fanning events out.
type processorStore interface {
	ClaimPendingEvents(instanceID string, limit int) ([]*model.Event, error)
	UnlockEvents(ids []string, instanceID string, force bool) (bool, error)
	GetActiveSubscriptions() ([]*model.Subscription, error)
	CreateDeliveries(event *model.Event, subscriptions []*model.Subscription) ([]*model.Delivery, error)
	UpdateEventStatus(event *model.Event) error
}

// processorFastStore is the queue surface consumed by the processor.
type processorFastStore interface {
	DequeueEvent(ctx context.Context, wait time.Duration) (*model.QueueMessage, error)
}

// deliveryPoker requests a prompt run of the delivery workers.
type deliveryPoker interface {
	Do() error
}

// Processor claims pending events, matches them against active subscriptions
// and schedules one delivery per match. Events with no matching subscription
// complete immediately as delivered.
type Processor struct {
	store      processorStore
	fastStore  processorFastStore
	poker      deliveryPoker
	instanceID string
	logger     log.FieldLogger
}

// NewProcessor creates a new Processor. The poker may be nil when no delivery
// workers are attached.
func NewProcessor(store processorStore, fastStore processorFastStore, poker deliveryPoker, instanceID string, logger log.FieldLogger) *Processor {
	return &Processor{
		store:      store,
		fastStore:  fastStore,
		poker:      poker,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Do processes all currently pending events. It implements supervisor.Doer.
func (p *Processor) Do() error {
	p.drainQueue()

	scheduled := 0
	for {
		events, err := p.store.ClaimPendingEvents(p.instanceID, processorBatchSize)
		if err != nil {
			return errors.Wrap(err, "failed to claim pending events")
		}
		if len(events) == 0 {
			break
		}

		subscriptions, err := p.store.GetActiveSubscriptions()
		if err != nil {
			p.unlockEvents(events)
			return errors.Wrap(err, "failed to get active subscriptions")
		}

		for _, event := range events {
			if err = p.processEvent(event, subscriptions); err != nil {
				p.logger.WithError(err).WithField("event", event.ID).Error("failed to process event")
				p.failEvent(event, err)
				continue
			}
			scheduled++
		}

		p.unlockEvents(events)
	}

	if scheduled > 0 {
		p.logger.WithField("events", scheduled).Debug("processed pending events")
		if p.poker != nil {
			_ = p.poker.Do()
		}
	}

	return nil
}

// Shutdown implements supervisor.Doer.
func (p *Processor) Shutdown() {
	p.logger.Debug("shutting down event processor")
}

// processEvent fans one event out to its matching subscriptions.
func (p *Processor) processEvent(event *model.Event, subscriptions []*model.Subscription) error {
	matched := MatchSubscriptions(event, subscriptions)

	event.ProcessedAt = model.GetMillis()
	if len(matched) == 0 {
		event.Status = model.EventStatusDelivered
		if err := p.store.UpdateEventStatus(event); err != nil {
			return errors.Wrap(err, "failed to complete unmatched event")
		}
		return nil
	}

	event.Status = model.EventStatusProcessing
	event.DeliveryAttempts = len(matched)
	if _, err := p.store.CreateDeliveries(event, matched); err != nil {
		return errors.Wrap(err, "failed to create deliveries")
	}

	return nil
}

// failEvent marks an event whose fan-out could not be scheduled as failed.
// These failures are not retried automatically; replay is the recovery path.
func (p *Processor) failEvent(event *model.Event, cause error) {
	event.Status = model.EventStatusFailed
	event.LastError = cause.Error()
	if event.ProcessedAt == 0 {
		event.ProcessedAt = model.GetMillis()
	}
	if err := p.store.UpdateEventStatus(event); err != nil {
		p.logger.WithError(err).WithField("event", event.ID).Error("failed to mark event failed")
	}
}

// drainQueue consumes accumulated queue triggers. The queue only signals that
// work exists; the durable claim above is what selects the events.
func (p *Processor) drainQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < queueDrainLimit; i++ {
		message, err := p.fastStore.DequeueEvent(ctx, 0)
		if err != nil {
			p.logger.WithError(err).Warn("failed to drain event queue")
			return
		}
		if message == nil {
			return
		}
	}
}

func (p *Processor) unlockEvents(events []*model.Event) {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}

	if _, err := p.store.UnlockEvents(ids, p.instanceID, false); err != nil {
		p.logger.WithError(err).Error("failed to unlock events")
	}
}
