package events

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaycore/relay/model"
)

const (
	contentTypeApplicationJSON = "application/json"

	headerSignature      = "X-Webhook-Signature"
	headerTimestamp      = "X-Webhook-Timestamp"
	headerSubscriptionID = "X-Webhook-ID"
	headerEventID        = "X-Webhook-Event-ID"
	headerEventType      = "X-Webhook-Event-Type"

	workerIdleDelay = 2 * time.Second

	// workerClaimBatch bounds how many due deliveries one worker claims at a
	// time, keeping claims small so concurrent instances share the backlog.
	workerClaimBatch = 10
)

type delivererStore interface {
	ClaimDueDeliveries(instanceID string, limit int) ([]*model.Delivery, error)
	MarkDeliveryInFlight(delivery *model.Delivery) error
	UpdateDelivery(delivery *model.Delivery, subscription *model.Subscription) error
	CancelPendingDeliveriesForSubscription(subscriptionID string) (int64, error)
	GetSubscription(id string) (*model.Subscription, error)
	GetEvent(id string) (*model.Event, error)
	GetDeliveryCountsForEvent(eventID string) (map[model.DeliveryStatus]int64, error)
	UpdateEventStatus(event *model.Event) error
}

type delivererFastStore interface {
	EnqueueDLQ(ctx context.Context, entry *model.DLQEntry) error
}

// EventDeliverer is responsible for delivering events to webhook receivers.
type EventDeliverer struct {
	ctx        context.Context
	store      delivererStore
	fastStore  delivererFastStore
	client     *http.Client
	instanceID string
	config     DelivererConfig
	logger     log.FieldLogger
}

// DelivererConfig is config of the EventDeliverer component.
type DelivererConfig struct {
	Workers         int
	MaxBurstWorkers int
}

// NewDeliverer creates a new EventDeliverer and starts its background
// workers. The workers stop when the given context is cancelled.
func NewDeliverer(ctx context.Context, store delivererStore, fastStore delivererFastStore, instanceID string, logger log.FieldLogger, cfg DelivererConfig) *EventDeliverer {
	deliverer := &EventDeliverer{
		ctx:        ctx,
		store:      store,
		fastStore:  fastStore,
		client:     &http.Client{},
		instanceID: instanceID,
		config:     cfg,
		logger:     logger.WithField("component", "eventDeliverer"),
	}

	for i := 0; i < deliverer.config.Workers; i++ {
		go deliverer.newWorker().Process(ctx)
	}

	return deliverer
}

type token struct{}

// Do attempts to drain the due delivery backlog with a burst of workers. It
// implements supervisor.Doer so the processor can poke it after fan-out.
func (d *EventDeliverer) Do() error {
	if d.config.MaxBurstWorkers == 0 {
		return nil
	}

	// Attempt at most MaxBurstWorkers concurrent claims until one of them
	// finds nothing left to process.
	semaphore := make(chan token, d.config.MaxBurstWorkers)
	done := make(chan struct{}, 1)
	wg := &sync.WaitGroup{}

loop:
	for {
		select {
		case <-d.ctx.Done():
			break loop
		case <-done:
			break loop
		default:
			semaphore <- token{}
		}

		wg.Add(1)
		go func() {
			defer func() {
				<-semaphore
				wg.Done()
			}()

			if !d.newWorker().ProcessOnce() {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}()
	}
	wg.Wait()

	return nil
}

// Shutdown implements supervisor.Doer.
func (d *EventDeliverer) Shutdown() {
	d.logger.Debug("shutting down event deliverer")
}

// sender is a helper struct for separation of logic.
// It uses the HTTP client of EventDeliverer.
type sender struct {
	store      delivererStore
	fastStore  delivererFastStore
	client     *http.Client
	instanceID string
	logger     log.FieldLogger
}

func (d *EventDeliverer) newWorker() *sender {
	return &sender{
		store:      d.store,
		fastStore:  d.fastStore,
		client:     d.client,
		instanceID: d.instanceID,
		logger:     d.logger.WithField("worker", model.NewID("")),
	}
}

// Process runs the worker loop until the context is cancelled.
func (s *sender) Process(ctx context.Context) {
	s.logger.Debug("worker is starting processing")

	processed := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
			// If last time we did not get deliveries to process, wait
			// before trying again.
			if !processed {
				time.Sleep(workerIdleDelay)
			}
			processed = s.ProcessOnce()
		}
	}
}

// ProcessOnce claims and processes one batch of due deliveries. It returns
// false when there was nothing to claim.
func (s *sender) ProcessOnce() bool {
	deliveries, err := s.store.ClaimDueDeliveries(s.instanceID, workerClaimBatch)
	if err != nil {
		s.logger.WithError(err).Error("failed to claim due deliveries")
		return false
	}
	if len(deliveries) == 0 {
		return false
	}

	for _, delivery := range deliveries {
		s.processDelivery(delivery)
	}

	return true
}

// processDelivery performs one attempt of the given claimed delivery and
// persists the outcome. The store releases the processing lock as part of
// the update.
func (s *sender) processDelivery(delivery *model.Delivery) {
	logger := s.logger.WithFields(log.Fields{
		"delivery":     delivery.ID,
		"event":        delivery.EventID,
		"subscription": delivery.SubscriptionID,
	})

	subscription, err := s.store.GetSubscription(delivery.SubscriptionID)
	if err != nil {
		logger.WithError(err).Error("failed to get subscription for delivery")
		s.releaseWithoutAttempt(delivery, logger)
		return
	}
	if subscription == nil || !subscription.IsActive() {
		s.cancelDelivery(delivery, logger)
		return
	}

	event, err := s.store.GetEvent(delivery.EventID)
	if err != nil || event == nil {
		if err != nil {
			logger.WithError(err).Error("failed to get event for delivery")
			s.releaseWithoutAttempt(delivery, logger)
			return
		}
		s.cancelDelivery(delivery, logger)
		return
	}

	if delivery.StartedAt == 0 {
		delivery.StartedAt = model.GetMillis()
	}
	if err = s.store.MarkDeliveryInFlight(delivery); err != nil {
		logger.WithError(err).Error("failed to mark delivery in flight")
		s.releaseWithoutAttempt(delivery, logger)
		return
	}

	outcome := s.sendEvent(event, subscription, delivery)

	delivery.AttemptCount++
	delivery.RecordAttempt(model.DeliveryAttempt{
		Attempt:        delivery.AttemptCount,
		Timestamp:      model.GetMillis(),
		StatusCode:     delivery.ResponseStatusCode,
		ResponseTimeMs: delivery.ResponseTimeMs,
		ErrorType:      outcome.errorType,
		ErrorMessage:   outcome.errorMessage,
	})

	// Subscription counters track delivery outcomes, not attempts: a
	// delivery that retries only touches the subscription once it either
	// delivers or exhausts.
	now := model.GetMillis()
	var subscriptionUpdate *model.Subscription
	var autoDisabled bool
	if outcome.succeeded {
		delivery.Status = model.DeliveryStatusDelivered
		delivery.CompletedAt = now
		delivery.ErrorType = ""
		delivery.ErrorMessage = ""
		recordSubscriptionSuccess(subscription, now)
		subscriptionUpdate = subscription
	} else {
		delivery.ErrorType = outcome.errorType
		delivery.ErrorMessage = outcome.errorMessage

		if delivery.AttemptCount >= delivery.MaxAttempts {
			delivery.Status = model.DeliveryStatusExhausted
			delivery.CompletedAt = now
			delivery.NextRetryAt = 0
			recordSubscriptionFailure(subscription, now, outcome.errorMessage)
			subscriptionUpdate = subscription

			autoDisabled = subscription.FailureThreshold > 0 &&
				subscription.ConsecutiveFailures >= subscription.FailureThreshold &&
				subscription.Status == model.SubscriptionStatusActive
			if autoDisabled {
				subscription.Status = model.SubscriptionStatusDisabled
				subscription.IsHealthy = false
				logger.WithField("consecutiveFailures", subscription.ConsecutiveFailures).
					Warn("disabling subscription after consecutive failures")
			}
		} else {
			delaySeconds := NextRetryDelaySeconds(subscription, delivery.AttemptCount)
			delivery.Status = model.DeliveryStatusRetrying
			delivery.RetryDelaySeconds = delaySeconds
			delivery.NextRetryAt = now + int64(delaySeconds)*1000
		}
	}

	if err = s.store.UpdateDelivery(delivery, subscriptionUpdate); err != nil {
		logger.WithError(err).Error("failed to update delivery after attempt")
		return
	}

	if autoDisabled {
		if _, err = s.store.CancelPendingDeliveriesForSubscription(subscription.ID); err != nil {
			logger.WithError(err).Error("failed to cancel deliveries of disabled subscription")
		}
	}

	if delivery.Status == model.DeliveryStatusExhausted {
		s.enqueueDLQ(event, delivery, logger)
	}

	if delivery.Status.IsTerminal() {
		s.updateEventOutcome(event, logger)
	}
}

type attemptOutcome struct {
	succeeded    bool
	errorType    model.DeliveryErrorType
	errorMessage string
}

// sendEvent posts the signed envelope to the subscription target and records
// the request and response snapshots on the delivery.
func (s *sender) sendEvent(event *model.Event, subscription *model.Subscription, delivery *model.Delivery) attemptOutcome {
	envelope := event.ToEnvelope()
	payload, err := envelope.ToJSON()
	if err != nil {
		return attemptOutcome{errorType: model.DeliveryErrorUnknown, errorMessage: err.Error()}
	}

	timestamp := model.GetMillis() / 1000
	signature := Sign(subscription.SigningSecret, timestamp, payload)

	timeout := time.Duration(subscription.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = model.DefaultTimeoutSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscription.URL, bytes.NewReader(payload))
	if err != nil {
		return attemptOutcome{errorType: model.DeliveryErrorUnknown, errorMessage: err.Error()}
	}
	req.Header.Set("Content-Type", contentTypeApplicationJSON)
	req.Header.Set("User-Agent", model.UserAgent())
	req.Header.Set(headerSignature, signature)
	req.Header.Set(headerTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(headerSubscriptionID, subscription.ID)
	req.Header.Set(headerEventID, event.ID)
	req.Header.Set(headerEventType, event.EventType)
	for key, value := range subscription.Headers {
		req.Header.Set(key, value)
	}

	delivery.RequestURL = subscription.URL
	delivery.RequestHeaders = model.RedactHeaders(flattenHeaders(req.Header))
	delivery.RequestBody = string(payload)
	delivery.Signature = signature

	start := time.Now()
	resp, err := s.client.Do(req)
	delivery.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		delivery.ResponseStatusCode = 0
		delivery.ResponseHeaders = nil
		delivery.ResponseBody = ""
		errorType := model.DeliveryErrorConnection
		if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
			errorType = model.DeliveryErrorTimeout
		}
		return attemptOutcome{errorType: errorType, errorMessage: err.Error()}
	}
	defer drainBody(resp.Body)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, model.MaxResponseBodyBytes+1))
	delivery.ResponseStatusCode = resp.StatusCode
	delivery.ResponseHeaders = flattenHeaders(resp.Header)
	delivery.ResponseBody = model.TruncateResponseBody(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return attemptOutcome{succeeded: true}
	}

	return attemptOutcome{
		errorType:    model.DeliveryErrorHTTP,
		errorMessage: "received status code " + strconv.Itoa(resp.StatusCode),
	}
}

// cancelDelivery terminates a delivery whose subscription or event no longer
// accepts it.
func (s *sender) cancelDelivery(delivery *model.Delivery, logger log.FieldLogger) {
	delivery.Status = model.DeliveryStatusCancelled
	delivery.CompletedAt = model.GetMillis()
	if err := s.store.UpdateDelivery(delivery, nil); err != nil {
		logger.WithError(err).Error("failed to cancel delivery")
	}
}

// releaseWithoutAttempt writes the delivery back unchanged so the lock is
// released and another pass can retry it.
func (s *sender) releaseWithoutAttempt(delivery *model.Delivery, logger log.FieldLogger) {
	if err := s.store.UpdateDelivery(delivery, nil); err != nil {
		logger.WithError(err).Error("failed to release delivery")
	}
}

// updateEventOutcome recomputes the aggregate event status once every
// delivery of the event is terminal.
func (s *sender) updateEventOutcome(event *model.Event, logger log.FieldLogger) {
	counts, err := s.store.GetDeliveryCountsForEvent(event.ID)
	if err != nil {
		logger.WithError(err).Error("failed to get delivery counts for event")
		return
	}

	pending := counts[model.DeliveryStatusPending] +
		counts[model.DeliveryStatusInFlight] +
		counts[model.DeliveryStatusRetrying] +
		counts[model.DeliveryStatusFailed]
	if pending > 0 {
		return
	}

	succeeded := counts[model.DeliveryStatusDelivered]
	failed := counts[model.DeliveryStatusExhausted] + counts[model.DeliveryStatusCancelled]

	switch {
	case failed == 0:
		event.Status = model.EventStatusDelivered
	case succeeded == 0:
		event.Status = model.EventStatusFailed
	default:
		event.Status = model.EventStatusPartiallyDelivered
	}
	event.SuccessfulDeliveries = int(succeeded)
	event.FailedDeliveries = int(failed)
	event.DeliveryAttempts = int(succeeded + failed)
	if event.ProcessedAt == 0 {
		event.ProcessedAt = model.GetMillis()
	}

	if err = s.store.UpdateEventStatus(event); err != nil {
		logger.WithError(err).Error("failed to update event status")
	}
}

// enqueueDLQ records the exhausted delivery on the dead-letter list.
func (s *sender) enqueueDLQ(event *model.Event, delivery *model.Delivery, logger log.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := model.GetMillis()
	entry := &model.DLQEntry{
		EventID:       event.ID,
		EventType:     event.EventType,
		Source:        event.Source,
		CreateAt:      event.CreateAt,
		EnqueuedAt:    now,
		DLQEnteredAt:  now,
		FailureReason: delivery.ErrorMessage,
		RetryCount:    delivery.AttemptCount,
	}
	if err := s.fastStore.EnqueueDLQ(ctx, entry); err != nil {
		logger.WithError(err).Error("failed to enqueue dead-letter entry")
	}
}

func recordSubscriptionSuccess(subscription *model.Subscription, now int64) {
	subscription.IsHealthy = true
	subscription.ConsecutiveFailures = 0
	subscription.LastSuccessAt = now
	subscription.TotalDeliveries++
	subscription.SuccessfulDeliveries++
}

func recordSubscriptionFailure(subscription *model.Subscription, now int64, reason string) {
	subscription.ConsecutiveFailures++
	subscription.LastFailureAt = now
	subscription.LastFailureReason = reason
	subscription.TotalDeliveries++
	subscription.FailedDeliveries++
}

func flattenHeaders(header http.Header) map[string]string {
	flattened := make(map[string]string, len(header))
	for key := range header {
		flattened[key] = header.Get(key)
	}
	return flattened
}

func drainBody(readCloser io.ReadCloser) {
	_, _ = io.ReadAll(readCloser)
	_ = readCloser.Close()
}
