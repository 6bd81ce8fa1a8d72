package metrics

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/relay/model"
)

type collectorStore interface {
	GetEventCountsByStatus() (map[model.EventStatus]int64, error)
	GetDeliveryCountsByStatus() (map[model.DeliveryStatus]int64, error)
	GetSubscriptionCountsByStatus() (map[model.SubscriptionStatus]int64, error)
	GetOldestPendingEventAt() (int64, error)
}

type collectorFastStore interface {
	QueueDepth(ctx context.Context) (int64, error)
	DLQDepth(ctx context.Context) (int64, error)
}

// Collector periodically refreshes the aggregate gauges from the stores. It
// implements supervisor.Doer.
type Collector struct {
	metrics   *RelayMetrics
	store     collectorStore
	fastStore collectorFastStore
	logger    log.FieldLogger
}

// NewCollector creates a new metrics Collector.
func NewCollector(metrics *RelayMetrics, store collectorStore, fastStore collectorFastStore, logger log.FieldLogger) *Collector {
	return &Collector{
		metrics:   metrics,
		store:     store,
		fastStore: fastStore,
		logger:    logger,
	}
}

// Do refreshes every aggregate gauge.
func (c *Collector) Do() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eventCounts, err := c.store.GetEventCountsByStatus()
	if err != nil {
		return errors.Wrap(err, "failed to count events by status")
	}
	c.metrics.EventsByStatusGauge.Reset()
	for status, count := range eventCounts {
		c.metrics.EventsByStatusGauge.WithLabelValues(string(status)).Set(float64(count))
	}

	deliveryCounts, err := c.store.GetDeliveryCountsByStatus()
	if err != nil {
		return errors.Wrap(err, "failed to count deliveries by status")
	}
	c.metrics.DeliveriesByStatusGauge.Reset()
	for status, count := range deliveryCounts {
		c.metrics.DeliveriesByStatusGauge.WithLabelValues(string(status)).Set(float64(count))
	}

	subscriptionCounts, err := c.store.GetSubscriptionCountsByStatus()
	if err != nil {
		return errors.Wrap(err, "failed to count subscriptions by status")
	}
	c.metrics.SubscriptionsByStatusGauge.Reset()
	for status, count := range subscriptionCounts {
		c.metrics.SubscriptionsByStatusGauge.WithLabelValues(string(status)).Set(float64(count))
	}

	oldestPendingAt, err := c.store.GetOldestPendingEventAt()
	if err != nil {
		return errors.Wrap(err, "failed to find oldest pending event")
	}
	if oldestPendingAt > 0 {
		c.metrics.OldestPendingAgeGauge.Set(float64(model.GetMillis()-oldestPendingAt) / 1000)
	} else {
		c.metrics.OldestPendingAgeGauge.Set(0)
	}

	queueDepth, err := c.fastStore.QueueDepth(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read queue depth")
	}
	c.metrics.QueueDepthGauge.Set(float64(queueDepth))

	dlqDepth, err := c.fastStore.DLQDepth(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read dead-letter depth")
	}
	c.metrics.DLQDepthGauge.Set(float64(dlqDepth))

	return nil
}

// Shutdown implements supervisor.Doer.
func (c *Collector) Shutdown() {
	c.logger.Debug("shutting down metrics collector")
}
