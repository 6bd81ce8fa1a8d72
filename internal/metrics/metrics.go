// Package metrics exposes the Prometheus instrumentation of the relay
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	relayNamespace    = "relay"
	relaySubsystemApp = "app"
)

// RelayMetrics holds all of the metrics needed to instrument the relay
// server.
type RelayMetrics struct {
	EventsByStatusGauge        *prometheus.GaugeVec
	DeliveriesByStatusGauge    *prometheus.GaugeVec
	SubscriptionsByStatusGauge *prometheus.GaugeVec
	QueueDepthGauge            prometheus.Gauge
	DLQDepthGauge              prometheus.Gauge
	OldestPendingAgeGauge      prometheus.Gauge
}

// New creates a new Prometheus-based metrics object registered on the
// default registry.
func New() *RelayMetrics {
	return &RelayMetrics{
		EventsByStatusGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: relayNamespace,
				Subsystem: relaySubsystemApp,
				Name:      "events_by_status",
				Help:      "The number of events per lifecycle status",
			},
			[]string{"status"},
		),

		DeliveriesByStatusGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: relayNamespace,
				Subsystem: relaySubsystemApp,
				Name:      "deliveries_by_status",
				Help:      "The number of webhook deliveries per status",
			},
			[]string{"status"},
		),

		SubscriptionsByStatusGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: relayNamespace,
				Subsystem: relaySubsystemApp,
				Name:      "subscriptions_by_status",
				Help:      "The number of subscriptions per administrative status",
			},
			[]string{"status"},
		),

		QueueDepthGauge: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: relayNamespace,
				Subsystem: relaySubsystemApp,
				Name:      "queue_depth",
				Help:      "The number of events waiting on the processing queue",
			},
		),

		DLQDepthGauge: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: relayNamespace,
				Subsystem: relaySubsystemApp,
				Name:      "dlq_depth",
				Help:      "The number of entries on the dead-letter list",
			},
		),

		OldestPendingAgeGauge: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: relayNamespace,
				Subsystem: relaySubsystemApp,
				Name:      "oldest_pending_age_seconds",
				Help:      "The age of the oldest pending event",
			},
		),
	}
}
