package events

import (
	"github.com/relaycore/relay/model"
)

// MatchSubscriptions returns the subscriptions that should receive the event.
// Only active, healthy subscriptions with accepting filters qualify.
func MatchSubscriptions(event *model.Event, subscriptions []*model.Subscription) []*model.Subscription {
	matched := make([]*model.Subscription, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		if !subscription.IsActive() || !subscription.IsHealthy {
			continue
		}
		if !subscription.Accepts(event.EventType, event.Source) {
			continue
		}
		matched = append(matched, subscription)
	}

	return matched
}
