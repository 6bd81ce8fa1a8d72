package events

import (
	"github.com/relaycore/relay/model"
)

// NextRetryDelaySeconds computes the backoff before the given attempt is
// retried. The attempt count is 1-based and counts attempts already made.
// The result is capped at the subscription's maximum delay.
func NextRetryDelaySeconds(subscription *model.Subscription, attemptCount int) int {
	base := subscription.RetryDelaySeconds
	if base <= 0 {
		base = model.DefaultRetryDelaySeconds
	}
	max := subscription.RetryMaxDelaySeconds
	if max <= 0 {
		max = model.DefaultRetryMaxDelaySeconds
	}
	if attemptCount < 1 {
		attemptCount = 1
	}

	var delay int
	switch subscription.RetryStrategy {
	case model.RetryStrategyFixed:
		delay = base
	case model.RetryStrategyLinear:
		delay = base * attemptCount
	default:
		// Exponential doubling: base, 2*base, 4*base, ...
		delay = base
		for i := 1; i < attemptCount; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
	}

	if delay > max {
		return max
	}
	return delay
}
