package store

import (
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/relaycore/relay/model"
)

const subscriptionTable = "Subscription"

var subscriptionSelect = sq.
	Select("ID", "Name", "Description", "URL", "SigningSecret", "PreviousSigningSecret",
		"PreviousSecretValidUntil", "HeadersRaw", "EventTypesRaw", "EventSourcesRaw",
		"Status", "RetryStrategy", "MaxRetries", "RetryDelaySeconds", "RetryMaxDelaySeconds",
		"TimeoutSeconds", "IsHealthy", "ConsecutiveFailures", "FailureThreshold",
		"LastSuccessAt", "LastFailureAt", "LastFailureReason", "TotalDeliveries",
		"SuccessfulDeliveries", "FailedDeliveries", "CreateAt", "DeleteAt").
	From(subscriptionTable)

type rawSubscription struct {
	*model.Subscription
	HeadersRaw      []byte
	EventTypesRaw   []byte
	EventSourcesRaw []byte
}

type rawSubscriptions []*rawSubscription

func buildRawSubscription(subscription *model.Subscription) (*rawSubscription, error) {
	var headersRaw, eventTypesRaw, eventSourcesRaw []byte
	var err error

	if subscription.Headers != nil {
		headersRaw, err = json.Marshal(subscription.Headers)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal Headers")
		}
	}
	if subscription.EventTypes != nil {
		eventTypesRaw, err = json.Marshal(subscription.EventTypes)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal EventTypes")
		}
	}
	if subscription.EventSources != nil {
		eventSourcesRaw, err = json.Marshal(subscription.EventSources)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal EventSources")
		}
	}

	return &rawSubscription{
		Subscription:    subscription,
		HeadersRaw:      headersRaw,
		EventTypesRaw:   eventTypesRaw,
		EventSourcesRaw: eventSourcesRaw,
	}, nil
}

func (r *rawSubscription) toSubscription() (*model.Subscription, error) {
	if r.HeadersRaw != nil {
		err := json.Unmarshal(r.HeadersRaw, &r.Subscription.Headers)
		if err != nil {
			return nil, errors.Wrap(err, "unable to unmarshal Headers")
		}
	}
	if r.EventTypesRaw != nil {
		err := json.Unmarshal(r.EventTypesRaw, &r.Subscription.EventTypes)
		if err != nil {
			return nil, errors.Wrap(err, "unable to unmarshal EventTypes")
		}
	}
	if r.EventSourcesRaw != nil {
		err := json.Unmarshal(r.EventSourcesRaw, &r.Subscription.EventSources)
		if err != nil {
			return nil, errors.Wrap(err, "unable to unmarshal EventSources")
		}
	}

	return r.Subscription, nil
}

func (rs *rawSubscriptions) toSubscriptions() ([]*model.Subscription, error) {
	subscriptions := make([]*model.Subscription, 0, len(*rs))
	for _, raw := range *rs {
		subscription, err := raw.toSubscription()
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}

	return subscriptions, nil
}

// CreateSubscription records the given subscription, assigning it an ID and
// admission time.
func (sqlStore *SQLStore) CreateSubscription(subscription *model.Subscription) error {
	subscription.ID = model.NewSubscriptionID()
	subscription.CreateAt = model.GetMillis()

	raw, err := buildRawSubscription(subscription)
	if err != nil {
		return err
	}

	_, err = sqlStore.execBuilder(sqlStore.db, sq.
		Insert(subscriptionTable).
		SetMap(map[string]interface{}{
			"ID":                       subscription.ID,
			"Name":                     subscription.Name,
			"Description":              subscription.Description,
			"URL":                      subscription.URL,
			"SigningSecret":            subscription.SigningSecret,
			"PreviousSigningSecret":    subscription.PreviousSigningSecret,
			"PreviousSecretValidUntil": subscription.PreviousSecretValidUntil,
			"HeadersRaw":               raw.HeadersRaw,
			"EventTypesRaw":            raw.EventTypesRaw,
			"EventSourcesRaw":          raw.EventSourcesRaw,
			"Status":                   subscription.Status,
			"RetryStrategy":            subscription.RetryStrategy,
			"MaxRetries":               subscription.MaxRetries,
			"RetryDelaySeconds":        subscription.RetryDelaySeconds,
			"RetryMaxDelaySeconds":     subscription.RetryMaxDelaySeconds,
			"TimeoutSeconds":           subscription.TimeoutSeconds,
			"IsHealthy":                subscription.IsHealthy,
			"ConsecutiveFailures":      subscription.ConsecutiveFailures,
			"FailureThreshold":         subscription.FailureThreshold,
			"LastSuccessAt":            subscription.LastSuccessAt,
			"LastFailureAt":            subscription.LastFailureAt,
			"LastFailureReason":        subscription.LastFailureReason,
			"TotalDeliveries":          subscription.TotalDeliveries,
			"SuccessfulDeliveries":     subscription.SuccessfulDeliveries,
			"FailedDeliveries":         subscription.FailedDeliveries,
			"CreateAt":                 subscription.CreateAt,
			"DeleteAt":                 0,
			"LockAcquiredBy":           nil,
			"LockAcquiredAt":           0,
		}),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create subscription")
	}

	return nil
}

// GetSubscription fetches the given subscription by id.
func (sqlStore *SQLStore) GetSubscription(id string) (*model.Subscription, error) {
	var raw rawSubscription
	err := sqlStore.getBuilder(sqlStore.db, &raw, subscriptionSelect.Where("ID = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get subscription by id")
	}

	return raw.toSubscription()
}

// GetSubscriptions fetches subscriptions specified by the filter.
func (sqlStore *SQLStore) GetSubscriptions(filter *model.SubscriptionsFilter) ([]*model.Subscription, error) {
	return sqlStore.getSubscriptions(sqlStore.db, filter)
}

func (sqlStore *SQLStore) getSubscriptions(db queryer, filter *model.SubscriptionsFilter) ([]*model.Subscription, error) {
	query := subscriptionSelect.
		OrderBy("CreateAt DESC")
	query = applyPagingFilter(query, filter.Paging)

	if filter.Status != "" {
		query = query.Where("Status = ?", filter.Status)
	}

	var raws rawSubscriptions
	err := sqlStore.selectBuilder(db, &raws, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query for subscriptions")
	}

	subscriptions, err := raws.toSubscriptions()
	if err != nil {
		return nil, err
	}

	// Pattern filters are evaluated in code; the stored filter sets are opaque
	// JSON to the database.
	if filter.EventType != "" {
		matched := subscriptions[:0]
		for _, subscription := range subscriptions {
			if subscription.EventTypes == nil || model.MatchesAnyPattern(subscription.EventTypes, filter.EventType) {
				matched = append(matched, subscription)
			}
		}
		subscriptions = matched
	}

	return subscriptions, nil
}

// GetActiveSubscriptions fetches all subscriptions eligible for new deliveries.
func (sqlStore *SQLStore) GetActiveSubscriptions() ([]*model.Subscription, error) {
	return sqlStore.GetSubscriptions(&model.SubscriptionsFilter{
		Status: model.SubscriptionStatusActive,
		Paging: model.AllPagesNotDeleted(),
	})
}

// UpdateSubscription updates the mutable configuration of the subscription.
func (sqlStore *SQLStore) UpdateSubscription(subscription *model.Subscription) error {
	raw, err := buildRawSubscription(subscription)
	if err != nil {
		return err
	}

	_, err = sqlStore.execBuilder(sqlStore.db, sq.
		Update(subscriptionTable).
		SetMap(map[string]interface{}{
			"Name":                     subscription.Name,
			"Description":              subscription.Description,
			"URL":                      subscription.URL,
			"SigningSecret":            subscription.SigningSecret,
			"PreviousSigningSecret":    subscription.PreviousSigningSecret,
			"PreviousSecretValidUntil": subscription.PreviousSecretValidUntil,
			"HeadersRaw":               raw.HeadersRaw,
			"EventTypesRaw":            raw.EventTypesRaw,
			"EventSourcesRaw":          raw.EventSourcesRaw,
			"Status":                   subscription.Status,
			"RetryStrategy":            subscription.RetryStrategy,
			"MaxRetries":               subscription.MaxRetries,
			"RetryDelaySeconds":        subscription.RetryDelaySeconds,
			"RetryMaxDelaySeconds":     subscription.RetryMaxDelaySeconds,
			"TimeoutSeconds":           subscription.TimeoutSeconds,
			"FailureThreshold":         subscription.FailureThreshold,
		}).
		Where("ID = ?", subscription.ID).
		Where("DeleteAt = 0"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update subscription")
	}

	return nil
}

// UpdateSubscriptionStatus updates only the administrative status of the subscription.
func (sqlStore *SQLStore) UpdateSubscriptionStatus(subscription *model.Subscription) error {
	_, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(subscriptionTable).
		SetMap(map[string]interface{}{
			"Status":              subscription.Status,
			"IsHealthy":           subscription.IsHealthy,
			"ConsecutiveFailures": subscription.ConsecutiveFailures,
		}).
		Where("ID = ?", subscription.ID).
		Where("DeleteAt = 0"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update subscription status")
	}

	return nil
}

// UpdateSubscriptionHealth updates the delivery health counters of the subscription.
func (sqlStore *SQLStore) UpdateSubscriptionHealth(subscription *model.Subscription) error {
	return sqlStore.updateSubscriptionHealth(sqlStore.db, subscription)
}

func (sqlStore *SQLStore) updateSubscriptionHealth(db execer, subscription *model.Subscription) error {
	_, err := sqlStore.execBuilder(db, sq.
		Update(subscriptionTable).
		SetMap(map[string]interface{}{
			"Status":               subscription.Status,
			"IsHealthy":            subscription.IsHealthy,
			"ConsecutiveFailures":  subscription.ConsecutiveFailures,
			"LastSuccessAt":        subscription.LastSuccessAt,
			"LastFailureAt":        subscription.LastFailureAt,
			"LastFailureReason":    subscription.LastFailureReason,
			"TotalDeliveries":      subscription.TotalDeliveries,
			"SuccessfulDeliveries": subscription.SuccessfulDeliveries,
			"FailedDeliveries":     subscription.FailedDeliveries,
		}).
		Where("ID = ?", subscription.ID),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update subscription health")
	}

	return nil
}

// DeleteSubscription marks the given subscription as deleted.
func (sqlStore *SQLStore) DeleteSubscription(id string) error {
	_, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(subscriptionTable).
		Set("DeleteAt", model.GetMillis()).
		Set("Status", model.SubscriptionStatusDeleted).
		Where("ID = ?", id).
		Where("DeleteAt = 0"),
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark subscription as deleted")
	}

	return nil
}

// GetSubscriptionCountsByStatus aggregates not-deleted subscriptions by status.
func (sqlStore *SQLStore) GetSubscriptionCountsByStatus() (map[model.SubscriptionStatus]int64, error) {
	rows := []struct {
		Status model.SubscriptionStatus
		Count  int64
	}{}
	err := sqlStore.selectBuilder(sqlStore.db, &rows, sq.
		Select("Status", "COUNT(*) AS Count").
		From(subscriptionTable).
		Where("DeleteAt = 0").
		GroupBy("Status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count subscriptions by status")
	}

	counts := make(map[model.SubscriptionStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}

// CountActiveSubscriptions counts subscriptions eligible for new deliveries.
func (sqlStore *SQLStore) CountActiveSubscriptions() (int64, error) {
	count, err := sqlStore.getCount(sq.
		Select("COUNT(*)").
		From(subscriptionTable).
		Where("Status = ?", model.SubscriptionStatusActive).
		Where("DeleteAt = 0"),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active subscriptions")
	}

	return count, nil
}
