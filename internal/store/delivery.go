package store

import (
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/relaycore/relay/model"
)

const deliveryTable = "Delivery"

var deliverySelect = sq.
	Select("ID", "EventID", "SubscriptionID", "Status", "AttemptCount", "MaxAttempts",
		"ScheduledAt", "StartedAt", "CompletedAt", "NextRetryAt", "RetryDelaySeconds",
		"RequestURL", "RequestHeadersRaw", "RequestBody", "Signature", "ResponseStatusCode",
		"ResponseHeadersRaw", "ResponseBody", "ResponseTimeMs", "ErrorType", "ErrorMessage",
		"AttemptHistoryRaw", "CreateAt").
	From(deliveryTable)

type rawDelivery struct {
	*model.Delivery
	RequestHeadersRaw  []byte
	ResponseHeadersRaw []byte
	AttemptHistoryRaw  []byte
	RequestBody        []byte
}

type rawDeliveries []*rawDelivery

func buildRawDelivery(delivery *model.Delivery) (*rawDelivery, error) {
	var requestHeadersRaw, responseHeadersRaw, attemptHistoryRaw []byte
	var err error

	if delivery.RequestHeaders != nil {
		requestHeadersRaw, err = json.Marshal(delivery.RequestHeaders)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal RequestHeaders")
		}
	}
	if delivery.ResponseHeaders != nil {
		responseHeadersRaw, err = json.Marshal(delivery.ResponseHeaders)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal ResponseHeaders")
		}
	}
	if delivery.AttemptHistory != nil {
		attemptHistoryRaw, err = json.Marshal(delivery.AttemptHistory)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal AttemptHistory")
		}
	}

	return &rawDelivery{
		Delivery:           delivery,
		RequestHeadersRaw:  requestHeadersRaw,
		ResponseHeadersRaw: responseHeadersRaw,
		AttemptHistoryRaw:  attemptHistoryRaw,
		RequestBody:        []byte(delivery.RequestBody),
	}, nil
}

func (r *rawDelivery) toDelivery() (*model.Delivery, error) {
	if r.RequestHeadersRaw != nil {
		err := json.Unmarshal(r.RequestHeadersRaw, &r.Delivery.RequestHeaders)
		if err != nil {
			return nil, errors.Wrap(err, "unable to unmarshal RequestHeaders")
		}
	}
	if r.ResponseHeadersRaw != nil {
		err := json.Unmarshal(r.ResponseHeadersRaw, &r.Delivery.ResponseHeaders)
		if err != nil {
			return nil, errors.Wrap(err, "unable to unmarshal ResponseHeaders")
		}
	}
	if r.AttemptHistoryRaw != nil {
		err := json.Unmarshal(r.AttemptHistoryRaw, &r.Delivery.AttemptHistory)
		if err != nil {
			return nil, errors.Wrap(err, "unable to unmarshal AttemptHistory")
		}
	}
	r.Delivery.RequestBody = string(r.RequestBody)

	return r.Delivery, nil
}

func (rd *rawDeliveries) toDeliveries() ([]*model.Delivery, error) {
	deliveries := make([]*model.Delivery, 0, len(*rd))
	for _, raw := range *rd {
		delivery, err := raw.toDelivery()
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}

	return deliveries, nil
}

// CreateDeliveries records one pending delivery per matched subscription, and
// moves the event to processing, in a single transaction.
func (sqlStore *SQLStore) CreateDeliveries(event *model.Event, subscriptions []*model.Subscription) ([]*model.Delivery, error) {
	tx, err := sqlStore.beginTransaction(sqlStore.db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.RollbackUnlessCommitted()

	now := model.GetMillis()
	deliveries := make([]*model.Delivery, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		delivery := &model.Delivery{
			ID:             model.NewDeliveryID(),
			EventID:        event.ID,
			SubscriptionID: subscription.ID,
			Status:         model.DeliveryStatusPending,
			MaxAttempts:    subscription.MaxRetries + 1,
			ScheduledAt:    now,
			CreateAt:       now,
		}

		err = sqlStore.createDelivery(tx, delivery)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create delivery")
		}

		deliveries = append(deliveries, delivery)
	}

	err = sqlStore.updateEventStatus(tx, event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update event status")
	}

	err = tx.Commit()
	if err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	return deliveries, nil
}

func (sqlStore *SQLStore) createDelivery(db execer, delivery *model.Delivery) error {
	if delivery.ID == "" {
		delivery.ID = model.NewDeliveryID()
	}
	if delivery.CreateAt == 0 {
		delivery.CreateAt = model.GetMillis()
	}

	raw, err := buildRawDelivery(delivery)
	if err != nil {
		return err
	}

	_, err = sqlStore.execBuilder(db, sq.
		Insert(deliveryTable).
		SetMap(map[string]interface{}{
			"ID":                 delivery.ID,
			"EventID":            delivery.EventID,
			"SubscriptionID":     delivery.SubscriptionID,
			"Status":             delivery.Status,
			"AttemptCount":       delivery.AttemptCount,
			"MaxAttempts":        delivery.MaxAttempts,
			"ScheduledAt":        delivery.ScheduledAt,
			"StartedAt":          delivery.StartedAt,
			"CompletedAt":        delivery.CompletedAt,
			"NextRetryAt":        delivery.NextRetryAt,
			"RetryDelaySeconds":  delivery.RetryDelaySeconds,
			"RequestURL":         delivery.RequestURL,
			"RequestHeadersRaw":  raw.RequestHeadersRaw,
			"RequestBody":        raw.RequestBody,
			"Signature":          delivery.Signature,
			"ResponseStatusCode": delivery.ResponseStatusCode,
			"ResponseHeadersRaw": raw.ResponseHeadersRaw,
			"ResponseBody":       delivery.ResponseBody,
			"ResponseTimeMs":     delivery.ResponseTimeMs,
			"ErrorType":          delivery.ErrorType,
			"ErrorMessage":       delivery.ErrorMessage,
			"AttemptHistoryRaw":  raw.AttemptHistoryRaw,
			"CreateAt":           delivery.CreateAt,
			"LockAcquiredBy":     nil,
			"LockAcquiredAt":     0,
		}),
	)
	if err != nil {
		return err
	}

	return nil
}

// GetDelivery fetches the given delivery by id.
func (sqlStore *SQLStore) GetDelivery(id string) (*model.Delivery, error) {
	var raw rawDelivery
	err := sqlStore.getBuilder(sqlStore.db, &raw, deliverySelect.Where("ID = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get delivery by id")
	}

	return raw.toDelivery()
}

// GetDeliveries fetches deliveries specified by the filter.
func (sqlStore *SQLStore) GetDeliveries(filter *model.DeliveryFilter) ([]*model.Delivery, error) {
	query := deliverySelect.OrderBy("CreateAt DESC")

	if filter.Paging.PerPage != model.AllPerPage {
		query = query.
			Limit(uint64(filter.Paging.PerPage)).
			Offset(uint64(filter.Paging.Page * filter.Paging.PerPage))
	}

	if filter.EventID != "" {
		query = query.Where("EventID = ?", filter.EventID)
	}
	if filter.SubscriptionID != "" {
		query = query.Where("SubscriptionID = ?", filter.SubscriptionID)
	}
	if filter.Status != "" {
		query = query.Where("Status = ?", filter.Status)
	}

	var raws rawDeliveries
	err := sqlStore.selectBuilder(sqlStore.db, &raws, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query for deliveries")
	}

	return raws.toDeliveries()
}

// ClaimDueDeliveries locks and returns up to limit deliveries that are due to
// be attempted by the given instance. A delivery is due when it is pending, or
// retrying with its backoff elapsed.
func (sqlStore *SQLStore) ClaimDueDeliveries(instanceID string, limit int) ([]*model.Delivery, error) {
	tx, err := sqlStore.beginTransaction(sqlStore.db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.RollbackUnlessCommitted()

	now := model.GetMillis()
	query := deliverySelect.
		Where(sq.Or{
			sq.Eq{"Status": model.DeliveryStatusPending},
			sq.And{
				sq.Eq{"Status": model.DeliveryStatusRetrying},
				sq.LtOrEq{"NextRetryAt": now},
			},
		}).
		Where("LockAcquiredAt = 0").
		OrderBy("ScheduledAt ASC").
		Limit(uint64(limit))

	if sqlStore.db.DriverName() == driverPostgres {
		// Lock the rows for the duration of the transaction so concurrent
		// instances skip them instead of blocking.
		query = query.Suffix("FOR UPDATE SKIP LOCKED")
	}

	var raws rawDeliveries
	err = sqlStore.selectBuilder(tx, &raws, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query for due deliveries")
	}

	if len(raws) == 0 {
		err = tx.Commit()
		if err != nil {
			return nil, errors.Wrap(err, "failed to commit transaction")
		}
		return nil, nil
	}

	ids := make([]string, 0, len(raws))
	for _, raw := range raws {
		ids = append(ids, raw.Delivery.ID)
	}

	locked, err := sqlStore.lockRowsTx(tx, deliveryTable, ids, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock due deliveries")
	}
	if !locked {
		return nil, errors.New("failed to lock due deliveries")
	}

	err = tx.Commit()
	if err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	return raws.toDeliveries()
}

// UpdateDelivery persists the outcome of a delivery attempt and the resulting
// subscription health in a single transaction, releasing the processing lock.
func (sqlStore *SQLStore) UpdateDelivery(delivery *model.Delivery, subscription *model.Subscription) error {
	tx, err := sqlStore.beginTransaction(sqlStore.db)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.RollbackUnlessCommitted()

	err = sqlStore.updateDelivery(tx, delivery)
	if err != nil {
		return err
	}

	if subscription != nil {
		err = sqlStore.updateSubscriptionHealth(tx, subscription)
		if err != nil {
			return err
		}
	}

	err = tx.Commit()
	if err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

func (sqlStore *SQLStore) updateDelivery(db execer, delivery *model.Delivery) error {
	raw, err := buildRawDelivery(delivery)
	if err != nil {
		return err
	}

	_, err = sqlStore.execBuilder(db, sq.
		Update(deliveryTable).
		SetMap(map[string]interface{}{
			"Status":             delivery.Status,
			"AttemptCount":       delivery.AttemptCount,
			"StartedAt":          delivery.StartedAt,
			"CompletedAt":        delivery.CompletedAt,
			"NextRetryAt":        delivery.NextRetryAt,
			"RetryDelaySeconds":  delivery.RetryDelaySeconds,
			"RequestURL":         delivery.RequestURL,
			"RequestHeadersRaw":  raw.RequestHeadersRaw,
			"RequestBody":        raw.RequestBody,
			"Signature":          delivery.Signature,
			"ResponseStatusCode": delivery.ResponseStatusCode,
			"ResponseHeadersRaw": raw.ResponseHeadersRaw,
			"ResponseBody":       delivery.ResponseBody,
			"ResponseTimeMs":     delivery.ResponseTimeMs,
			"ErrorType":          delivery.ErrorType,
			"ErrorMessage":       delivery.ErrorMessage,
			"AttemptHistoryRaw":  raw.AttemptHistoryRaw,
			"LockAcquiredBy":     nil,
			"LockAcquiredAt":     0,
		}).
		Where("ID = ?", delivery.ID),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update delivery")
	}

	return nil
}

// MarkDeliveryInFlight transitions a claimed delivery to in_flight, keeping the
// processing lock held.
func (sqlStore *SQLStore) MarkDeliveryInFlight(delivery *model.Delivery) error {
	_, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(deliveryTable).
		SetMap(map[string]interface{}{
			"Status":    model.DeliveryStatusInFlight,
			"StartedAt": delivery.StartedAt,
		}).
		Where("ID = ?", delivery.ID),
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark delivery in flight")
	}

	delivery.Status = model.DeliveryStatusInFlight
	return nil
}

// CancelPendingDeliveriesForSubscription cancels all non-terminal deliveries of
// the subscription. Used when a subscription is disabled or deleted.
func (sqlStore *SQLStore) CancelPendingDeliveriesForSubscription(subscriptionID string) (int64, error) {
	now := model.GetMillis()
	result, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(deliveryTable).
		SetMap(map[string]interface{}{
			"Status":         model.DeliveryStatusCancelled,
			"CompletedAt":    now,
			"LockAcquiredBy": nil,
			"LockAcquiredAt": 0,
		}).
		Where("SubscriptionID = ?", subscriptionID).
		Where(sq.Eq{"Status": []model.DeliveryStatus{
			model.DeliveryStatusPending,
			model.DeliveryStatusRetrying,
			model.DeliveryStatusFailed,
		}}),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cancel pending deliveries")
	}

	cancelled, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count rows affected")
	}

	return cancelled, nil
}

// GetDeliveryCountsByStatus aggregates all deliveries by status.
func (sqlStore *SQLStore) GetDeliveryCountsByStatus() (map[model.DeliveryStatus]int64, error) {
	rows := []struct {
		Status model.DeliveryStatus
		Count  int64
	}{}
	err := sqlStore.selectBuilder(sqlStore.db, &rows, sq.
		Select("Status", "COUNT(*) AS Count").
		From(deliveryTable).
		GroupBy("Status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count deliveries by status")
	}

	counts := make(map[model.DeliveryStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}

// GetDeliveryCountsForEvent aggregates deliveries of an event by status.
func (sqlStore *SQLStore) GetDeliveryCountsForEvent(eventID string) (map[model.DeliveryStatus]int64, error) {
	rows := []struct {
		Status model.DeliveryStatus
		Count  int64
	}{}
	err := sqlStore.selectBuilder(sqlStore.db, &rows, sq.
		Select("Status", "COUNT(*) AS Count").
		From(deliveryTable).
		Where("EventID = ?", eventID).
		GroupBy("Status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count deliveries for event")
	}

	counts := make(map[model.DeliveryStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}
