package store

import (
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/relaycore/relay/model"
)

const eventTable = "Event"

var eventSelect = sq.
	Select("ID", "EventType", "Source", "Data AS DataRaw", "Metadata AS MetadataRaw",
		"Status", "IdempotencyKey", "CredentialID", "ProcessedAt", "DeliveryAttempts",
		"SuccessfulDeliveries", "FailedDeliveries", "LastError", "CreateAt").
	From(eventTable)

// rawEvent scans the nullable JSON columns as plain bytes. Metadata is NULL
// for most events and cannot be scanned into json.RawMessage directly.
type rawEvent struct {
	*model.Event
	DataRaw     []byte
	MetadataRaw []byte
}

type rawEvents []*rawEvent

func (r *rawEvent) toEvent() *model.Event {
	r.Event.Data = json.RawMessage(r.DataRaw)
	if len(r.MetadataRaw) > 0 {
		r.Event.Metadata = json.RawMessage(r.MetadataRaw)
	} else {
		r.Event.Metadata = nil
	}

	return r.Event
}

func (re *rawEvents) toEvents() []*model.Event {
	events := make([]*model.Event, 0, len(*re))
	for _, raw := range *re {
		events = append(events, raw.toEvent())
	}

	return events
}

// ErrIdempotencyConflict indicates an event with the same idempotency key already exists.
var ErrIdempotencyConflict = errors.New("idempotency key already used")

// CreateEvent records the given event, assigning it an ID and admission time.
func (sqlStore *SQLStore) CreateEvent(event *model.Event) error {
	return sqlStore.createEvent(sqlStore.db, event)
}

func (sqlStore *SQLStore) createEvent(db execer, event *model.Event) error {
	if event.ID == "" {
		event.ID = model.NewEventID()
	}
	event.CreateAt = model.GetMillis()
	if event.Status == "" {
		event.Status = model.EventStatusPending
	}

	_, err := sqlStore.execBuilder(db, sq.
		Insert(eventTable).
		SetMap(map[string]interface{}{
			"ID":                   event.ID,
			"EventType":            event.EventType,
			"Source":               event.Source,
			"Data":                 []byte(event.Data),
			"Metadata":             []byte(event.Metadata),
			"Status":               event.Status,
			"IdempotencyKey":       event.IdempotencyKey,
			"CredentialID":         event.CredentialID,
			"ProcessedAt":          event.ProcessedAt,
			"DeliveryAttempts":     event.DeliveryAttempts,
			"SuccessfulDeliveries": event.SuccessfulDeliveries,
			"FailedDeliveries":     event.FailedDeliveries,
			"LastError":            event.LastError,
			"CreateAt":             event.CreateAt,
			"LockAcquiredBy":       nil,
			"LockAcquiredAt":       0,
		}),
	)
	if err != nil {
		if isUniqueConstraintViolation(err) {
			return ErrIdempotencyConflict
		}
		return errors.Wrap(err, "failed to create event")
	}

	return nil
}

// isUniqueConstraintViolation recognizes duplicate key errors across both drivers.
func isUniqueConstraintViolation(err error) bool {
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	if sqliteErr, ok := errors.Cause(err).(sqlite3.Error); ok {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// GetEvent fetches the given event by id.
func (sqlStore *SQLStore) GetEvent(id string) (*model.Event, error) {
	var raw rawEvent
	err := sqlStore.getBuilder(sqlStore.db, &raw, eventSelect.Where("ID = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event by id")
	}

	return raw.toEvent(), nil
}

// GetEventByIdempotencyKey fetches the event previously admitted with the given key.
func (sqlStore *SQLStore) GetEventByIdempotencyKey(key string) (*model.Event, error) {
	var raw rawEvent
	err := sqlStore.getBuilder(sqlStore.db, &raw, eventSelect.Where("IdempotencyKey = ?", key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event by idempotency key")
	}

	return raw.toEvent(), nil
}

// GetEvents fetches a page of events ordered newest first. The cursor, when
// set, restricts results to events admitted strictly before the cursor event.
func (sqlStore *SQLStore) GetEvents(filter *model.EventFilter) ([]*model.Event, error) {
	query := eventSelect.OrderBy("CreateAt DESC", "ID DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = model.DefaultListLimit
	}
	if limit > model.MaxListLimit {
		limit = model.MaxListLimit
	}
	query = query.Limit(uint64(limit))

	if filter.EventType != "" {
		query = query.Where("EventType = ?", filter.EventType)
	}
	if filter.Source != "" {
		query = query.Where("Source = ?", filter.Source)
	}
	if filter.Status != "" {
		query = query.Where("Status = ?", filter.Status)
	}
	if filter.Cursor != "" {
		cursorID, err := model.DecodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}

		cursorEvent, err := sqlStore.GetEvent(cursorID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve cursor event")
		}
		if cursorEvent != nil {
			query = query.Where(
				sq.Or{
					sq.Lt{"CreateAt": cursorEvent.CreateAt},
					sq.And{sq.Eq{"CreateAt": cursorEvent.CreateAt}, sq.Lt{"ID": cursorEvent.ID}},
				},
			)
		}
	}

	var raws rawEvents
	err := sqlStore.selectBuilder(sqlStore.db, &raws, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query for events")
	}

	return raws.toEvents(), nil
}

// ClaimPendingEvents locks and returns up to limit pending events for
// processing by the given instance.
func (sqlStore *SQLStore) ClaimPendingEvents(instanceID string, limit int) ([]*model.Event, error) {
	tx, err := sqlStore.beginTransaction(sqlStore.db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.RollbackUnlessCommitted()

	query := eventSelect.
		Where("Status = ?", model.EventStatusPending).
		Where("LockAcquiredAt = 0").
		OrderBy("CreateAt ASC").
		Limit(uint64(limit))

	if sqlStore.db.DriverName() == driverPostgres {
		// Lock the rows for the duration of the transaction so concurrent
		// instances skip them instead of blocking.
		query = query.Suffix("FOR UPDATE SKIP LOCKED")
	}

	var raws rawEvents
	err = sqlStore.selectBuilder(tx, &raws, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query for pending events")
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
		ids = append(ids, raw.Event.ID)
	}

	locked, err := sqlStore.lockRowsTx(tx, eventTable, ids, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock pending events")
	}
	if !locked {
		return nil, errors.New("failed to lock pending events")
	}

	err = tx.Commit()
	if err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	return raws.toEvents(), nil
}

// UnlockEvents releases the processing lock previously acquired on the given events.
func (sqlStore *SQLStore) UnlockEvents(ids []string, instanceID string, force bool) (bool, error) {
	return sqlStore.unlockRows(eventTable, ids, instanceID, force)
}

// UpdateEventStatus updates the lifecycle status and delivery counters of the event.
func (sqlStore *SQLStore) UpdateEventStatus(event *model.Event) error {
	return sqlStore.updateEventStatus(sqlStore.db, event)
}

func (sqlStore *SQLStore) updateEventStatus(db execer, event *model.Event) error {
	_, err := sqlStore.execBuilder(db, sq.
		Update(eventTable).
		SetMap(map[string]interface{}{
			"Status":               event.Status,
			"ProcessedAt":          event.ProcessedAt,
			"DeliveryAttempts":     event.DeliveryAttempts,
			"SuccessfulDeliveries": event.SuccessfulDeliveries,
			"FailedDeliveries":     event.FailedDeliveries,
			"LastError":            event.LastError,
		}).
		Where("ID = ?", event.ID),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update event status")
	}

	return nil
}

// ResetEventForReplay returns a terminal event to pending so it can be
// processed again, clearing counters and the processing lock.
func (sqlStore *SQLStore) ResetEventForReplay(id string) error {
	result, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(eventTable).
		SetMap(map[string]interface{}{
			"Status":               model.EventStatusPending,
			"ProcessedAt":          0,
			"DeliveryAttempts":     0,
			"SuccessfulDeliveries": 0,
			"FailedDeliveries":     0,
			"LastError":            "",
			"LockAcquiredBy":       nil,
			"LockAcquiredAt":       0,
		}).
		Where("ID = ?", id).
		Where(sq.Eq{"Status": []model.EventStatus{
			model.EventStatusDelivered,
			model.EventStatusPartiallyDelivered,
			model.EventStatusFailed,
			model.EventStatusExpired,
		}}),
	)
	if err != nil {
		return errors.Wrap(err, "failed to reset event for replay")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to count rows affected")
	}
	if rows == 0 {
		return errors.New("event is not in a terminal status")
	}

	return nil
}

// GetEventCountsByStatus aggregates events per lifecycle status.
func (sqlStore *SQLStore) GetEventCountsByStatus() (map[model.EventStatus]int64, error) {
	rows := []struct {
		Status model.EventStatus
		Count  int64
	}{}
	err := sqlStore.selectBuilder(sqlStore.db, &rows, sq.
		Select("Status", "COUNT(*) AS Count").
		From(eventTable).
		GroupBy("Status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count events by status")
	}

	counts := make(map[model.EventStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}

// GetEventCountsByType aggregates pending and processing events per event type.
func (sqlStore *SQLStore) GetEventCountsByType() (map[string]int64, error) {
	rows := []struct {
		EventType string
		Count     int64
	}{}
	err := sqlStore.selectBuilder(sqlStore.db, &rows, sq.
		Select("EventType", "COUNT(*) AS Count").
		From(eventTable).
		Where(sq.Eq{"Status": []model.EventStatus{model.EventStatusPending, model.EventStatusProcessing}}).
		GroupBy("EventType"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count events by type")
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.EventType] = row.Count
	}

	return counts, nil
}

// GetOldestPendingEvents fetches pending events oldest first, positioned
// strictly after the given (createAt, id) pair. Pass (0, "") to start from
// the beginning.
func (sqlStore *SQLStore) GetOldestPendingEvents(afterCreateAt int64, afterID string, limit int) ([]*model.Event, error) {
	query := eventSelect.
		Where("Status = ?", model.EventStatusPending).
		OrderBy("CreateAt ASC", "ID ASC").
		Limit(uint64(limit))

	if afterID != "" {
		query = query.Where(
			sq.Or{
				sq.Gt{"CreateAt": afterCreateAt},
				sq.And{sq.Eq{"CreateAt": afterCreateAt}, sq.Gt{"ID": afterID}},
			},
		)
	}

	var raws rawEvents
	err := sqlStore.selectBuilder(sqlStore.db, &raws, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query for oldest pending events")
	}

	return raws.toEvents(), nil
}

// IncrementEventDeliveryAttempts bumps the attempt counter of the event when
// it is handed to a pull consumer.
func (sqlStore *SQLStore) IncrementEventDeliveryAttempts(id string) error {
	_, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(eventTable).
		Set("DeliveryAttempts", sq.Expr("DeliveryAttempts + 1")).
		Where("ID = ?", id),
	)
	if err != nil {
		return errors.Wrap(err, "failed to increment event delivery attempts")
	}

	return nil
}

// MarkEventConsumed completes a pending event acknowledged by a pull
// consumer. It errors when the event is no longer pending.
func (sqlStore *SQLStore) MarkEventConsumed(id string) error {
	result, err := sqlStore.execBuilder(sqlStore.db, sq.
		Update(eventTable).
		SetMap(map[string]interface{}{
			"Status":      model.EventStatusDelivered,
			"ProcessedAt": model.GetMillis(),
		}).
		Set("SuccessfulDeliveries", sq.Expr("SuccessfulDeliveries + 1")).
		Where("ID = ?", id).
		Where("Status = ?", model.EventStatusPending),
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark event consumed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to count rows affected")
	}
	if rows == 0 {
		return errors.New("event is not pending")
	}

	return nil
}

// GetOldestPendingEventAt returns the admission time of the oldest pending
// event, or 0 when none are pending.
func (sqlStore *SQLStore) GetOldestPendingEventAt() (int64, error) {
	var oldest sql.NullInt64
	err := sqlStore.getBuilder(sqlStore.db, &oldest, sq.
		Select("MIN(CreateAt)").
		From(eventTable).
		Where("Status = ?", model.EventStatusPending),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get oldest pending event")
	}

	return oldest.Int64, nil
}
