package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// transaction wraps *sqlx.Tx, allowing rollback to be deferred safely even
// after a successful commit.
type transaction struct {
	*sqlx.Tx
	sqlStore  *SQLStore
	committed bool
}

// beginTransaction begins a new transaction against the store's database.
func (sqlStore *SQLStore) beginTransaction(db *sqlx.DB) (*transaction, error) {
	tx, err := db.Beginx()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}

	return &transaction{
		Tx:       tx,
		sqlStore: sqlStore,
	}, nil
}

// Commit commits the pending transaction.
func (t *transaction) Commit() error {
	err := t.Tx.Commit()
	if err != nil {
		return err
	}

	t.committed = true
	return nil
}

// RollbackUnlessCommitted rolls back the transaction if it was never
// committed, logging any unexpected failure to do so.
func (t *transaction) RollbackUnlessCommitted() {
	if t.committed {
		return
	}

	err := t.Tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		t.sqlStore.logger.WithError(err).Error("Failed to rollback transaction")
	}
}
