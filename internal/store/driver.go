package store

const (
	driverPostgres = "postgres"
	driverSqlite   = "sqlite3"
)
