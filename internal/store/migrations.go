package store

import (
	"github.com/blang/semver"
)

type migration struct {
	fromVersion   semver.Version
	toVersion     semver.Version
	migrationFunc func(execer) error
}

// migrations defines the set of migrations necessary to advance the database to the latest
// expected version.
//
// Note that the canonical schema is currently obtained by applying all migrations to an empty
// database.
var migrations = []migration{
	{semver.MustParse("0.0.0"), semver.MustParse("0.1.0"), func(e execer) error {
		_, err := e.Exec(`
			CREATE TABLE System (
				Key VARCHAR(64) PRIMARY KEY,
				Value VARCHAR(1024) NULL
			);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE TABLE Event (
				ID CHAR(30) PRIMARY KEY,
				EventType VARCHAR(255) NOT NULL,
				Source VARCHAR(255) NOT NULL,
				Data BYTEA NOT NULL,
				Metadata BYTEA NULL,
				Status VARCHAR(32) NOT NULL,
				IdempotencyKey VARCHAR(255) NOT NULL,
				CredentialID CHAR(30) NULL,
				ProcessedAt BIGINT NOT NULL,
				DeliveryAttempts INTEGER NOT NULL,
				SuccessfulDeliveries INTEGER NOT NULL,
				FailedDeliveries INTEGER NOT NULL,
				LastError TEXT NOT NULL,
				CreateAt BIGINT NOT NULL,
				LockAcquiredBy CHAR(30) NULL,
				LockAcquiredAt BIGINT NOT NULL
			);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE UNIQUE INDEX Event_IdempotencyKey ON Event (IdempotencyKey) WHERE IdempotencyKey <> '';
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE INDEX Event_EventType_Source ON Event (EventType, Source);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE INDEX Event_Status_CreateAt ON Event (Status, CreateAt);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE TABLE Subscription (
				ID CHAR(30) PRIMARY KEY,
				Name VARCHAR(255) NOT NULL,
				Description TEXT NOT NULL,
				URL VARCHAR(2083) NOT NULL,
				SigningSecret VARCHAR(64) NOT NULL,
				HeadersRaw BYTEA NULL,
				EventTypesRaw BYTEA NULL,
				EventSourcesRaw BYTEA NULL,
				Status VARCHAR(32) NOT NULL,
				RetryStrategy VARCHAR(16) NOT NULL,
				MaxRetries INTEGER NOT NULL,
				RetryDelaySeconds INTEGER NOT NULL,
				RetryMaxDelaySeconds INTEGER NOT NULL,
				TimeoutSeconds INTEGER NOT NULL,
				IsHealthy BOOLEAN NOT NULL,
				ConsecutiveFailures INTEGER NOT NULL,
				FailureThreshold INTEGER NOT NULL,
				LastSuccessAt BIGINT NOT NULL,
				LastFailureAt BIGINT NOT NULL,
				LastFailureReason TEXT NOT NULL,
				TotalDeliveries BIGINT NOT NULL,
				SuccessfulDeliveries BIGINT NOT NULL,
				FailedDeliveries BIGINT NOT NULL,
				CreateAt BIGINT NOT NULL,
				DeleteAt BIGINT NOT NULL,
				LockAcquiredBy CHAR(30) NULL,
				LockAcquiredAt BIGINT NOT NULL
			);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE INDEX Subscription_Status_DeleteAt ON Subscription (Status, DeleteAt);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE TABLE Delivery (
				ID CHAR(30) PRIMARY KEY,
				EventID CHAR(30) NOT NULL,
				SubscriptionID CHAR(30) NOT NULL,
				Status VARCHAR(32) NOT NULL,
				AttemptCount INTEGER NOT NULL,
				MaxAttempts INTEGER NOT NULL,
				ScheduledAt BIGINT NOT NULL,
				StartedAt BIGINT NOT NULL,
				CompletedAt BIGINT NOT NULL,
				NextRetryAt BIGINT NOT NULL,
				RetryDelaySeconds INTEGER NOT NULL,
				RequestURL VARCHAR(2083) NOT NULL,
				RequestHeadersRaw BYTEA NULL,
				RequestBody BYTEA NULL,
				Signature VARCHAR(128) NOT NULL,
				ResponseStatusCode INTEGER NOT NULL,
				ResponseHeadersRaw BYTEA NULL,
				ResponseBody TEXT NOT NULL,
				ResponseTimeMs BIGINT NOT NULL,
				ErrorType VARCHAR(32) NOT NULL,
				ErrorMessage TEXT NOT NULL,
				AttemptHistoryRaw BYTEA NULL,
				CreateAt BIGINT NOT NULL,
				LockAcquiredBy CHAR(30) NULL,
				LockAcquiredAt BIGINT NOT NULL
			);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE INDEX Delivery_EventID ON Delivery (EventID);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE INDEX Delivery_SubscriptionID ON Delivery (SubscriptionID);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE INDEX Delivery_Status_NextRetryAt ON Delivery (Status, NextRetryAt);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE TABLE ApiKey (
				ID CHAR(30) PRIMARY KEY,
				Name VARCHAR(255) NOT NULL,
				KeyHash CHAR(64) NOT NULL,
				ScopesRaw BYTEA NOT NULL,
				IsActive BOOLEAN NOT NULL,
				RevokedAt BIGINT NOT NULL,
				ExpiresAt BIGINT NOT NULL,
				RateLimit INTEGER NOT NULL,
				LastUsedAt BIGINT NOT NULL,
				CreateAt BIGINT NOT NULL
			);
		`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`
			CREATE UNIQUE INDEX ApiKey_KeyHash ON ApiKey (KeyHash);
		`)
		if err != nil {
			return err
		}

		return nil
	}},
	{semver.MustParse("0.1.0"), semver.MustParse("0.2.0"), func(e execer) error {
		_, err := e.Exec(`ALTER TABLE Subscription ADD COLUMN PreviousSigningSecret VARCHAR(64) NOT NULL DEFAULT '';`)
		if err != nil {
			return err
		}

		_, err = e.Exec(`ALTER TABLE Subscription ADD COLUMN PreviousSecretValidUntil BIGINT NOT NULL DEFAULT 0;`)
		if err != nil {
			return err
		}

		return nil
	}},
	{semver.MustParse("0.2.0"), semver.MustParse("0.3.0"), func(e execer) error {
		// Containment index for payload substructure queries. Sqlite has no
		// GIN equivalent and skips it.
		if e.DriverName() != driverPostgres {
			return nil
		}

		_, err := e.Exec(`
			CREATE INDEX Event_Data ON Event USING GIN ((convert_from(Data, 'UTF8')::jsonb) jsonb_path_ops);
		`)
		return err
	}},
}
