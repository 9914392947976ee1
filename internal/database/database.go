package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
	logger *zap.Logger
}

func New(storagePath string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", storagePath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &DB{
		DB:     db,
		logger: logger,
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database connection established", zap.String("path", storagePath))
	return database, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		// Activity records: one row per captured activity, keyed by the
		// idempotency key. Sync bookkeeping lives alongside the record so a
		// state transition is a single durable write.
		`CREATE TABLE IF NOT EXISTS activity_records (
			client_event_id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			field_id TEXT NOT NULL,
			activity_type TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			client_timestamp INTEGER NOT NULL,
			sync_state TEXT NOT NULL DEFAULT 'pending'
				CHECK(sync_state IN ('pending', 'inflight', 'synced', 'failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			next_retry_at INTEGER,
			last_error TEXT NOT NULL DEFAULT '',
			server_record_id TEXT NOT NULL DEFAULT '',
			skipped INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_records_state ON activity_records(sync_state)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_records_field ON activity_records(field_id, client_timestamp)`,
		// Photo assets: binary payloads owned by an activity record, uploaded
		// on their own retry cycle.
		`CREATE TABLE IF NOT EXISTS photo_assets (
			client_event_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			local_path TEXT NOT NULL,
			content_type TEXT NOT NULL,
			sync_state TEXT NOT NULL DEFAULT 'pending'
				CHECK(sync_state IN ('pending', 'inflight', 'synced', 'failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			next_retry_at INTEGER,
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (client_event_id, seq),
			FOREIGN KEY (client_event_id) REFERENCES activity_records(client_event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_photo_assets_state ON photo_assets(sync_state)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	db.logger.Info("Database migrations completed")
	return nil
}

func (db *DB) Close() error {
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.logger.Info("Database connection closed")
	return nil
}
