package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agroflow/field-agent/internal/database"
	"github.com/agroflow/field-agent/internal/models"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a state transition targets a record that does
// not exist or is not in a state the transition applies to.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a failure of the underlying medium. Callers treat it as
// fatal: the capture UI must be told immediately rather than silently losing
// the activity.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store is the single source of truth for activity records and photo assets.
// All mutations go through a single-writer mutex so concurrent callers never
// observe a partial state transition; each transition is one durable write.
type Store struct {
	db     *database.DB
	mu     sync.Mutex
	logger *zap.Logger
}

func New(db *database.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const recordColumns = `client_event_id, strategy_id, version_number, user_id, field_id,
	activity_type, status, payload, client_timestamp, sync_state, attempt_count,
	last_attempt_at, next_retry_at, last_error, server_record_id, skipped`

// Append persists a new record with sync state pending. The record's payload
// must match its activity type.
func (s *Store) Append(ctx context.Context, rec *models.ActivityRecord) error {
	return s.AppendWithPhotos(ctx, rec, nil)
}

// AppendWithPhotos persists a record together with its photo assets in one
// transaction: a capture is either fully durable or not stored at all, so a
// resubmit after a partial failure never collides with a half-written row.
func (s *Store) AppendWithPhotos(ctx context.Context, rec *models.ActivityRecord, photos []*models.PhotoAsset) error {
	if rec.ClientEventID == "" {
		return fmt.Errorf("missing clientEventId")
	}
	if rec.Payload == nil {
		return fmt.Errorf("missing payload")
	}
	if rec.Payload.ActivityType() != rec.ActivityType {
		return fmt.Errorf("payload type %s does not match activity type %s",
			rec.Payload.ActivityType(), rec.ActivityType)
	}

	payload, err := models.EncodePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activity_records (
			client_event_id, strategy_id, version_number, user_id, field_id,
			activity_type, status, payload, client_timestamp, sync_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
	`, rec.ClientEventID, rec.StrategyID, rec.VersionNumber, rec.UserID, rec.FieldID,
		string(rec.ActivityType), string(rec.Status), string(payload), rec.ClientTimestamp)
	if err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	for _, asset := range photos {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO photo_assets (client_event_id, seq, local_path, content_type, sync_state)
			VALUES (?, ?, ?, ?, 'pending')
		`, asset.ClientEventID, asset.Seq, asset.LocalPath, asset.ContentType)
		if err != nil {
			return &StorageError{Op: "appendPhoto", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	rec.SyncState = models.SyncPending
	for _, asset := range photos {
		asset.SyncState = models.SyncPending
	}
	s.logger.Debug("Activity appended",
		zap.String("client_event_id", rec.ClientEventID),
		zap.String("field_id", rec.FieldID),
		zap.Int("photos", len(photos)),
	)
	return nil
}

// ListPending returns records awaiting delivery (pending or inflight; an
// inflight row survives a crash and is retried, relying on the server-side
// idempotency key). Ordered by client timestamp ascending, ties broken by
// clientEventId for determinism. fieldID narrows to one field when non-empty.
func (s *Store) ListPending(ctx context.Context, fieldID string) ([]models.ActivityRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM activity_records
		WHERE sync_state IN ('pending', 'inflight')`
	args := []any{}
	if fieldID != "" {
		query += ` AND field_id = ?`
		args = append(args, fieldID)
	}
	query += ` ORDER BY client_timestamp ASC, client_event_id ASC`

	return s.queryRecords(ctx, query, args...)
}

// ListFailed returns terminally failed records the operator has not skipped,
// oldest first. These stay visible until acted on.
func (s *Store) ListFailed(ctx context.Context) ([]models.ActivityRecord, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+`
		FROM activity_records
		WHERE sync_state = 'failed' AND skipped = 0
		ORDER BY client_timestamp ASC, client_event_id ASC`)
}

// ListRecent returns the most recent records in any state, newest first.
// Used by the timeline merger as the local source.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]models.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRecords(ctx, `SELECT `+recordColumns+`
		FROM activity_records
		ORDER BY client_timestamp DESC, client_event_id DESC
		LIMIT ?`, limit)
}

// Get returns a single record by its idempotency key.
func (s *Store) Get(ctx context.Context, clientEventID string) (*models.ActivityRecord, error) {
	recs, err := s.queryRecords(ctx, `SELECT `+recordColumns+`
		FROM activity_records WHERE client_event_id = ?`, clientEventID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// MarkInflight transitions a record to inflight and counts the attempt.
func (s *Store) MarkInflight(ctx context.Context, clientEventID string, attemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_records
		SET sync_state = 'inflight', attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE client_event_id = ? AND sync_state IN ('pending', 'inflight')
	`, attemptAt.UnixMilli(), clientEventID)
	if err != nil {
		return &StorageError{Op: "markInflight", Err: err}
	}
	return checkAffected(res)
}

// MarkSynced records a server acknowledgment. Terminal for the happy path.
func (s *Store) MarkSynced(ctx context.Context, clientEventID, serverRecordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_records
		SET sync_state = 'synced', server_record_id = ?, next_retry_at = NULL, last_error = ''
		WHERE client_event_id = ?
	`, serverRecordID, clientEventID)
	if err != nil {
		return &StorageError{Op: "markSynced", Err: err}
	}
	return checkAffected(res)
}

// MarkFailedAttempt puts a record back to pending after a transient failure,
// recording the error and when the next attempt is due.
func (s *Store) MarkFailedAttempt(ctx context.Context, clientEventID, lastError string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_records
		SET sync_state = 'pending', next_retry_at = ?, last_error = ?
		WHERE client_event_id = ? AND sync_state IN ('pending', 'inflight')
	`, nextRetryAt.UnixMilli(), lastError, clientEventID)
	if err != nil {
		return &StorageError{Op: "markFailedAttempt", Err: err}
	}
	return checkAffected(res)
}

// MarkFailed transitions a record to the terminal failed state, reached on a
// rejected delivery or when the retry budget is exhausted. Only an explicit
// operator retry revives it.
func (s *Store) MarkFailed(ctx context.Context, clientEventID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_records
		SET sync_state = 'failed', next_retry_at = NULL, last_error = ?
		WHERE client_event_id = ?
	`, lastError, clientEventID)
	if err != nil {
		return &StorageError{Op: "markFailed", Err: err}
	}
	return checkAffected(res)
}

// RetryFailed is the operator's manual retry: a failed record goes back to
// pending with a fresh retry budget.
func (s *Store) RetryFailed(ctx context.Context, clientEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_records
		SET sync_state = 'pending', attempt_count = 0, next_retry_at = NULL,
			last_error = '', skipped = 0
		WHERE client_event_id = ? AND sync_state = 'failed'
	`, clientEventID)
	if err != nil {
		return &StorageError{Op: "retryFailed", Err: err}
	}
	return checkAffected(res)
}

// SkipFailed marks a failed record as skipped so it no longer blocks younger
// records for the same field. The record itself stays failed and visible.
func (s *Store) SkipFailed(ctx context.Context, clientEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE activity_records SET skipped = 1
		WHERE client_event_id = ? AND sync_state = 'failed'
	`, clientEventID)
	if err != nil {
		return &StorageError{Op: "skipFailed", Err: err}
	}
	return checkAffected(res)
}

// CountPending returns how many records still await delivery. Cheap; feeds
// the status badge.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activity_records WHERE sync_state IN ('pending', 'inflight')
	`).Scan(&count)
	if err != nil {
		return 0, &StorageError{Op: "countPending", Err: err}
	}
	return count, nil
}

// FailedBarriers returns, per field, the oldest client timestamp among failed
// records the operator has not skipped. Younger records for that field must
// not be delivered past the barrier.
func (s *Store) FailedBarriers(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_id, MIN(client_timestamp)
		FROM activity_records
		WHERE sync_state = 'failed' AND skipped = 0
		GROUP BY field_id
	`)
	if err != nil {
		return nil, &StorageError{Op: "failedBarriers", Err: err}
	}
	defer rows.Close()

	barriers := make(map[string]int64)
	for rows.Next() {
		var fieldID string
		var ts int64
		if err := rows.Scan(&fieldID, &ts); err != nil {
			return nil, &StorageError{Op: "failedBarriers", Err: err}
		}
		barriers[fieldID] = ts
	}
	return barriers, rows.Err()
}

// PruneSynced removes synced records older than the cutoff, housekeeping
// only. A record with photos still awaiting upload is kept, and non-synced
// records are never deleted.
func (s *Store) PruneSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM activity_records
		WHERE sync_state = 'synced' AND client_timestamp < ?
		AND NOT EXISTS (
			SELECT 1 FROM photo_assets p
			WHERE p.client_event_id = activity_records.client_event_id
			AND p.sync_state != 'synced'
		)
	`, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "pruneSynced", Err: err}
	}

	// Photo rows of pruned records go with them.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM photo_assets
		WHERE sync_state = 'synced' AND client_event_id NOT IN (
			SELECT client_event_id FROM activity_records
		)
	`); err != nil {
		return 0, &StorageError{Op: "pruneSynced", Err: err}
	}

	pruned, _ := res.RowsAffected()
	if pruned > 0 {
		s.logger.Info("Pruned synced records", zap.Int64("count", pruned))
	}
	return pruned, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]models.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var records []models.ActivityRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &StorageError{Op: "scan", Err: err}
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (*models.ActivityRecord, error) {
	var rec models.ActivityRecord
	var payload string
	var lastAttemptAt, nextRetryAt sql.NullInt64
	var skipped int

	err := rows.Scan(
		&rec.ClientEventID,
		&rec.StrategyID,
		&rec.VersionNumber,
		&rec.UserID,
		&rec.FieldID,
		&rec.ActivityType,
		&rec.Status,
		&payload,
		&rec.ClientTimestamp,
		&rec.SyncState,
		&rec.AttemptCount,
		&lastAttemptAt,
		&nextRetryAt,
		&rec.LastError,
		&rec.ServerRecordID,
		&skipped,
	)
	if err != nil {
		return nil, err
	}

	rec.Payload, err = models.DecodePayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ClientEventID, err)
	}
	rec.LastAttemptAt = millisPtr(lastAttemptAt)
	rec.NextRetryAt = millisPtr(nextRetryAt)
	rec.Skipped = skipped != 0
	return &rec, nil
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "rowsAffected", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
