package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/agroflow/field-agent/internal/models"

	"go.uber.org/zap"
)

// AppendPhoto registers a photo asset for an existing activity record.
func (s *Store) AppendPhoto(ctx context.Context, asset *models.PhotoAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO photo_assets (client_event_id, seq, local_path, content_type, sync_state)
		VALUES (?, ?, ?, ?, 'pending')
	`, asset.ClientEventID, asset.Seq, asset.LocalPath, asset.ContentType)
	if err != nil {
		return &StorageError{Op: "appendPhoto", Err: err}
	}

	asset.SyncState = models.SyncPending
	s.logger.Debug("Photo asset appended",
		zap.String("client_event_id", asset.ClientEventID),
		zap.Int("seq", asset.Seq),
	)
	return nil
}

// ListUploadablePhotos returns photo assets awaiting upload whose owning
// record has already been acknowledged by the server, ordered by owner and
// sequence. Photos of unacknowledged records wait: the server cannot attach
// them to anything yet.
func (s *Store) ListUploadablePhotos(ctx context.Context) ([]models.PhotoAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.client_event_id, p.seq, p.local_path, p.content_type, p.sync_state,
			p.attempt_count, p.last_attempt_at, p.next_retry_at, p.last_error
		FROM photo_assets p
		JOIN activity_records r ON r.client_event_id = p.client_event_id
		WHERE p.sync_state IN ('pending', 'inflight') AND r.sync_state = 'synced'
		ORDER BY p.client_event_id ASC, p.seq ASC
	`)
	if err != nil {
		return nil, &StorageError{Op: "listUploadablePhotos", Err: err}
	}
	defer rows.Close()

	var assets []models.PhotoAsset
	for rows.Next() {
		asset, err := scanPhoto(rows)
		if err != nil {
			return nil, &StorageError{Op: "scanPhoto", Err: err}
		}
		assets = append(assets, *asset)
	}
	return assets, rows.Err()
}

// PendingPhotoCounts returns, per owning record, how many photo assets are
// not yet synced. A record with a non-zero count is not fully synced.
func (s *Store) PendingPhotoCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_event_id, COUNT(*)
		FROM photo_assets
		WHERE sync_state != 'synced'
		GROUP BY client_event_id
	`)
	if err != nil {
		return nil, &StorageError{Op: "pendingPhotoCounts", Err: err}
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, &StorageError{Op: "pendingPhotoCounts", Err: err}
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// MarkPhotoInflight transitions a photo to inflight and counts the attempt.
func (s *Store) MarkPhotoInflight(ctx context.Context, clientEventID string, seq int, attemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE photo_assets
		SET sync_state = 'inflight', attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE client_event_id = ? AND seq = ? AND sync_state IN ('pending', 'inflight')
	`, attemptAt.UnixMilli(), clientEventID, seq)
	if err != nil {
		return &StorageError{Op: "markPhotoInflight", Err: err}
	}
	return checkAffected(res)
}

// MarkPhotoSynced records a successful upload.
func (s *Store) MarkPhotoSynced(ctx context.Context, clientEventID string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE photo_assets
		SET sync_state = 'synced', next_retry_at = NULL, last_error = ''
		WHERE client_event_id = ? AND seq = ?
	`, clientEventID, seq)
	if err != nil {
		return &StorageError{Op: "markPhotoSynced", Err: err}
	}
	return checkAffected(res)
}

// MarkPhotoFailedAttempt puts a photo back to pending after a transient
// upload failure.
func (s *Store) MarkPhotoFailedAttempt(ctx context.Context, clientEventID string, seq int, lastError string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE photo_assets
		SET sync_state = 'pending', next_retry_at = ?, last_error = ?
		WHERE client_event_id = ? AND seq = ? AND sync_state IN ('pending', 'inflight')
	`, nextRetryAt.UnixMilli(), lastError, clientEventID, seq)
	if err != nil {
		return &StorageError{Op: "markPhotoFailedAttempt", Err: err}
	}
	return checkAffected(res)
}

// MarkPhotoFailed transitions a photo to the terminal failed state.
func (s *Store) MarkPhotoFailed(ctx context.Context, clientEventID string, seq int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE photo_assets
		SET sync_state = 'failed', next_retry_at = NULL, last_error = ?
		WHERE client_event_id = ? AND seq = ?
	`, lastError, clientEventID, seq)
	if err != nil {
		return &StorageError{Op: "markPhotoFailed", Err: err}
	}
	return checkAffected(res)
}

func scanPhoto(rows *sql.Rows) (*models.PhotoAsset, error) {
	var asset models.PhotoAsset
	var lastAttemptAt, nextRetryAt sql.NullInt64

	err := rows.Scan(
		&asset.ClientEventID,
		&asset.Seq,
		&asset.LocalPath,
		&asset.ContentType,
		&asset.SyncState,
		&asset.AttemptCount,
		&lastAttemptAt,
		&nextRetryAt,
		&asset.LastError,
	)
	if err != nil {
		return nil, err
	}
	asset.LastAttemptAt = millisPtr(lastAttemptAt)
	asset.NextRetryAt = millisPtr(nextRetryAt)
	return &asset, nil
}
