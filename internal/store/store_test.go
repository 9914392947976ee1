package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agroflow/field-agent/internal/database"
	"github.com/agroflow/field-agent/internal/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, zap.NewNop())
}

func newRecord(id, fieldID string, ts int64) *models.ActivityRecord {
	return &models.ActivityRecord{
		ClientEventID:   id,
		StrategyID:      "s-1",
		VersionNumber:   1,
		UserID:          "u-1",
		FieldID:         fieldID,
		ActivityType:    models.TypeScouting,
		Status:          models.StatusCompleted,
		Payload:         models.ScoutingPayload{Latitude: 41.0, Longitude: -93.0},
		ClientTimestamp: ts,
	}
}

func TestAppendAndListPendingOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Appended out of timestamp order on purpose.
	require.NoError(t, s.Append(ctx, newRecord("e2", "F1", 200)))
	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))
	require.NoError(t, s.Append(ctx, newRecord("e3", "F2", 150)))

	pending, err := s.ListPending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "e1", pending[0].ClientEventID)
	require.Equal(t, "e3", pending[1].ClientEventID)
	require.Equal(t, "e2", pending[2].ClientEventID)

	f1, err := s.ListPending(ctx, "F1")
	require.NoError(t, err)
	require.Len(t, f1, 2)
	require.Equal(t, "e1", f1[0].ClientEventID)
}

func TestAppendDuplicateKeyFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))
	err := s.Append(ctx, newRecord("e1", "F1", 100))
	require.Error(t, err)

	var se *StorageError
	require.True(t, errors.As(err, &se))
}

func TestAppendPayloadTypeMismatch(t *testing.T) {
	s := newTestStore(t)
	rec := newRecord("e1", "F1", 100)
	rec.ActivityType = models.TypeCostUpdate // payload is scouting

	err := s.Append(context.Background(), rec)
	require.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))

	require.NoError(t, s.MarkInflight(ctx, "e1", now))
	rec, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, models.SyncInflight, rec.SyncState)
	require.Equal(t, 1, rec.AttemptCount)
	require.NotNil(t, rec.LastAttemptAt)

	require.NoError(t, s.MarkSynced(ctx, "e1", "srv-1"))
	rec, err = s.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, models.SyncSynced, rec.SyncState)
	require.Equal(t, "srv-1", rec.ServerRecordID)

	// Synced records no longer count as pending.
	count, err := s.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMarkFailedAttemptKeepsPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	next := now.Add(30 * time.Second)

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))
	require.NoError(t, s.MarkInflight(ctx, "e1", now))
	require.NoError(t, s.MarkFailedAttempt(ctx, "e1", "connection refused", next))

	rec, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, models.SyncPending, rec.SyncState)
	require.Equal(t, 1, rec.AttemptCount)
	require.Equal(t, "connection refused", rec.LastError)
	require.NotNil(t, rec.NextRetryAt)
	require.Equal(t, next.UnixMilli(), rec.NextRetryAt.UnixMilli())

	// Still pending, so still listed for delivery.
	pending, err := s.ListPending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestInflightSurvivesAsPendingWork(t *testing.T) {
	// A crash mid-delivery leaves the record inflight; it must still be
	// listed so the next drain retries it.
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))
	require.NoError(t, s.MarkInflight(ctx, "e1", time.Now()))

	pending, err := s.ListPending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, models.SyncInflight, pending[0].SyncState)
}

func TestFailedBarrierAndSkip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))
	require.NoError(t, s.Append(ctx, newRecord("e2", "F1", 200)))
	require.NoError(t, s.MarkFailed(ctx, "e1", "rejected: bad payload"))

	failed, err := s.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "e1", failed[0].ClientEventID)

	barriers, err := s.FailedBarriers(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), barriers["F1"])

	require.NoError(t, s.SkipFailed(ctx, "e1"))

	barriers, err = s.FailedBarriers(ctx)
	require.NoError(t, err)
	require.NotContains(t, barriers, "F1")

	// Skipped records disappear from the actionable failed list.
	failed, err = s.ListFailed(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestRetryFailedResetsBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))
	require.NoError(t, s.MarkInflight(ctx, "e1", time.Now()))
	require.NoError(t, s.MarkFailed(ctx, "e1", "retry attempts exhausted"))

	require.NoError(t, s.RetryFailed(ctx, "e1"))
	rec, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, models.SyncPending, rec.SyncState)
	require.Zero(t, rec.AttemptCount)
	require.Empty(t, rec.LastError)
	require.Nil(t, rec.NextRetryAt)
}

func TestRetryFailedOnlyAppliesToFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))
	require.ErrorIs(t, s.RetryFailed(ctx, "e1"), ErrNotFound)
	require.ErrorIs(t, s.RetryFailed(ctx, "missing"), ErrNotFound)
}

func TestPruneSyncedOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UnixMilli()

	require.NoError(t, s.Append(ctx, newRecord("old-synced", "F1", old)))
	require.NoError(t, s.Append(ctx, newRecord("old-pending", "F1", old)))
	require.NoError(t, s.MarkSynced(ctx, "old-synced", "srv-1"))

	pruned, err := s.PruneSynced(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	_, err = s.Get(ctx, "old-synced")
	require.ErrorIs(t, err, ErrNotFound)

	// Non-synced records are never deleted.
	rec, err := s.Get(ctx, "old-pending")
	require.NoError(t, err)
	require.Equal(t, models.SyncPending, rec.SyncState)
}

func TestPruneKeepsRecordsWithUnsyncedPhotos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UnixMilli()

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", old)))
	require.NoError(t, s.MarkSynced(ctx, "e1", "srv-1"))
	require.NoError(t, s.AppendPhoto(ctx, &models.PhotoAsset{
		ClientEventID: "e1", Seq: 1, LocalPath: "/tmp/p1.jpg", ContentType: "image/jpeg",
	}))

	pruned, err := s.PruneSynced(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, pruned)
}

func TestAppendWithPhotosIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Duplicate seq makes the second photo insert fail; nothing from the
	// capture may survive, so a resubmit with the same id succeeds cleanly.
	rec := newRecord("e1", "F1", 100)
	err := s.AppendWithPhotos(ctx, rec, []*models.PhotoAsset{
		{ClientEventID: "e1", Seq: 1, LocalPath: "/tmp/p1.jpg", ContentType: "image/jpeg"},
		{ClientEventID: "e1", Seq: 1, LocalPath: "/tmp/p2.jpg", ContentType: "image/jpeg"},
	})
	require.Error(t, err)

	var se *StorageError
	require.True(t, errors.As(err, &se))
	_, err = s.Get(ctx, "e1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AppendWithPhotos(ctx, newRecord("e1", "F1", 100), []*models.PhotoAsset{
		{ClientEventID: "e1", Seq: 1, LocalPath: "/tmp/p1.jpg", ContentType: "image/jpeg"},
		{ClientEventID: "e1", Seq: 2, LocalPath: "/tmp/p2.jpg", ContentType: "image/jpeg"},
	}))

	counts, err := s.PendingPhotoCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts["e1"])
}

func TestPhotoLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Append(ctx, newRecord("e1", "F1", 100)))
	require.NoError(t, s.AppendPhoto(ctx, &models.PhotoAsset{
		ClientEventID: "e1", Seq: 1, LocalPath: "/tmp/p1.jpg", ContentType: "image/jpeg",
	}))
	require.NoError(t, s.AppendPhoto(ctx, &models.PhotoAsset{
		ClientEventID: "e1", Seq: 2, LocalPath: "/tmp/p2.jpg", ContentType: "image/jpeg",
	}))

	// Photos wait until the owning record is acknowledged.
	uploadable, err := s.ListUploadablePhotos(ctx)
	require.NoError(t, err)
	require.Empty(t, uploadable)

	require.NoError(t, s.MarkSynced(ctx, "e1", "srv-1"))
	uploadable, err = s.ListUploadablePhotos(ctx)
	require.NoError(t, err)
	require.Len(t, uploadable, 2)
	require.Equal(t, 1, uploadable[0].Seq)

	counts, err := s.PendingPhotoCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts["e1"])

	require.NoError(t, s.MarkPhotoInflight(ctx, "e1", 1, now))
	require.NoError(t, s.MarkPhotoSynced(ctx, "e1", 1))
	require.NoError(t, s.MarkPhotoInflight(ctx, "e1", 2, now))
	require.NoError(t, s.MarkPhotoFailedAttempt(ctx, "e1", 2, "timeout", now.Add(time.Minute)))

	counts, err = s.PendingPhotoCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts["e1"])

	uploadable, err = s.ListUploadablePhotos(ctx)
	require.NoError(t, err)
	require.Len(t, uploadable, 1)
	require.Equal(t, 2, uploadable[0].Seq)
	require.Equal(t, 1, uploadable[0].AttemptCount)
	require.Equal(t, "timeout", uploadable[0].LastError)
}

func TestMarkUnknownRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.ErrorIs(t, s.MarkInflight(ctx, "missing", time.Now()), ErrNotFound)
	require.ErrorIs(t, s.MarkSynced(ctx, "missing", "srv"), ErrNotFound)
	require.ErrorIs(t, s.MarkPhotoSynced(ctx, "missing", 1), ErrNotFound)
}
