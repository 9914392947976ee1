package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/agroflow/field-agent/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ValidationError reports a capture input the recorder refused to persist.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Store is what the recorder needs from the local durable store.
type Store interface {
	AppendWithPhotos(ctx context.Context, rec *models.ActivityRecord, photos []*models.PhotoAsset) error
}

// SyncTrigger lets the recorder nudge the scheduler after a capture. The
// nudge is best-effort; the record is already durable either way.
type SyncTrigger interface {
	Wake()
}

// PhotoInput references one locally captured photo file.
type PhotoInput struct {
	LocalPath   string `json:"localPath"`
	ContentType string `json:"contentType"`
}

// CaptureInput is one operator-entered activity. ClientEventID and
// ClientTimestamp are optional; the recorder assigns them when absent so a
// capture UI that supplies its own identifiers stays idempotent on resubmit.
type CaptureInput struct {
	ClientEventID   string                `json:"clientEventId,omitempty"`
	FieldID         string                `json:"fieldId"`
	Status          models.ActivityStatus `json:"status"`
	ClientTimestamp int64                 `json:"clientTimestamp,omitempty"`
	Payload         models.Payload        `json:"-"`
	Photos          []PhotoInput          `json:"photos,omitempty"`
}

// Recorder turns capture inputs into durable pending records, scoped to the
// operator's strategy, then nudges the scheduler.
type Recorder struct {
	store         Store
	trigger       SyncTrigger
	strategyID    string
	versionNumber int
	userID        string
	logger        *zap.Logger
	now           func() time.Time
}

func New(store Store, trigger SyncTrigger, strategyID string, versionNumber int, userID string, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:         store,
		trigger:       trigger,
		strategyID:    strategyID,
		versionNumber: versionNumber,
		userID:        userID,
		logger:        logger,
		now:           time.Now,
	}
}

// Capture validates and persists one activity plus its photo references.
// Persistence failures propagate to the caller so the capture UI can tell
// the operator immediately instead of silently losing the entry.
func (r *Recorder) Capture(ctx context.Context, input CaptureInput) (*models.ActivityRecord, error) {
	if err := r.validate(input); err != nil {
		return nil, err
	}

	rec := &models.ActivityRecord{
		ClientEventID:   input.ClientEventID,
		StrategyID:      r.strategyID,
		VersionNumber:   r.versionNumber,
		UserID:          r.userID,
		FieldID:         input.FieldID,
		ActivityType:    input.Payload.ActivityType(),
		Status:          input.Status,
		Payload:         input.Payload,
		ClientTimestamp: input.ClientTimestamp,
	}
	if rec.ClientEventID == "" {
		rec.ClientEventID = uuid.NewString()
	}
	if rec.ClientTimestamp == 0 {
		rec.ClientTimestamp = r.now().UnixMilli()
	}

	assets := make([]*models.PhotoAsset, 0, len(input.Photos))
	for i, photo := range input.Photos {
		assets = append(assets, &models.PhotoAsset{
			ClientEventID: rec.ClientEventID,
			Seq:           i + 1,
			LocalPath:     photo.LocalPath,
			ContentType:   photo.ContentType,
		})
	}

	// One transaction: the record and its photos become durable together.
	if err := r.store.AppendWithPhotos(ctx, rec, assets); err != nil {
		return nil, err
	}

	r.logger.Info("Activity captured",
		zap.String("client_event_id", rec.ClientEventID),
		zap.String("field_id", rec.FieldID),
		zap.String("activity_type", string(rec.ActivityType)),
		zap.Int("photos", len(input.Photos)),
	)

	if r.trigger != nil {
		r.trigger.Wake()
	}
	return rec, nil
}

func (r *Recorder) validate(input CaptureInput) error {
	if input.FieldID == "" {
		return &ValidationError{Field: "fieldId", Message: "required"}
	}
	if input.Payload == nil {
		return &ValidationError{Field: "payload", Message: "required"}
	}
	if !models.ValidStatus(input.Status) {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", input.Status)}
	}
	for i, photo := range input.Photos {
		if photo.LocalPath == "" {
			return &ValidationError{Field: "photos", Message: fmt.Sprintf("photo %d has no local path", i+1)}
		}
		if photo.ContentType == "" {
			return &ValidationError{Field: "photos", Message: fmt.Sprintf("photo %d has no content type", i+1)}
		}
	}
	return nil
}
