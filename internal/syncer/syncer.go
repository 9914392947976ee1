package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/agroflow/field-agent/internal/client"
	"github.com/agroflow/field-agent/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDrainInProgress is returned when a drain is triggered while another is
// running. Redundant triggers collapse into the in-progress cycle.
var ErrDrainInProgress = errors.New("drain already in progress")

// ErrStopped is returned when the coordinator has been told to shut down.
var ErrStopped = errors.New("sync coordinator stopped")

// Store is what the coordinator needs from the local durable store.
type Store interface {
	ListPending(ctx context.Context, fieldID string) ([]models.ActivityRecord, error)
	FailedBarriers(ctx context.Context) (map[string]int64, error)
	MarkInflight(ctx context.Context, clientEventID string, attemptAt time.Time) error
	MarkSynced(ctx context.Context, clientEventID, serverRecordID string) error
	MarkFailedAttempt(ctx context.Context, clientEventID, lastError string, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, clientEventID, lastError string) error

	ListUploadablePhotos(ctx context.Context) ([]models.PhotoAsset, error)
	MarkPhotoInflight(ctx context.Context, clientEventID string, seq int, attemptAt time.Time) error
	MarkPhotoSynced(ctx context.Context, clientEventID string, seq int) error
	MarkPhotoFailedAttempt(ctx context.Context, clientEventID string, seq int, lastError string, nextRetryAt time.Time) error
	MarkPhotoFailed(ctx context.Context, clientEventID string, seq int, lastError string) error
}

// DeliveryClient is what the coordinator needs from the backend client.
type DeliveryClient interface {
	DeliverActivity(ctx context.Context, req models.DeliveryRequest) (*models.DeliveryResponse, error)
	UploadPhoto(ctx context.Context, clientEventID string, seq int, contentType string, body io.Reader) error
}

// Policy holds the retry knobs. The defaults are policy choices, documented
// in DESIGN.md.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 8,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Coordinator drains the pending queue: idempotent delivery, retry with
// backoff, strict per-field FIFO. Only one drain runs at a time; concurrent
// triggers get ErrDrainInProgress and piggyback on the running cycle.
type Coordinator struct {
	store  Store
	client DeliveryClient
	policy Policy
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	running     bool
	stopped     bool
	lastSession *models.SyncSession
}

func New(store Store, deliveryClient DeliveryClient, policy Policy, logger *zap.Logger) *Coordinator {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Coordinator{
		store:  store,
		client: deliveryClient,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Drain runs one sync cycle: deliver due records field by field in client
// timestamp order, then upload photos of acknowledged records. Per-item
// errors never escape the cycle; they land in each record's bookkeeping.
func (c *Coordinator) Drain(ctx context.Context) (*models.SyncSession, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	if c.running {
		c.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	c.running = true
	c.mu.Unlock()

	session := &models.SyncSession{
		ID:        uuid.NewString(),
		StartedAt: c.now(),
	}
	defer func() {
		session.CompletedAt = c.now()
		c.mu.Lock()
		c.running = false
		c.lastSession = session
		c.mu.Unlock()

		c.logger.Info("Sync session completed",
			zap.String("session_id", session.ID),
			zap.Int("attempted", session.ItemsAttempted),
			zap.Int("succeeded", session.ItemsSucceeded),
			zap.Int("failed", session.ItemsFailed),
			zap.Int("photos_uploaded", session.PhotosUploaded),
		)
	}()

	pending, err := c.store.ListPending(ctx, "")
	if err != nil {
		c.logger.Error("Failed to list pending records", zap.Error(err))
		return session, err
	}
	barriers, err := c.store.FailedBarriers(ctx)
	if err != nil {
		c.logger.Error("Failed to read failed barriers", zap.Error(err))
		return session, err
	}

	c.drainRecords(ctx, pending, barriers, session)
	c.drainPhotos(ctx, session)
	return session, nil
}

// Stop prevents new item starts. An in-flight request finishes or times out
// on its own, so no record is left inflight without a follow-up transition.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// LastSession returns the most recently completed drain summary, nil before
// the first cycle finishes.
func (c *Coordinator) LastSession() *models.SyncSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSession
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// drainRecords walks each field group in timestamp order. Delivery stops at
// the first non-success in a group: later records for that field must not
// overtake an unresolved older one.
func (c *Coordinator) drainRecords(ctx context.Context, pending []models.ActivityRecord, barriers map[string]int64, session *models.SyncSession) {
	groups := make(map[string][]models.ActivityRecord)
	var fields []string
	for _, rec := range pending {
		if _, ok := groups[rec.FieldID]; !ok {
			fields = append(fields, rec.FieldID)
		}
		groups[rec.FieldID] = append(groups[rec.FieldID], rec)
	}
	sort.Strings(fields)

	for _, fieldID := range fields {
		if c.isStopped() || ctx.Err() != nil {
			return
		}
		barrier, blocked := barriers[fieldID]
		for _, rec := range groups[fieldID] {
			if c.isStopped() || ctx.Err() != nil {
				return
			}
			// A failed record the operator has not skipped blocks
			// everything younger in its field.
			if blocked && rec.ClientTimestamp >= barrier {
				break
			}
			// The head not being due keeps the whole group waiting;
			// delivering a younger record first would break causal order.
			if rec.NextRetryAt != nil && rec.NextRetryAt.After(c.now()) {
				break
			}
			if !c.deliverRecord(ctx, rec, session) {
				break
			}
		}
	}
}

// deliverRecord attempts one idempotent delivery. Returns true when the
// field group may advance past this record.
func (c *Coordinator) deliverRecord(ctx context.Context, rec models.ActivityRecord, session *models.SyncSession) bool {
	session.ItemsAttempted++

	if err := c.store.MarkInflight(ctx, rec.ClientEventID, c.now()); err != nil {
		c.logger.Error("Failed to mark record inflight",
			zap.String("client_event_id", rec.ClientEventID), zap.Error(err))
		return false
	}
	attemptsUsed := rec.AttemptCount + 1

	payload, err := models.EncodePayload(rec.Payload)
	if err != nil {
		// Undeliverable as stored; terminal, visible, never silently dropped.
		session.ItemsFailed++
		c.markTerminal(ctx, rec.ClientEventID, fmt.Sprintf("unencodable payload: %v", err))
		return false
	}

	resp, err := c.client.DeliverActivity(ctx, models.DeliveryRequest{
		ClientEventID:   rec.ClientEventID,
		StrategyID:      rec.StrategyID,
		VersionNumber:   rec.VersionNumber,
		UserID:          rec.UserID,
		FieldID:         rec.FieldID,
		ActivityType:    rec.ActivityType,
		Status:          rec.Status,
		ClientTimestamp: rec.ClientTimestamp,
		Payload:         payload,
	})

	switch {
	case err == nil:
		// Duplicate acknowledgment lands here too: the server already has
		// the record, so this is a success for our purposes.
		if markErr := c.store.MarkSynced(ctx, rec.ClientEventID, resp.ServerRecordID); markErr != nil {
			c.logger.Error("Failed to mark record synced",
				zap.String("client_event_id", rec.ClientEventID), zap.Error(markErr))
			return false
		}
		session.ItemsSucceeded++
		return true

	case client.IsRejected(err):
		session.ItemsFailed++
		c.markTerminal(ctx, rec.ClientEventID, err.Error())
		c.logger.Warn("Record rejected by backend",
			zap.String("client_event_id", rec.ClientEventID),
			zap.String("field_id", rec.FieldID),
			zap.Error(err))
		return false

	default:
		if attemptsUsed >= c.policy.MaxAttempts {
			session.ItemsFailed++
			c.markTerminal(ctx, rec.ClientEventID,
				fmt.Sprintf("retry attempts exhausted after %d tries: %v", attemptsUsed, err))
			c.logger.Warn("Record retry budget exhausted",
				zap.String("client_event_id", rec.ClientEventID),
				zap.Int("attempts", attemptsUsed))
			return false
		}
		next := c.now().Add(backoffDelay(attemptsUsed, c.policy.BackoffBase, c.policy.BackoffMax))
		if markErr := c.store.MarkFailedAttempt(ctx, rec.ClientEventID, err.Error(), next); markErr != nil {
			c.logger.Error("Failed to record delivery attempt",
				zap.String("client_event_id", rec.ClientEventID), zap.Error(markErr))
		}
		c.logger.Debug("Transient delivery failure",
			zap.String("client_event_id", rec.ClientEventID),
			zap.Int("attempt", attemptsUsed),
			zap.Time("next_retry_at", next),
			zap.Error(err))
		return false
	}
}

// drainPhotos uploads due photo assets of acknowledged records. Photos carry
// their own retry cycle and never block record delivery.
func (c *Coordinator) drainPhotos(ctx context.Context, session *models.SyncSession) {
	assets, err := c.store.ListUploadablePhotos(ctx)
	if err != nil {
		c.logger.Error("Failed to list uploadable photos", zap.Error(err))
		return
	}

	for _, asset := range assets {
		if c.isStopped() || ctx.Err() != nil {
			return
		}
		if asset.NextRetryAt != nil && asset.NextRetryAt.After(c.now()) {
			continue
		}
		c.uploadPhoto(ctx, asset, session)
	}
}

func (c *Coordinator) uploadPhoto(ctx context.Context, asset models.PhotoAsset, session *models.SyncSession) {
	if err := c.store.MarkPhotoInflight(ctx, asset.ClientEventID, asset.Seq, c.now()); err != nil {
		c.logger.Error("Failed to mark photo inflight",
			zap.String("client_event_id", asset.ClientEventID),
			zap.Int("seq", asset.Seq), zap.Error(err))
		return
	}
	attemptsUsed := asset.AttemptCount + 1

	f, err := os.Open(asset.LocalPath)
	if err != nil {
		// The local file is gone; no retry can fix that.
		c.markPhotoTerminal(ctx, asset, fmt.Sprintf("local file unavailable: %v", err))
		return
	}
	defer f.Close()

	err = c.client.UploadPhoto(ctx, asset.ClientEventID, asset.Seq, asset.ContentType, f)
	switch {
	case err == nil:
		if markErr := c.store.MarkPhotoSynced(ctx, asset.ClientEventID, asset.Seq); markErr != nil {
			c.logger.Error("Failed to mark photo synced",
				zap.String("client_event_id", asset.ClientEventID),
				zap.Int("seq", asset.Seq), zap.Error(markErr))
			return
		}
		session.PhotosUploaded++

	case client.IsRejected(err):
		c.markPhotoTerminal(ctx, asset, err.Error())

	default:
		if attemptsUsed >= c.policy.MaxAttempts {
			c.markPhotoTerminal(ctx, asset,
				fmt.Sprintf("retry attempts exhausted after %d tries: %v", attemptsUsed, err))
			return
		}
		next := c.now().Add(backoffDelay(attemptsUsed, c.policy.BackoffBase, c.policy.BackoffMax))
		if markErr := c.store.MarkPhotoFailedAttempt(ctx, asset.ClientEventID, asset.Seq, err.Error(), next); markErr != nil {
			c.logger.Error("Failed to record photo upload attempt",
				zap.String("client_event_id", asset.ClientEventID),
				zap.Int("seq", asset.Seq), zap.Error(markErr))
		}
	}
}

func (c *Coordinator) markTerminal(ctx context.Context, clientEventID, reason string) {
	if err := c.store.MarkFailed(ctx, clientEventID, reason); err != nil {
		c.logger.Error("Failed to mark record failed",
			zap.String("client_event_id", clientEventID), zap.Error(err))
	}
}

func (c *Coordinator) markPhotoTerminal(ctx context.Context, asset models.PhotoAsset, reason string) {
	if err := c.store.MarkPhotoFailed(ctx, asset.ClientEventID, asset.Seq, reason); err != nil {
		c.logger.Error("Failed to mark photo failed",
			zap.String("client_event_id", asset.ClientEventID),
			zap.Int("seq", asset.Seq), zap.Error(err))
	}
}
