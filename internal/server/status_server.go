package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agroflow/field-agent/internal/models"
	"github.com/agroflow/field-agent/internal/recorder"
	"github.com/agroflow/field-agent/internal/store"
	"github.com/agroflow/field-agent/internal/timeline"

	"go.uber.org/zap"
)

// Queue is what the server needs from the local durable store.
type Queue interface {
	CountPending(ctx context.Context) (int, error)
	ListFailed(ctx context.Context) ([]models.ActivityRecord, error)
	RetryFailed(ctx context.Context, clientEventID string) error
	SkipFailed(ctx context.Context, clientEventID string) error
}

// Syncer exposes the coordinator's last completed session.
type Syncer interface {
	LastSession() *models.SyncSession
}

// Trigger requests an immediate drain on operator action.
type Trigger interface {
	SyncNow()
}

// TimelineSource renders the merged activity feed.
type TimelineSource interface {
	Snapshot(ctx context.Context) (*timeline.Snapshot, error)
}

// Connectivity reports the monitor's published state.
type Connectivity interface {
	Online() bool
}

// Capturer accepts new activities from the capture UI.
type Capturer interface {
	Capture(ctx context.Context, input recorder.CaptureInput) (*models.ActivityRecord, error)
}

// recordRef identifies one record in retry/skip requests.
type recordRef struct {
	ClientEventID string `json:"clientEventId"`
}

// captureRequest is the body accepted by the capture endpoint. The payload
// field carries the type-discriminated envelope form.
type captureRequest struct {
	ClientEventID   string                `json:"clientEventId,omitempty"`
	FieldID         string                `json:"fieldId"`
	Status          models.ActivityStatus `json:"status"`
	ClientTimestamp int64                 `json:"clientTimestamp,omitempty"`
	Payload         json.RawMessage       `json:"payload"`
	Photos          []recorder.PhotoInput `json:"photos,omitempty"`
}

// StatusServer serves the local capture UI: queue status, the failed-item
// list with retry/skip actions, manual sync, the merged timeline, and
// activity capture. It binds to localhost only.
type StatusServer struct {
	queue    Queue
	syncer   Syncer
	trigger  Trigger
	timeline TimelineSource
	network  Connectivity
	capturer Capturer
	logger   *zap.Logger
}

func NewStatusServer(queue Queue, sync Syncer, trigger Trigger, tl TimelineSource, network Connectivity, capturer Capturer, logger *zap.Logger) *StatusServer {
	return &StatusServer{
		queue:    queue,
		syncer:   sync,
		trigger:  trigger,
		timeline: tl,
		network:  network,
		capturer: capturer,
		logger:   logger,
	}
}

// ServeHTTP implements http.Handler
func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The capture UI runs on a different local port
	s.setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.URL.Path {
	case "/api/v1/status":
		s.require(w, r, http.MethodGet, s.handleStatus)
	case "/api/v1/activities":
		s.require(w, r, http.MethodPost, s.handleCapture)
	case "/api/v1/failed":
		s.require(w, r, http.MethodGet, s.handleListFailed)
	case "/api/v1/failed/retry":
		s.require(w, r, http.MethodPost, s.handleRetryFailed)
	case "/api/v1/failed/skip":
		s.require(w, r, http.MethodPost, s.handleSkipFailed)
	case "/api/v1/sync":
		s.require(w, r, http.MethodPost, s.handleSyncNow)
	case "/api/v1/timeline":
		s.require(w, r, http.MethodGet, s.handleTimeline)
	case "/health":
		s.require(w, r, http.MethodGet, s.handleHealth)
	default:
		http.NotFound(w, r)
	}
}

func (s *StatusServer) require(w http.ResponseWriter, r *http.Request, method string, h http.HandlerFunc) {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h(w, r)
}

func (s *StatusServer) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// handleStatus reports the pending-count indicator plus connectivity and the
// last sync session.
func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.CountPending(r.Context())
	if err != nil {
		s.logger.Error("Failed to count pending records", zap.Error(err))
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}
	failed, err := s.queue.ListFailed(r.Context())
	if err != nil {
		s.logger.Error("Failed to list failed records", zap.Error(err))
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":       s.network.Online(),
		"pendingCount": pending,
		"failedCount":  len(failed),
		"lastSession":  s.syncer.LastSession(),
	})
}

// handleCapture accepts one new activity and persists it pending.
func (s *StatusServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode capture request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payload, err := models.DecodePayload(req.Payload)
	if err != nil {
		http.Error(w, "Invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.capturer.Capture(r.Context(), recorder.CaptureInput{
		ClientEventID:   req.ClientEventID,
		FieldID:         req.FieldID,
		Status:          req.Status,
		ClientTimestamp: req.ClientTimestamp,
		Payload:         payload,
		Photos:          req.Photos,
	})
	if err != nil {
		var verr *recorder.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		var serr *store.StorageError
		if errors.As(err, &serr) {
			// Surfaced synchronously so the UI never believes a lost
			// capture was saved.
			s.logger.Error("Capture persistence failed", zap.Error(err))
			http.Error(w, "Storage error", http.StatusInternalServerError)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"clientEventId":   rec.ClientEventID,
		"clientTimestamp": rec.ClientTimestamp,
		"syncState":       rec.SyncState,
	})
}

// handleListFailed lists terminal failures awaiting operator action.
func (s *StatusServer) handleListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.queue.ListFailed(r.Context())
	if err != nil {
		s.logger.Error("Failed to list failed records", zap.Error(err))
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, 0, len(failed))
	for _, rec := range failed {
		items = append(items, map[string]interface{}{
			"clientEventId":   rec.ClientEventID,
			"fieldId":         rec.FieldID,
			"activityType":    rec.ActivityType,
			"clientTimestamp": rec.ClientTimestamp,
			"attemptCount":    rec.AttemptCount,
			"lastError":       rec.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"failed": items})
}

// handleRetryFailed revives one failed record with a fresh retry budget and
// nudges a drain.
func (s *StatusServer) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	s.mutateFailed(w, r, s.queue.RetryFailed, true)
}

// handleSkipFailed marks one failed record skipped so it no longer blocks
// its field's queue.
func (s *StatusServer) handleSkipFailed(w http.ResponseWriter, r *http.Request) {
	s.mutateFailed(w, r, s.queue.SkipFailed, false)
}

func (s *StatusServer) mutateFailed(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, drainAfter bool) {
	var ref recordRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil || ref.ClientEventID == "" {
		http.Error(w, "Missing clientEventId", http.StatusBadRequest)
		return
	}

	if err := op(r.Context(), ref.ClientEventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "No such failed record", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed-record action failed",
			zap.String("client_event_id", ref.ClientEventID), zap.Error(err))
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}

	if drainAfter {
		s.trigger.SyncNow()
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSyncNow triggers an immediate drain. The drain runs in the
// background; the response only acknowledges the trigger.
func (s *StatusServer) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	s.trigger.SyncNow()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// handleTimeline renders the merged activity feed.
func (s *StatusServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	snap, err := s.timeline.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to build timeline snapshot", zap.Error(err))
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
