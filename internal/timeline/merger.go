package timeline

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/agroflow/field-agent/internal/models"

	"go.uber.org/zap"
)

// Entry is one row of the merged activity feed.
type Entry struct {
	ClientEventID  string                `json:"clientEventId"`
	ServerRecordID string                `json:"serverRecordId,omitempty"`
	FieldID        string                `json:"fieldId"`
	ActivityType   models.ActivityType   `json:"activityType"`
	Status         models.ActivityStatus `json:"status"`
	Timestamp      int64                 `json:"timestamp"`
	Payload        json.RawMessage       `json:"payload,omitempty"`
	SyncState      models.SyncState      `json:"syncState"`
	PendingSync    bool                  `json:"pendingSync"`
	LastError      string                `json:"lastError,omitempty"`
}

// Snapshot is the merged feed plus the remote aggregates when the summary
// fetch succeeded.
type Snapshot struct {
	Entries         []Entry   `json:"entries"`
	RemoteAvailable bool      `json:"remoteAvailable"`
	ProgressPercent float64   `json:"progressPercent"`
	LastSyncedAt    int64     `json:"lastSyncedAt"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// Merge combines local records with the remote confirmed summary into one
// ordered, de-duplicated feed. Confirmed records prefer the remote version,
// which may carry server-enriched fields. Unconfirmed local records are
// flagged pending sync, as is a confirmed record whose photos are still
// outstanding (pendingPhotos maps clientEventId to its unsynced photo count).
// The merge is deterministic: identical inputs yield an identical sequence.
func Merge(local []models.ActivityRecord, remote []models.ActivitySummaryItem, pendingPhotos map[string]int) []Entry {
	remoteByID := make(map[string]models.ActivitySummaryItem, len(remote))
	for _, item := range remote {
		remoteByID[item.ClientEventID] = item
	}

	entries := make([]Entry, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local))

	for _, rec := range local {
		seen[rec.ClientEventID] = struct{}{}
		photosOutstanding := pendingPhotos[rec.ClientEventID] > 0

		if rec.SyncState == models.SyncSynced {
			if item, ok := remoteByID[rec.ClientEventID]; ok {
				entries = append(entries, Entry{
					ClientEventID:  item.ClientEventID,
					ServerRecordID: item.ServerRecordID,
					FieldID:        item.FieldID,
					ActivityType:   item.ActivityType,
					Status:         item.Status,
					Timestamp:      item.Timestamp,
					Payload:        item.Payload,
					SyncState:      models.SyncSynced,
					PendingSync:    photosOutstanding,
				})
				continue
			}
		}

		payload, err := models.EncodePayload(rec.Payload)
		if err != nil {
			payload = nil
		}
		entries = append(entries, Entry{
			ClientEventID:  rec.ClientEventID,
			ServerRecordID: rec.ServerRecordID,
			FieldID:        rec.FieldID,
			ActivityType:   rec.ActivityType,
			Status:         rec.Status,
			Timestamp:      rec.ClientTimestamp,
			Payload:        payload,
			SyncState:      rec.SyncState,
			PendingSync:    rec.SyncState != models.SyncSynced || photosOutstanding,
			LastError:      rec.LastError,
		})
	}

	// Remote-only items: confirmed on the server but no longer held locally,
	// typically because retention pruned the synced row.
	for _, item := range remote {
		if _, ok := seen[item.ClientEventID]; ok {
			continue
		}
		entries = append(entries, Entry{
			ClientEventID:  item.ClientEventID,
			ServerRecordID: item.ServerRecordID,
			FieldID:        item.FieldID,
			ActivityType:   item.ActivityType,
			Status:         item.Status,
			Timestamp:      item.Timestamp,
			Payload:        item.Payload,
			SyncState:      models.SyncSynced,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp > entries[j].Timestamp
		}
		return entries[i].ClientEventID < entries[j].ClientEventID
	})
	return entries
}

// Store is what the timeline needs from the local durable store.
type Store interface {
	ListRecent(ctx context.Context, limit int) ([]models.ActivityRecord, error)
	PendingPhotoCounts(ctx context.Context) (map[string]int, error)
}

// SummaryClient fetches the remote confirmed-activity summary.
type SummaryClient interface {
	FetchSummary(ctx context.Context, strategyID string, versionNumber, limit int) (*models.ActivitySummary, error)
}

// Service renders merged timeline snapshots. The remote fetch is best-effort;
// an offline device still gets a local-only view.
type Service struct {
	store         Store
	client        SummaryClient
	strategyID    string
	versionNumber int
	limit         int
	logger        *zap.Logger
}

func NewService(store Store, client SummaryClient, strategyID string, versionNumber, limit int, logger *zap.Logger) *Service {
	return &Service{
		store:         store,
		client:        client,
		strategyID:    strategyID,
		versionNumber: versionNumber,
		limit:         limit,
		logger:        logger,
	}
}

// Snapshot produces the current merged feed. Local store errors propagate;
// remote summary errors degrade to a local-only snapshot.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	local, err := s.store.ListRecent(ctx, s.limit)
	if err != nil {
		return nil, err
	}
	pendingPhotos, err := s.store.PendingPhotoCounts(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{GeneratedAt: time.Now()}
	var remote []models.ActivitySummaryItem
	summary, err := s.client.FetchSummary(ctx, s.strategyID, s.versionNumber, s.limit)
	if err != nil {
		s.logger.Debug("Summary fetch failed, rendering local-only timeline", zap.Error(err))
	} else {
		remote = summary.Activities
		snap.RemoteAvailable = true
		snap.ProgressPercent = summary.ProgressPercent
		snap.LastSyncedAt = summary.LastSyncedAt
	}

	snap.Entries = Merge(local, remote, pendingPhotos)
	return snap, nil
}
