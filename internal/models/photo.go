package models

import "time"

// PhotoAsset is a binary payload owned by an ActivityRecord, keyed by the
// owning clientEventId plus a sequence number. Photos are uploaded separately
// from the record because of size, with their own retry bookkeeping; the
// owning record is not fully synced until all of its photos are.
type PhotoAsset struct {
	ClientEventID string     `json:"clientEventId"`
	Seq           int        `json:"seq"`
	LocalPath     string     `json:"localPath"`
	ContentType   string     `json:"contentType"`
	SyncState     SyncState  `json:"syncState"`
	AttemptCount  int        `json:"attemptCount"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}
