package models

import "time"

// SyncSession summarizes one drain cycle. Sessions are ephemeral: they feed
// the status endpoint and test assertions, nothing persists them.
type SyncSession struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	ItemsAttempted int       `json:"itemsAttempted"`
	ItemsSucceeded int       `json:"itemsSucceeded"`
	ItemsFailed    int       `json:"itemsFailed"`
	PhotosUploaded int       `json:"photosUploaded"`
}
