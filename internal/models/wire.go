package models

import "encoding/json"

// DeliveryRequest is the body sent to the remote delivery endpoint. The
// clientEventId doubles as the idempotency key.
type DeliveryRequest struct {
	ClientEventID   string          `json:"clientEventId"`
	StrategyID      string          `json:"strategyId"`
	VersionNumber   int             `json:"versionNumber"`
	UserID          string          `json:"userId"`
	FieldID         string          `json:"fieldId"`
	ActivityType    ActivityType    `json:"activityType"`
	Status          ActivityStatus  `json:"status"`
	ClientTimestamp int64           `json:"clientTimestamp"`
	Payload         json.RawMessage `json:"payload"`
}

// DeliveryResponse is the remote delivery endpoint's answer. Duplicate means
// the idempotency key was already processed; callers treat that as success.
type DeliveryResponse struct {
	ServerRecordID string `json:"serverRecordId"`
	Accepted       bool   `json:"accepted"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ActivitySummaryItem is one confirmed activity returned by the remote
// summary endpoint. It carries the original clientEventId back so the
// timeline merger can correlate it with local records.
type ActivitySummaryItem struct {
	ClientEventID  string          `json:"clientEventId"`
	ServerRecordID string          `json:"serverRecordId"`
	FieldID        string          `json:"fieldId"`
	ActivityType   ActivityType    `json:"activityType"`
	Status         ActivityStatus  `json:"status"`
	Timestamp      int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ActivitySummary is the remote summary response, scoped by strategy and
// version on the request.
type ActivitySummary struct {
	Activities      []ActivitySummaryItem `json:"activities"`
	ProgressPercent float64               `json:"progressPercent"`
	LastSyncedAt    int64                 `json:"lastSyncedAt"`
}
