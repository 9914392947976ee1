package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityType discriminates the payload variants an activity record can carry.
type ActivityType string

const (
	TypeApplication  ActivityType = "application"
	TypeScouting     ActivityType = "scouting"
	TypeCostUpdate   ActivityType = "costUpdate"
	TypeYieldCheck   ActivityType = "yieldCheck"
	TypePhotoCapture ActivityType = "photoCapture"
)

// ActivityStatus is the business status of the recorded activity.
type ActivityStatus string

const (
	StatusScheduled  ActivityStatus = "scheduled"
	StatusInProgress ActivityStatus = "inProgress"
	StatusCompleted  ActivityStatus = "completed"
	StatusDelayed    ActivityStatus = "delayed"
)

// SyncState tracks where a record sits in the delivery lifecycle.
// Transitions are pending -> inflight -> (synced | pending); failed is
// terminal until an explicit operator retry.
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncInflight SyncState = "inflight"
	SyncSynced   SyncState = "synced"
	SyncFailed   SyncState = "failed"
)

// ActivityRecord is the unit of work: a single field activity captured on the
// client, durably stored until the backend acknowledges it. ClientEventID is
// the idempotency key and never changes once assigned.
type ActivityRecord struct {
	ClientEventID   string         `json:"clientEventId"`
	StrategyID      string         `json:"strategyId"`
	VersionNumber   int            `json:"versionNumber"`
	UserID          string         `json:"userId"`
	FieldID         string         `json:"fieldId"`
	ActivityType    ActivityType   `json:"activityType"`
	Status          ActivityStatus `json:"status"`
	Payload         Payload        `json:"payload"`
	ClientTimestamp int64          `json:"clientTimestamp"` // Unix timestamp in milliseconds

	SyncState      SyncState  `json:"syncState"`
	AttemptCount   int        `json:"attemptCount"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	ServerRecordID string     `json:"serverRecordId,omitempty"`
	Skipped        bool       `json:"skipped,omitempty"`
}

// Payload is the closed set of variant-specific activity data. The unexported
// method keeps the set closed so decoding can be exhaustive.
type Payload interface {
	ActivityType() ActivityType
	isPayload()
}

// ApplicationPayload describes a product application pass.
type ApplicationPayload struct {
	Product     string  `json:"product"`
	RatePerAcre float64 `json:"ratePerAcre"`
	AcresDone   float64 `json:"acresDone,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

func (ApplicationPayload) ActivityType() ActivityType { return TypeApplication }
func (ApplicationPayload) isPayload()                 {}

// ScoutingPayload carries a scouting observation with its GPS fix.
type ScoutingPayload struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Observations string  `json:"observations,omitempty"`
	PestPressure string  `json:"pestPressure,omitempty"`
}

func (ScoutingPayload) ActivityType() ActivityType { return TypeScouting }
func (ScoutingPayload) isPayload()                 {}

// CostUpdatePayload summarizes a cost revision for the field.
type CostUpdatePayload struct {
	TotalCost   float64 `json:"totalCost"`
	CostPerAcre float64 `json:"costPerAcre"`
	Notes       string  `json:"notes,omitempty"`
}

func (CostUpdatePayload) ActivityType() ActivityType { return TypeCostUpdate }
func (CostUpdatePayload) isPayload()                 {}

// YieldCheckPayload records an in-season yield estimate.
type YieldCheckPayload struct {
	EstimatedYield float64 `json:"estimatedYield"`
	Unit           string  `json:"unit"`
	MoisturePct    float64 `json:"moisturePct,omitempty"`
}

func (YieldCheckPayload) ActivityType() ActivityType { return TypeYieldCheck }
func (YieldCheckPayload) isPayload()                 {}

// PhotoCapturePayload references photos captured in the field. The binary
// assets themselves are tracked as PhotoAsset rows and uploaded separately.
type PhotoCapturePayload struct {
	PhotoCount int     `json:"photoCount"`
	Caption    string  `json:"caption,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
}

func (PhotoCapturePayload) ActivityType() ActivityType { return TypePhotoCapture }
func (PhotoCapturePayload) isPayload()                 {}

// payloadEnvelope is the stored/wire form of a payload: the type discriminant
// plus the variant data.
type payloadEnvelope struct {
	Type ActivityType    `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes a payload with its type discriminant.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Marshal(payloadEnvelope{Type: p.ActivityType(), Data: data})
}

// DecodePayload deserializes an envelope produced by EncodePayload.
func DecodePayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload envelope: %w", err)
	}

	var p Payload
	switch env.Type {
	case TypeApplication:
		p = &ApplicationPayload{}
	case TypeScouting:
		p = &ScoutingPayload{}
	case TypeCostUpdate:
		p = &CostUpdatePayload{}
	case TypeYieldCheck:
		p = &YieldCheckPayload{}
	case TypePhotoCapture:
		p = &PhotoCapturePayload{}
	default:
		return nil, fmt.Errorf("unknown activity type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Type, err)
	}
	return p, nil
}

// ValidStatus reports whether s is one of the known business statuses.
func ValidStatus(s ActivityStatus) bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusDelayed:
		return true
	}
	return false
}
