package models

import (
	"time"
)

// TimestampLayout matches the ISO-8601 form browsers emit from Date.toISOString.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// CompletionMessageType tags drain completion notifications.
const CompletionMessageType = "MEAL_SYNC_COMPLETE"

// Completion sources.
const (
	SourceForeground = "foreground"
	SourceBackground = "background"
)

// MealCollection is one meal check-in recorded by field staff.
type MealCollection struct {
	DeptName       string  `json:"deptname"`
	FullName       string  `json:"fullname"`
	EntraADName    string  `json:"entraadname"`
	Count          int     `json:"count"`
	Amount         float64 `json:"amount"`
	Entity         string  `json:"entity"`
	Timestamp      string  `json:"timestamp,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// CreatedAt parses Timestamp. The zero time and an error are returned when it
// is missing or malformed.
func (m MealCollection) CreatedAt() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, m.Timestamp)
}

// PendingEvent is a queued meal awaiting delivery. ID is zero until the store
// assigns one.
type PendingEvent struct {
	ID      int64          `json:"id"`
	Payload MealCollection `json:"payload"`
}

// FormatTimestamp renders t the way queued events carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// SubmitResult is what the submission pipeline reports to the UI.
// Success means delivered or durably queued, not necessarily delivered.
type SubmitResult struct {
	Success   bool   `json:"success"`
	Queued    bool   `json:"queued,omitempty"`
	Blocked   bool   `json:"blocked,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Delivered bool   `json:"delivered,omitempty"`
}

// BlockDecision is the staleness guard verdict.
type BlockDecision struct {
	Blocked   bool    `json:"blocked"`
	Reason    string  `json:"reason,omitempty"`
	AgeInDays float64 `json:"ageInDays,omitempty"`
}

// SyncCompletion is broadcast after every drain.
type SyncCompletion struct {
	Type        string    `json:"type"`
	SyncedCount int       `json:"syncedCount"`
	TotalCount  int       `json:"totalCount"`
	Source      string    `json:"source"`
	Trigger     string    `json:"trigger,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// QueueState is a snapshot of the foreground coordinator.
type QueueState struct {
	Online        bool      `json:"online"`
	SyncInFlight  bool      `json:"syncInFlight"`
	PendingCount  int       `json:"pendingCount"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	PeriodicSync  bool      `json:"periodicSync"`
}
