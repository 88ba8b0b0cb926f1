package action

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a scheduled action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RecurrenceType controls how the next occurrence of a recurring action
// is anchored: fixed keeps the original cadence, rolling restarts the
// interval from the completion time.
type RecurrenceType string

const (
	RecurrenceFixed   RecurrenceType = "fixed"
	RecurrenceRolling RecurrenceType = "rolling"
)

// CancelReason is written to ErrorMessage when a pending action is
// cancelled before it ever ran.
const CancelReason = "cancelled by system"

// Handler executes one action. It receives the raw payload plus a
// snapshot of the row as it looked when it was claimed.
type Handler func(ctx context.Context, payload json.RawMessage, row *ScheduledAction) error

// ScheduledAction is one row in scheduled_actions. The row shape is a
// durable contract: in-flight recurring chains depend on it across
// restarts.
type ScheduledAction struct {
	ID         string          `gorm:"primaryKey;type:text"`
	ActionType string          `gorm:"type:text;not null;index"`
	Status     Status          `gorm:"type:text;not null;default:'pending';index"`
	Payload    json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`

	// TeamID scopes the row to a tenant for storage purposes only; the
	// engine never branches on it.
	TeamID *string `gorm:"type:text;index"`

	ScheduledAt time.Time  `gorm:"index;not null"`
	StartedAt   *time.Time `gorm:"type:timestamptz"`
	CompletedAt *time.Time `gorm:"type:timestamptz"`

	ErrorMessage *string `gorm:"type:text"`

	Attempts   int `gorm:"not null;default:0"`
	MaxRetries int `gorm:"not null;default:0"`

	RecurringInterval *string         `gorm:"type:text"`
	RecurrenceType    *RecurrenceType `gorm:"type:text"`

	// LockGroup forces serialized execution: two actions sharing a
	// non-null group never run concurrently.
	LockGroup *string `gorm:"type:text;index"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (ScheduledAction) TableName() string { return "scheduled_actions" }

// IsRecurring reports whether the action spawns a successor on success.
func (a *ScheduledAction) IsRecurring() bool {
	return a.RecurringInterval != nil && *a.RecurringInterval != ""
}
