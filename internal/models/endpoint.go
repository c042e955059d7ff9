package models

import (
	"time"

	"gorm.io/datatypes"
)

// ScheduleType selects how an endpoint is triggered
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleManual   ScheduleType = "manual"
)

// Schedule describes when an endpoint runs
type Schedule struct {
	Type            ScheduleType `gorm:"column:schedule_type;size:20" json:"type"`
	IntervalMinutes int          `gorm:"column:interval_minutes" json:"interval_minutes,omitempty"`
	CronExpr        string       `gorm:"column:cron_expr;size:100" json:"cron,omitempty"`
}

// Endpoint is a configured sync target: one source, one project, one schedule
type Endpoint struct {
	ID          string            `gorm:"primaryKey;size:100" json:"id"`
	Name        string            `json:"name"`
	SourceType  string            `gorm:"index;size:50;not null" json:"source_type"`
	ProjectID   string            `gorm:"index;size:100" json:"project_id"`
	UserID      string            `gorm:"index;size:100" json:"user_id"`
	Description string            `json:"description,omitempty"`
	Credential  string            `gorm:"size:100" json:"credential,omitempty"` // Name of a configured credential
	Details     datatypes.JSONMap `json:"details"`                              // Source-specific configuration
	FileTypes   StringSlice       `gorm:"type:text" json:"file_types,omitempty"`
	MaxResults  int               `json:"max_results"`
	Schedule    Schedule          `gorm:"embedded" json:"schedule"`
	Enabled     bool              `gorm:"not null" json:"enabled"`

	// Mutated only by the orchestrator after a pass
	Cursor     *time.Time `gorm:"column:sync_cursor" json:"cursor"`
	LastStatus RunStatus  `gorm:"size:20" json:"last_status"`
	LastSyncAt *time.Time `json:"last_sync_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Detail returns a string value from the source-specific details
func (e *Endpoint) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	v, ok := e.Details[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// DetailBool returns a boolean value from the source-specific details
func (e *Endpoint) DetailBool(key string) bool {
	if e.Details == nil {
		return false
	}
	b, _ := e.Details[key].(bool)
	return b
}

// CursorOr returns the cursor, or fallback when the endpoint has never synced
func (e *Endpoint) CursorOr(fallback time.Time) time.Time {
	if e.Cursor == nil {
		return fallback
	}
	return *e.Cursor
}
