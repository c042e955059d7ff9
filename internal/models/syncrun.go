package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the outcome of a sync pass
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending" // endpoint has never run
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusDeferred  RunStatus = "deferred" // throttled, circuit open or rate limited by the source
)

// SyncRun is the audit record of one pass. It is sealed when CompletedAt is set
// and never changes afterwards.
type SyncRun struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	EndpointID  string     `gorm:"index;size:100;not null" json:"endpoint_id"`
	SourceType  string     `gorm:"size:50" json:"source_type"`
	StartedAt   time.Time  `gorm:"index;not null" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Status      RunStatus  `gorm:"index;size:20;not null" json:"status"`

	FilesFound   int `json:"files_found"`
	FilesAdded   int `json:"files_added"`
	FilesUpdated int `json:"files_updated"`
	FilesSkipped int `json:"files_skipped"`
	FilesErrored int `json:"files_errored"`

	ErrorKind   string `gorm:"size:30" json:"error_kind,omitempty"`
	ErrorDetail string `gorm:"type:text" json:"error_detail,omitempty"`
	RetryCount  int    `json:"retry_count"`

	CursorBefore *time.Time `json:"cursor_before"`
	CursorAfter  *time.Time `json:"cursor_after"`
}

// NewSyncRun opens a run for the endpoint
func NewSyncRun(endpoint *Endpoint, now time.Time) *SyncRun {
	return &SyncRun{
		ID:           uuid.NewString(),
		EndpointID:   endpoint.ID,
		SourceType:   endpoint.SourceType,
		StartedAt:    now,
		Status:       RunStatusRunning,
		CursorBefore: endpoint.Cursor,
		CursorAfter:  endpoint.Cursor,
	}
}

// Seal closes the run with a final status
func (r *SyncRun) Seal(status RunStatus, now time.Time) {
	r.Status = status
	r.CompletedAt = &now
}

// Sealed reports whether the run has completed
func (r *SyncRun) Sealed() bool {
	return r.CompletedAt != nil
}

// FilesChanged is the number of records added or updated
func (r *SyncRun) FilesChanged() int {
	return r.FilesAdded + r.FilesUpdated
}

// Duration returns how long the run took, or zero while running
func (r *SyncRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
