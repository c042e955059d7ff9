package models

import (
	"time"

	"gorm.io/datatypes"
)

// FileRecord is the stored mirror of one external file, unique per endpoint
type FileRecord struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	EndpointID        string            `gorm:"uniqueIndex:idx_file_records_endpoint_external;size:100;not null" json:"endpoint_id"`
	ExternalID        string            `gorm:"uniqueIndex:idx_file_records_endpoint_external;size:255;not null" json:"external_id"`
	Title             string            `json:"title"`
	Link              string            `gorm:"type:text" json:"link"`
	ExternalCreatedAt *time.Time        `json:"external_created_at"`
	ExternalUpdatedAt *time.Time        `gorm:"index" json:"external_updated_at"`
	ProjectID         string            `gorm:"index;size:100" json:"project_id"`
	UserID            string            `gorm:"size:100" json:"user_id"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	SyncedAt          time.Time         `json:"synced_at"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName pins the table name
func (FileRecord) TableName() string {
	return "file_records"
}

// Supersedes reports whether r may overwrite existing. Writes are accepted
// only when the incoming timestamp is strictly newer; a missing timestamp on
// either side is treated as newer.
func (r *FileRecord) Supersedes(existing *FileRecord) bool {
	if existing == nil {
		return true
	}
	if r.ExternalUpdatedAt == nil || existing.ExternalUpdatedAt == nil {
		return true
	}
	return r.ExternalUpdatedAt.After(*existing.ExternalUpdatedAt)
}

// NormalizeTime converts t to UTC at microsecond precision so values
// compare equal after a database round trip.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// TimePtr returns a pointer to the normalized t, or nil for the zero time
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	n := NormalizeTime(t)
	return &n
}
