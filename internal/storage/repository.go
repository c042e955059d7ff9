package storage

import (
	"context"
	"errors"
	"time"

	"github.com/file-connector/internal/models"
)

// ErrSealedRun is returned when a completed sync run would be modified
var ErrSealedRun = errors.New("sync run is sealed")

// Store is the persistence contract the orchestrator depends on
type Store interface {
	// GetEndpoint returns the endpoint or an error wrapping syncerr.ErrNotFound
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)

	// GetExisting returns the stored record, or nil when absent
	GetExisting(ctx context.Context, endpointID, externalID string) (*models.FileRecord, error)

	// UpsertMany writes a batch and reports one result per input record,
	// in input order. A non-nil error means the batch as a whole failed.
	UpsertMany(ctx context.Context, records []*models.FileRecord) ([]ItemResult, error)

	// AdvanceCursor moves the cursor forward and returns the effective value.
	// A cursor older than the stored one is ignored.
	AdvanceCursor(ctx context.Context, endpointID string, cursor time.Time) (time.Time, error)

	// UpdateEndpointStatus records the outcome of the latest pass
	UpdateEndpointStatus(ctx context.Context, endpointID string, status models.RunStatus, at time.Time) error

	// RecordSyncRun inserts a new run or finalizes a running one
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error
}

// Repository defines the interface for data persistence
type Repository interface {
	Store

	// Endpoint operations
	SaveEndpoint(ctx context.Context, endpoint *models.Endpoint) error
	ListEndpoints(ctx context.Context) ([]*models.Endpoint, error)
	SetEndpointEnabled(ctx context.Context, id string, enabled bool) error

	// History
	ListSyncRuns(ctx context.Context, filter RunFilter) ([]*models.SyncRun, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*models.FileRecord, error)

	// Maintenance
	Ping(ctx context.Context) error
	Close() error
	Migrate() error
}

// ItemResult is the outcome of one record in an UpsertMany call
type ItemResult struct {
	ExternalID string
	Written    bool
	Stale      bool // dropped because the stored copy is as new or newer
	Err        error
}

// RunFilter defines filtering options for sync runs
type RunFilter struct {
	EndpointID string
	Status     *models.RunStatus
	Limit      int
	Offset     int
}

// RecordFilter defines filtering options for file records
type RecordFilter struct {
	EndpointID   string
	ProjectID    string
	UpdatedSince *time.Time
	Limit        int
	Offset       int
}

// DefaultRunFilter returns a filter with sensible defaults
func DefaultRunFilter(endpointID string) RunFilter {
	return RunFilter{
		EndpointID: endpointID,
		Limit:      20,
	}
}

// DefaultRecordFilter returns a filter with sensible defaults
func DefaultRecordFilter(endpointID string) RecordFilter {
	return RecordFilter{
		EndpointID: endpointID,
		Limit:      50,
	}
}

// Dedupe keeps one record per (endpoint, external id) within a batch. A later
// duplicate replaces an earlier one only when it supersedes it. The returned
// slice maps each input index to the index of the record that represents it.
func Dedupe(records []*models.FileRecord) (unique []*models.FileRecord, owner []int) {
	type key struct{ endpoint, external string }
	pos := make(map[key]int, len(records))
	owner = make([]int, len(records))

	for i, rec := range records {
		k := key{rec.EndpointID, rec.ExternalID}
		j, ok := pos[k]
		if !ok {
			pos[k] = len(unique)
			owner[i] = len(unique)
			unique = append(unique, rec)
			continue
		}
		if rec.Supersedes(unique[j]) {
			unique[j] = rec
		}
		owner[i] = j
	}
	return unique, owner
}
