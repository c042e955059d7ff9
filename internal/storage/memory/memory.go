// Package memory is an in-process storage.Repository used for dry runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/syncerr"
)

// Repository implements storage.Repository in memory
type Repository struct {
	mu        sync.RWMutex
	endpoints map[string]*models.Endpoint
	runs      map[string]*models.SyncRun
	runOrder  []string
	records   map[string]map[string]*models.FileRecord
	nextID    uint
	closed    bool
}

// New creates an empty repository
func New() *Repository {
	return &Repository{
		endpoints: make(map[string]*models.Endpoint),
		runs:      make(map[string]*models.SyncRun),
		records:   make(map[string]map[string]*models.FileRecord),
	}
}

// Migrate is a no-op
func (r *Repository) Migrate() error { return nil }

// Ping fails only after Close
func (r *Repository) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.New("repository closed")
	}
	return ctx.Err()
}

// Close marks the repository closed
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Endpoint operations

func (r *Repository) SaveEndpoint(ctx context.Context, endpoint *models.Endpoint) error {
	if endpoint.ID == "" {
		return errors.New("endpoint id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored := *endpoint
	if existing, ok := r.endpoints[endpoint.ID]; ok {
		stored.Cursor = existing.Cursor
		stored.LastStatus = existing.LastStatus
		stored.LastSyncAt = existing.LastSyncAt
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
		if stored.LastStatus == "" {
			stored.LastStatus = models.RunStatusPending
		}
	}
	stored.UpdatedAt = now
	r.endpoints[endpoint.ID] = &stored
	return nil
}

func (r *Repository) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", id, syncerr.ErrNotFound)
	}
	out := *ep
	return &out, nil
}

func (r *Repository) ListEndpoints(ctx context.Context) ([]*models.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		cp := *ep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) SetEndpointEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return fmt.Errorf("endpoint %s: %w", id, syncerr.ErrNotFound)
	}
	ep.Enabled = enabled
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) UpdateEndpointStatus(ctx context.Context, endpointID string, status models.RunStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[endpointID]
	if !ok {
		return fmt.Errorf("endpoint %s: %w", endpointID, syncerr.ErrNotFound)
	}
	ep.LastStatus = status
	ep.LastSyncAt = models.TimePtr(at)
	return nil
}

func (r *Repository) AdvanceCursor(ctx context.Context, endpointID string, cursor time.Time) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[endpointID]
	if !ok {
		return time.Time{}, fmt.Errorf("endpoint %s: %w", endpointID, syncerr.ErrNotFound)
	}
	cursor = models.NormalizeTime(cursor)
	if ep.Cursor == nil || cursor.After(*ep.Cursor) {
		ep.Cursor = &cursor
	}
	return *ep.Cursor, nil
}

// Record operations

func (r *Repository) GetExisting(ctx context.Context, endpointID, externalID string) (*models.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[endpointID][externalID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (r *Repository) UpsertMany(ctx context.Context, records []*models.FileRecord) ([]storage.ItemResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("repository closed")
	}

	unique, owner := storage.Dedupe(records)
	written := make([]storage.ItemResult, len(unique))
	now := time.Now().UTC()

	for i, rec := range unique {
		written[i] = storage.ItemResult{ExternalID: rec.ExternalID}
		if rec.EndpointID == "" || rec.ExternalID == "" {
			written[i].Err = errors.New("endpoint id and external id are required")
			continue
		}

		byExternal, ok := r.records[rec.EndpointID]
		if !ok {
			byExternal = make(map[string]*models.FileRecord)
			r.records[rec.EndpointID] = byExternal
		}

		existing := byExternal[rec.ExternalID]
		if !rec.Supersedes(existing) {
			written[i].Stale = true
			continue
		}

		stored := *rec
		if existing != nil {
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		} else {
			r.nextID++
			stored.ID = r.nextID
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		byExternal[rec.ExternalID] = &stored
		written[i].Written = true
	}

	results := make([]storage.ItemResult, len(records))
	for i, rec := range records {
		if unique[owner[i]] != rec {
			results[i] = storage.ItemResult{ExternalID: rec.ExternalID, Stale: true}
			continue
		}
		results[i] = written[owner[i]]
	}
	return results, nil
}

func (r *Repository) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*models.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.FileRecord
	for endpointID, byExternal := range r.records {
		if filter.EndpointID != "" && endpointID != filter.EndpointID {
			continue
		}
		for _, rec := range byExternal {
			if filter.ProjectID != "" && rec.ProjectID != filter.ProjectID {
				continue
			}
			if filter.UpdatedSince != nil && (rec.ExternalUpdatedAt == nil || !rec.ExternalUpdatedAt.After(*filter.UpdatedSince)) {
				continue
			}
			cp := *rec
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ExternalUpdatedAt, out[j].ExternalUpdatedAt
		switch {
		case a == nil && b == nil:
			return out[i].ID > out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID > out[j].ID
		default:
			return a.After(*b)
		}
	})

	return paginate(out, filter.Offset, filter.Limit), nil
}

// Sync run operations

func (r *Repository) RecordSyncRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		return errors.New("sync run id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[run.ID]; ok {
		if existing.Sealed() {
			return fmt.Errorf("run %s: %w", run.ID, storage.ErrSealedRun)
		}
	} else {
		r.runOrder = append(r.runOrder, run.ID)
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *Repository) ListSyncRuns(ctx context.Context, filter storage.RunFilter) ([]*models.SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.SyncRun
	for i := len(r.runOrder) - 1; i >= 0; i-- {
		run := r.runs[r.runOrder[i]]
		if filter.EndpointID != "" && run.EndpointID != filter.EndpointID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	return paginate(out, filter.Offset, filter.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
