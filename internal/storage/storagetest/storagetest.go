// Package storagetest holds behaviour checks shared by every
// storage.Repository implementation.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/syncerr"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(h int) *time.Time {
	return models.TimePtr(base.Add(time.Duration(h) * time.Hour))
}

func endpoint(id string) *models.Endpoint {
	return &models.Endpoint{
		ID:         id,
		Name:       "Endpoint " + id,
		SourceType: "feed",
		ProjectID:  "proj-1",
		Details:    map[string]interface{}{"url": "https://example.com/feed.atom"},
		FileTypes:  models.StringSlice{"pdf"},
		Schedule:   models.Schedule{Type: models.ScheduleInterval, IntervalMinutes: 15},
		Enabled:    true,
	}
}

func record(endpointID, externalID string, updated *time.Time) *models.FileRecord {
	return &models.FileRecord{
		EndpointID:        endpointID,
		ExternalID:        externalID,
		Title:             "File " + externalID,
		ExternalUpdatedAt: updated,
		ProjectID:         "proj-1",
		Metadata:          map[string]interface{}{"mime_type": "application/pdf"},
		SyncedAt:          base,
	}
}

// Run exercises repo. newRepo must return an empty, migrated repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Run("SaveEndpointPreservesSyncState", func(t *testing.T) {
		testSaveEndpointPreservesSyncState(t, newRepo(t))
	})
	t.Run("EndpointNotFound", func(t *testing.T) {
		testEndpointNotFound(t, newRepo(t))
	})
	t.Run("SetEndpointEnabled", func(t *testing.T) {
		testSetEndpointEnabled(t, newRepo(t))
	})
	t.Run("AdvanceCursorIsMonotonic", func(t *testing.T) {
		testAdvanceCursorIsMonotonic(t, newRepo(t))
	})
	t.Run("UpsertManyRejectsStale", func(t *testing.T) {
		testUpsertManyRejectsStale(t, newRepo(t))
	})
	t.Run("UpsertManyDedupesBatch", func(t *testing.T) {
		testUpsertManyDedupesBatch(t, newRepo(t))
	})
	t.Run("UpsertManyMissingTimestamp", func(t *testing.T) {
		testUpsertManyMissingTimestamp(t, newRepo(t))
	})
	t.Run("ListRecords", func(t *testing.T) {
		testListRecords(t, newRepo(t))
	})
	t.Run("SyncRunsAreSealed", func(t *testing.T) {
		testSyncRunsAreSealed(t, newRepo(t))
	})
	t.Run("ListSyncRuns", func(t *testing.T) {
		testListSyncRuns(t, newRepo(t))
	})
}

func testSaveEndpointPreservesSyncState(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	ep := endpoint("ep-1")
	require.NoError(t, repo.SaveEndpoint(ctx, ep))

	got, err := repo.GetEndpoint(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.LastStatus)
	assert.Nil(t, got.Cursor)
	assert.Equal(t, "https://example.com/feed.atom", got.Detail("url"))
	assert.Equal(t, models.StringSlice{"pdf"}, got.FileTypes)

	_, err = repo.AdvanceCursor(ctx, "ep-1", base)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateEndpointStatus(ctx, "ep-1", models.RunStatusSucceeded, base))

	changed := endpoint("ep-1")
	changed.Name = "Renamed"
	changed.Schedule = models.Schedule{Type: models.ScheduleCron, CronExpr: "0 * * * *"}
	require.NoError(t, repo.SaveEndpoint(ctx, changed))

	got, err = repo.GetEndpoint(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, models.ScheduleCron, got.Schedule.Type)
	assert.Equal(t, "0 * * * *", got.Schedule.CronExpr)
	require.NotNil(t, got.Cursor)
	assert.True(t, got.Cursor.Equal(base))
	assert.Equal(t, models.RunStatusSucceeded, got.LastStatus)
	require.NotNil(t, got.LastSyncAt)

	all, err := repo.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testEndpointNotFound(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	_, err := repo.GetEndpoint(ctx, "missing")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	_, err = repo.AdvanceCursor(ctx, "missing", base)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	err = repo.UpdateEndpointStatus(ctx, "missing", models.RunStatusFailed, base)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	err = repo.SetEndpointEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	rec, err := repo.GetExisting(ctx, "missing", "x")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func testSetEndpointEnabled(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.SaveEndpoint(ctx, endpoint("ep-1")))

	require.NoError(t, repo.SetEndpointEnabled(ctx, "ep-1", false))
	got, err := repo.GetEndpoint(ctx, "ep-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, repo.SetEndpointEnabled(ctx, "ep-1", true))
	got, err = repo.GetEndpoint(ctx, "ep-1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func testAdvanceCursorIsMonotonic(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.SaveEndpoint(ctx, endpoint("ep-1")))

	got, err := repo.AdvanceCursor(ctx, "ep-1", *at(2))
	require.NoError(t, err)
	assert.True(t, got.Equal(*at(2)))

	got, err = repo.AdvanceCursor(ctx, "ep-1", *at(1))
	require.NoError(t, err)
	assert.True(t, got.Equal(*at(2)), "an older cursor never replaces a newer one")

	got, err = repo.AdvanceCursor(ctx, "ep-1", *at(3))
	require.NoError(t, err)
	assert.True(t, got.Equal(*at(3)))

	ep, err := repo.GetEndpoint(ctx, "ep-1")
	require.NoError(t, err)
	require.NotNil(t, ep.Cursor)
	assert.True(t, ep.Cursor.Equal(*at(3)))
}

func testUpsertManyRejectsStale(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	res, err := repo.UpsertMany(ctx, []*models.FileRecord{
		record("ep-1", "a", at(2)),
		record("ep-1", "b", at(2)),
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].Written)
	assert.True(t, res[1].Written)

	newer := record("ep-1", "a", at(3))
	newer.Title = "Newer"
	older := record("ep-1", "b", at(1))
	older.Title = "Older"
	same := record("ep-1", "a", at(2))

	res, err = repo.UpsertMany(ctx, []*models.FileRecord{newer, older})
	require.NoError(t, err)
	assert.True(t, res[0].Written)
	assert.Equal(t, "a", res[0].ExternalID)
	assert.True(t, res[1].Stale)
	assert.False(t, res[1].Written)
	assert.NoError(t, res[1].Err)

	res, err = repo.UpsertMany(ctx, []*models.FileRecord{same})
	require.NoError(t, err)
	assert.True(t, res[0].Stale, "an equal timestamp is not newer")

	a, err := repo.GetExisting(ctx, "ep-1", "a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Newer", a.Title)
	assert.True(t, a.ExternalUpdatedAt.Equal(*at(3)))

	b, err := repo.GetExisting(ctx, "ep-1", "b")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "File b", b.Title)
}

func testUpsertManyDedupesBatch(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	first := record("ep-1", "a", at(1))
	second := record("ep-1", "a", at(2))
	second.Title = "Second"
	other := record("ep-2", "a", at(1))

	res, err := repo.UpsertMany(ctx, []*models.FileRecord{first, second, other})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.True(t, res[0].Stale, "superseded within the batch")
	assert.True(t, res[1].Written)
	assert.True(t, res[2].Written, "external ids are scoped per endpoint")

	got, err := repo.GetExisting(ctx, "ep-1", "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Second", got.Title)

	records, err := repo.ListRecords(ctx, storage.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func testUpsertManyMissingTimestamp(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	res, err := repo.UpsertMany(ctx, []*models.FileRecord{record("ep-1", "a", at(5))})
	require.NoError(t, err)
	assert.True(t, res[0].Written)

	undated := record("ep-1", "a", nil)
	undated.Title = "Undated"
	res, err = repo.UpsertMany(ctx, []*models.FileRecord{undated})
	require.NoError(t, err)
	assert.True(t, res[0].Written, "a missing timestamp always overwrites")

	got, err := repo.GetExisting(ctx, "ep-1", "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Undated", got.Title)
	assert.Nil(t, got.ExternalUpdatedAt)
}

func testListRecords(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	_, err := repo.UpsertMany(ctx, []*models.FileRecord{
		record("ep-1", "a", at(1)),
		record("ep-1", "b", at(3)),
		record("ep-1", "c", at(2)),
		record("ep-2", "d", at(4)),
	})
	require.NoError(t, err)

	records, err := repo.ListRecords(ctx, storage.DefaultRecordFilter("ep-1"))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "b", records[0].ExternalID, "most recently changed first")
	assert.Equal(t, "c", records[1].ExternalID)
	assert.Equal(t, "a", records[2].ExternalID)
	assert.Equal(t, "application/pdf", records[0].Metadata["mime_type"])

	since := at(1)
	records, err = repo.ListRecords(ctx, storage.RecordFilter{EndpointID: "ep-1", UpdatedSince: since})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = repo.ListRecords(ctx, storage.RecordFilter{EndpointID: "ep-1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c", records[0].ExternalID)
}

func testSyncRunsAreSealed(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	ep := endpoint("ep-1")

	run := models.NewSyncRun(ep, base)
	require.NoError(t, repo.RecordSyncRun(ctx, run))

	run.FilesFound = 3
	run.FilesAdded = 2
	run.Seal(models.RunStatusPartial, base.Add(time.Minute))
	require.NoError(t, repo.RecordSyncRun(ctx, run))

	run.Status = models.RunStatusSucceeded
	err := repo.RecordSyncRun(ctx, run)
	assert.ErrorIs(t, err, storage.ErrSealedRun)

	runs, err := repo.ListSyncRuns(ctx, storage.DefaultRunFilter("ep-1"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusPartial, runs[0].Status)
	assert.Equal(t, 3, runs[0].FilesFound)
	assert.True(t, runs[0].Sealed())

	sealed := models.NewSyncRun(ep, base.Add(time.Hour))
	sealed.Seal(models.RunStatusDeferred, base.Add(time.Hour))
	require.NoError(t, repo.RecordSyncRun(ctx, sealed), "a run may be inserted already sealed")
}

func testListSyncRuns(t *testing.T, repo storage.Repository) {
	ctx := context.Background()

	statuses := []models.RunStatus{models.RunStatusSucceeded, models.RunStatusFailed, models.RunStatusSucceeded}
	for i, status := range statuses {
		run := models.NewSyncRun(endpoint("ep-1"), base.Add(time.Duration(i)*time.Minute))
		run.Seal(status, run.StartedAt.Add(time.Second))
		require.NoError(t, repo.RecordSyncRun(ctx, run))
	}
	other := models.NewSyncRun(endpoint("ep-2"), base)
	require.NoError(t, repo.RecordSyncRun(ctx, other))

	runs, err := repo.ListSyncRuns(ctx, storage.DefaultRunFilter("ep-1"))
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt), "newest first")

	failed := models.RunStatusFailed
	runs, err = repo.ListSyncRuns(ctx, storage.RunFilter{EndpointID: "ep-1", Status: &failed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)

	runs, err = repo.ListSyncRuns(ctx, storage.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
