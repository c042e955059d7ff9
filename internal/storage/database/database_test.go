package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/storage/storagetest"
)

func newSQLite(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "data", "connector.db"),
	})
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return newSQLite(t)
	})
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	repo := newSQLite(t)
	require.NoError(t, repo.Migrate())
	require.NoError(t, repo.Ping(context.Background()))
}

func TestUpsertManyEmptyBatch(t *testing.T) {
	res, err := newSQLite(t).UpsertMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestUpsertManyAttributesItemFailures(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()

	// Closing the handle makes the batch statement and every item write fail
	require.NoError(t, repo.Close())

	res, err := repo.UpsertMany(ctx, []*models.FileRecord{
		{EndpointID: "ep-1", ExternalID: "a"},
		{EndpointID: "ep-1", ExternalID: "b"},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.Error(t, r.Err)
		assert.False(t, r.Written)
	}
}
