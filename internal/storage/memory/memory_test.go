package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/storage/storagetest"
)

func TestRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return New()
	})
}

func TestReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := New()

	require.NoError(t, repo.SaveEndpoint(ctx, &models.Endpoint{ID: "ep-1", Name: "Original", SourceType: "feed"}))
	ep, err := repo.GetEndpoint(ctx, "ep-1")
	require.NoError(t, err)
	ep.Name = "Mutated"

	again, err := repo.GetEndpoint(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "Original", again.Name)
}

func TestClosedRepository(t *testing.T) {
	ctx := context.Background()
	repo := New()
	require.NoError(t, repo.Ping(ctx))
	require.NoError(t, repo.Close())

	assert.Error(t, repo.Ping(ctx))
	_, err := repo.UpsertMany(ctx, []*models.FileRecord{{EndpointID: "ep-1", ExternalID: "a"}})
	assert.Error(t, err)
}

func TestUpsertManyRequiresKeys(t *testing.T) {
	res, err := New().UpsertMany(context.Background(), []*models.FileRecord{{EndpointID: "ep-1"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Error(t, res[0].Err)
	assert.False(t, res[0].Written)
}
