package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rental_ingest/models"
)

func TestMemoryStoreRunsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := &models.Run{ID: "r1", Status: models.RunStatusRunning, StartedAt: time.Now()}
	require.NoError(t, store.CreateRun(ctx, run))
	run.Status = models.RunStatusError

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)

	assert.Error(t, store.CreateRun(ctx, run))
	assert.ErrorIs(t, store.UpdateRun(ctx, &models.Run{ID: "r2"}), ErrNotFound)
}

func TestMemoryStoreListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateRun(ctx, &models.Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

func TestMemoryStoreListingUpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created := time.Now().Add(-72 * time.Hour)
	require.NoError(t, store.CreateListing(ctx, &models.Listing{
		ID: "l1", Fingerprint: "fp", Title: "T", Description: "D", CreatedAt: created, ScrapedAt: created,
	}))

	now := time.Now()
	require.NoError(t, store.UpdateListing(ctx, &models.Listing{
		ID: "other", Fingerprint: "fp", Title: "changed", URL: "https://u", ScrapedAt: now, UpdatedAt: now,
	}))

	got, err := store.GetListingByFingerprint(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "l1", got.ID)
	assert.Equal(t, "T", got.Title)
	assert.Equal(t, "D", got.Description)
	assert.Equal(t, "https://u", got.URL)
	assert.True(t, got.ScrapedAt.Equal(now))
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Len(t, store.Listings(), 1)
}

func TestMemoryStoreCommands(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.EnqueueCommand(ctx, models.CmdReconcile, nil)
	require.NoError(t, err)
	pending, _ := store.GetPendingCommands(ctx)
	require.Len(t, pending, 1)

	require.NoError(t, store.MarkCommandProcessed(ctx, id))
	pending, _ = store.GetPendingCommands(ctx)
	assert.Empty(t, pending)
	assert.ErrorIs(t, store.MarkCommandProcessed(ctx, 99), ErrNotFound)
}
