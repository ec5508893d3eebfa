package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rental_ingest/models"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	started := time.Now().UTC().Truncate(time.Second)
	run := &models.Run{
		ID:             "run-1",
		Status:         models.RunStatusRunning,
		StartedAt:      started,
		CurrentStep:    "collect",
		Config:         json.RawMessage(`{"max_pages":"3"}`),
		ChildProcessID: 4242,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	run.Progress = 0.5
	run.CreatedCount = 3
	run.TotalUpserts = 3
	run.RawLog = "line\n"
	finished := started.Add(time.Minute)
	run.FinishedAt = &finished
	run.Status = models.RunStatusSuccess
	require.NoError(t, store.UpdateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, 0.5, got.Progress)
	assert.Equal(t, 3, got.CreatedCount)
	assert.Equal(t, "line\n", got.RawLog)
	assert.Equal(t, 4242, got.ChildProcessID)
	assert.JSONEq(t, `{"max_pages":"3"}`, string(got.Config))
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))
	assert.True(t, got.StartedAt.Equal(started))
}

func TestSQLiteGetRunMissing(t *testing.T) {
	store := newTestSQLite(t)
	got, err := store.GetRun(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteUpdateRunMissing(t *testing.T) {
	store := newTestSQLite(t)
	err := store.UpdateRun(context.Background(), &models.Run{ID: "ghost", Status: models.RunStatusError})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteListRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i, status := range []models.RunStatus{models.RunStatusSuccess, models.RunStatusRunning, models.RunStatusError} {
		require.NoError(t, store.CreateRun(ctx, &models.Run{
			ID:        string(rune('a' + i)),
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	running, err := store.ListRunsByStatus(ctx, models.RunStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ID)
}

func TestSQLiteListingRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	now := time.Now().UTC().Truncate(time.Second)
	sourceID := "123"
	l := &models.Listing{
		ID:          "l-1",
		Source:      "leboncoin",
		SourceID:    &sourceID,
		URL:         "https://example.com/ad/123",
		Title:       "Chambre lumineuse",
		Description: "Proche metro",
		City:        "Lyon",
		Price:       450,
		Rooms:       3,
		Surface:     60,
		Photos:      []string{"https://img/1.jpg"},
		ScrapedAt:   now,
		Fingerprint: "fp-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreateListing(ctx, l))

	got, err := store.GetListingByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Lyon", got.City)
	assert.Equal(t, []string{"https://img/1.jpg"}, got.Photos)
	require.NotNil(t, got.SourceID)
	assert.Equal(t, "123", *got.SourceID)
	assert.Nil(t, got.PostedAt)

	later := now.Add(48 * time.Hour)
	update := *got
	update.Description = ""
	update.Photos = []string{"https://img/1.jpg", "https://img/2.jpg"}
	update.ScrapedAt = later
	update.UpdatedAt = later
	require.NoError(t, store.UpdateListing(ctx, &update))

	got, err = store.GetListingByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "Proche metro", got.Description, "empty description keeps the stored one")
	assert.Len(t, got.Photos, 2)
	assert.True(t, got.ScrapedAt.Equal(later))

	count, err := store.CountListings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteSettingsUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	require.NoError(t, store.SetSetting(ctx, models.SettingAntibotCookieValue, "old"))
	require.NoError(t, store.SetSetting(ctx, models.SettingAntibotCookieValue, "new"))
	require.NoError(t, store.SetSetting(ctx, models.SettingMaxPages, "4"))

	settings, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", settings[models.SettingAntibotCookieValue])
	assert.Equal(t, "4", settings[models.SettingMaxPages])
}

func TestSQLiteCommandQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLite(t)

	id1, err := store.EnqueueCommand(ctx, models.CmdScrapeNow, nil)
	require.NoError(t, err)
	_, err = store.EnqueueCommand(ctx, models.CmdStop, json.RawMessage(`{"run_id":"r1"}`))
	require.NoError(t, err)

	pending, err := store.GetPendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.CmdScrapeNow, pending[0].Command)

	params, err := pending[1].ParseParams()
	require.NoError(t, err)
	assert.Equal(t, "r1", params.RunID)

	require.NoError(t, store.MarkCommandProcessed(ctx, id1))
	pending, err = store.GetPendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.CmdStop, pending[0].Command)
}

func TestSQLiteFileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SetSetting(context.Background(), "k", "v"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	settings, err := reopened.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", settings["k"])
}

func TestOpenWithoutDatabase(t *testing.T) {
	_, err := Open(context.Background(), "", "")
	assert.Error(t, err)
}
