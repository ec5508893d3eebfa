package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"rental_ingest/models"
)

// RunStore persists Run records. Get methods return nil, nil when nothing matches.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
	ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]models.Run, error)
}

// ListingStore persists external listings keyed by fingerprint.
type ListingStore interface {
	GetListingByFingerprint(ctx context.Context, fingerprint string) (*models.Listing, error)
	CreateListing(ctx context.Context, l *models.Listing) error
	UpdateListing(ctx context.Context, l *models.Listing) error
	CountListings(ctx context.Context) (int, error)
}

// SettingsStore is the key/value configuration table. SetSetting is a single-key upsert.
type SettingsStore interface {
	GetSettings(ctx context.Context) (models.Settings, error)
	SetSetting(ctx context.Context, key, value string) error
}

// CommandStore is the queue an external console writes to.
type CommandStore interface {
	EnqueueCommand(ctx context.Context, cmd models.CommandType, params json.RawMessage) (int64, error)
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
}

type Store interface {
	RunStore
	ListingStore
	SettingsStore
	CommandStore
	Close() error
}

// Open picks Postgres when databaseURL is set, SQLite at sqlitePath otherwise.
func Open(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if sqlitePath == "" {
		return nil, fmt.Errorf("no database configured")
	}
	return NewSQLiteStore(sqlitePath)
}

// ErrNotFound is returned by updates that target a missing row.
var ErrNotFound = errors.New("not found")

func decodePhotos(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var photos []string
	if err := json.Unmarshal(raw, &photos); err != nil {
		return nil
	}
	return photos
}
