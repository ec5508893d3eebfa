package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"rental_ingest/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// no arguments, so pgx sends this over the simple protocol and multiple statements are allowed
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		current_message TEXT NOT NULL DEFAULT '',
		total_collected INTEGER NOT NULL DEFAULT 0,
		total_upserts INTEGER NOT NULL DEFAULT 0,
		created_count INTEGER NOT NULL DEFAULT 0,
		updated_count INTEGER NOT NULL DEFAULT 0,
		skipped_recent_count INTEGER NOT NULL DEFAULT 0,
		raw_log TEXT NOT NULL DEFAULT '',
		config JSONB,
		child_process_id INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS external_listings (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		source_id TEXT,
		url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		price INTEGER NOT NULL DEFAULT 0,
		rooms INTEGER NOT NULL DEFAULT 0,
		surface INTEGER NOT NULL DEFAULT 0,
		photos JSONB NOT NULL DEFAULT '[]',
		posted_at TIMESTAMPTZ,
		scraped_at TIMESTAMPTZ NOT NULL,
		fingerprint TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		command TEXT NOT NULL,
		params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);
	CREATE INDEX IF NOT EXISTS idx_listings_source ON external_listings(source, source_id);
	`)
	return err
}

// =============================================================================
// Runs
// =============================================================================

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := s.pool.Exec(ctx, query,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.Progress, run.CurrentStep, run.CurrentMessage,
		run.TotalCollected, run.TotalUpserts, run.CreatedCount, run.UpdatedCount, run.SkippedRecentCount,
		run.RawLog, jsonbArg(run.Config), run.ChildProcessID, run.ErrorKind, run.ErrorMessage,
	)
	return err
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.Run) error {
	query := `
		UPDATE runs SET status = $2, finished_at = $3, progress = $4, current_step = $5, current_message = $6,
			total_collected = $7, total_upserts = $8, created_count = $9, updated_count = $10,
			skipped_recent_count = $11, raw_log = $12, config = $13, child_process_id = $14,
			error_kind = $15, error_message = $16
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		run.ID, run.Status, run.FinishedAt, run.Progress, run.CurrentStep, run.CurrentMessage,
		run.TotalCollected, run.TotalUpserts, run.CreatedCount, run.UpdatedCount,
		run.SkippedRecentCount, run.RawLog, jsonbArg(run.Config), run.ChildProcessID,
		run.ErrorKind, run.ErrorMessage,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanPostgresRun(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectPostgresRuns(rows)
}

func (s *PostgresStore) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE status = $1 ORDER BY started_at`, status)
	if err != nil {
		return nil, err
	}
	return collectPostgresRuns(rows)
}

func scanPostgresRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	var config []byte
	err := row.Scan(&run.ID, &run.Status, &run.StartedAt, &run.FinishedAt, &run.Progress, &run.CurrentStep, &run.CurrentMessage,
		&run.TotalCollected, &run.TotalUpserts, &run.CreatedCount, &run.UpdatedCount, &run.SkippedRecentCount,
		&run.RawLog, &config, &run.ChildProcessID, &run.ErrorKind, &run.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		run.Config = json.RawMessage(config)
	}
	return &run, nil
}

func collectPostgresRuns(rows pgx.Rows) ([]models.Run, error) {
	defer rows.Close()
	var runs []models.Run
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func jsonbArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// =============================================================================
// Listings
// =============================================================================

func (s *PostgresStore) GetListingByFingerprint(ctx context.Context, fingerprint string) (*models.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM external_listings WHERE fingerprint = $1`

	var l models.Listing
	var photos []byte
	err := s.pool.QueryRow(ctx, query, fingerprint).Scan(
		&l.ID, &l.Source, &l.SourceID, &l.URL, &l.Title, &l.Description, &l.City, &l.Price, &l.Rooms, &l.Surface,
		&photos, &l.PostedAt, &l.ScrapedAt, &l.Fingerprint, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Photos = decodePhotos(photos)
	return &l, nil
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *models.Listing) error {
	query := `
		INSERT INTO external_listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (fingerprint) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		l.ID, l.Source, l.SourceID, l.URL, l.Title, l.Description, l.City, l.Price, l.Rooms, l.Surface,
		string(l.PhotosJSON()), l.PostedAt, l.ScrapedAt, l.Fingerprint, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateListing(ctx context.Context, l *models.Listing) error {
	query := `
		UPDATE external_listings SET
			url = $2,
			description = COALESCE(NULLIF($3, ''), external_listings.description),
			photos = $4,
			posted_at = COALESCE($5, external_listings.posted_at),
			scraped_at = $6,
			updated_at = $7
		WHERE fingerprint = $1`

	tag, err := s.pool.Exec(ctx, query,
		l.Fingerprint, l.URL, l.Description, string(l.PhotosJSON()), l.PostedAt, l.ScrapedAt, l.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update listing %s: %w", l.Fingerprint, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CountListings(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM external_listings`).Scan(&count)
	return count, err
}

// =============================================================================
// Settings
// =============================================================================

func (s *PostgresStore) GetSettings(ctx context.Context) (models.Settings, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := models.Settings{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	_, err := s.pool.Exec(ctx, query, key, value)
	return err
}

// =============================================================================
// Commands
// =============================================================================

func (s *PostgresStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params json.RawMessage) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO commands (command, params) VALUES ($1, $2) RETURNING id`,
		cmd, jsonbArg(params),
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params []byte
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			cmd.Params = json.RawMessage(params)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE commands SET processed_at = NOW() WHERE id = $1`, id)
	return err
}
