package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"rental_ingest/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if strings.Contains(dbPath, ":memory:") {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		progress REAL DEFAULT 0,
		current_step TEXT DEFAULT '',
		current_message TEXT DEFAULT '',
		total_collected INTEGER DEFAULT 0,
		total_upserts INTEGER DEFAULT 0,
		created_count INTEGER DEFAULT 0,
		updated_count INTEGER DEFAULT 0,
		skipped_recent_count INTEGER DEFAULT 0,
		raw_log TEXT DEFAULT '',
		config JSON,
		child_process_id INTEGER DEFAULT 0,
		error_kind TEXT DEFAULT '',
		error_message TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS external_listings (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		source_id TEXT,
		url TEXT NOT NULL,
		title TEXT,
		description TEXT,
		city TEXT,
		price INTEGER,
		rooms INTEGER,
		surface INTEGER,
		photos JSON,
		posted_at DATETIME,
		scraped_at DATETIME NOT NULL,
		fingerprint TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at);
	CREATE INDEX IF NOT EXISTS idx_listings_source ON external_listings(source, source_id);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Runs
// =============================================================================

const runColumns = `id, status, started_at, finished_at, progress, current_step, current_message,
	total_collected, total_upserts, created_count, updated_count, skipped_recent_count,
	raw_log, config, child_process_id, error_kind, error_message`

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.Progress, run.CurrentStep, run.CurrentMessage,
		run.TotalCollected, run.TotalUpserts, run.CreatedCount, run.UpdatedCount, run.SkippedRecentCount,
		run.RawLog, configText(run.Config), run.ChildProcessID, run.ErrorKind, run.ErrorMessage)
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, progress = ?, current_step = ?, current_message = ?,
			total_collected = ?, total_upserts = ?, created_count = ?, updated_count = ?, skipped_recent_count = ?,
			raw_log = ?, config = ?, child_process_id = ?, error_kind = ?, error_message = ?
		WHERE id = ?`,
		run.Status, run.FinishedAt, run.Progress, run.CurrentStep, run.CurrentMessage,
		run.TotalCollected, run.TotalUpserts, run.CreatedCount, run.UpdatedCount, run.SkippedRecentCount,
		run.RawLog, configText(run.Config), run.ChildProcessID, run.ErrorKind, run.ErrorMessage, run.ID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanSQLiteRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteRuns(rows)
}

func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at`, status)
	if err != nil {
		return nil, err
	}
	return collectSQLiteRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var finishedAt sql.NullTime
	var config sql.NullString
	err := row.Scan(&run.ID, &run.Status, &run.StartedAt, &finishedAt, &run.Progress, &run.CurrentStep, &run.CurrentMessage,
		&run.TotalCollected, &run.TotalUpserts, &run.CreatedCount, &run.UpdatedCount, &run.SkippedRecentCount,
		&run.RawLog, &config, &run.ChildProcessID, &run.ErrorKind, &run.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if config.Valid && config.String != "" {
		run.Config = json.RawMessage(config.String)
	}
	return &run, nil
}

func collectSQLiteRuns(rows *sql.Rows) ([]models.Run, error) {
	defer rows.Close()
	var runs []models.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func configText(cfg json.RawMessage) any {
	if len(cfg) == 0 {
		return nil
	}
	return string(cfg)
}

// =============================================================================
// Listings
// =============================================================================

const listingColumns = `id, source, source_id, url, title, description, city, price, rooms, surface,
	photos, posted_at, scraped_at, fingerprint, created_at, updated_at`

func (s *SQLiteStore) GetListingByFingerprint(ctx context.Context, fingerprint string) (*models.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM external_listings WHERE fingerprint = ?`, fingerprint)

	var l models.Listing
	var sourceID, title, desc, city sql.NullString
	var price, rooms, surface sql.NullInt64
	var photos sql.NullString
	var postedAt sql.NullTime
	err := row.Scan(&l.ID, &l.Source, &sourceID, &l.URL, &title, &desc, &city, &price, &rooms, &surface,
		&photos, &postedAt, &l.ScrapedAt, &l.Fingerprint, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sourceID.Valid {
		v := sourceID.String
		l.SourceID = &v
	}
	l.Title = title.String
	l.Description = desc.String
	l.City = city.String
	l.Price = int(price.Int64)
	l.Rooms = int(rooms.Int64)
	l.Surface = int(surface.Int64)
	l.Photos = decodePhotos([]byte(photos.String))
	if postedAt.Valid {
		t := postedAt.Time
		l.PostedAt = &t
	}
	return &l, nil
}

func (s *SQLiteStore) CreateListing(ctx context.Context, l *models.Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Source, l.SourceID, l.URL, l.Title, l.Description, l.City, l.Price, l.Rooms, l.Surface,
		string(l.PhotosJSON()), l.PostedAt, l.ScrapedAt, l.Fingerprint, l.CreatedAt, l.UpdatedAt)
	return err
}

func (s *SQLiteStore) UpdateListing(ctx context.Context, l *models.Listing) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE external_listings SET
			url = ?, description = COALESCE(NULLIF(?, ''), description), photos = ?,
			posted_at = COALESCE(?, posted_at), scraped_at = ?, updated_at = ?
		WHERE fingerprint = ?`,
		l.URL, l.Description, string(l.PhotosJSON()), l.PostedAt, l.ScrapedAt, l.UpdatedAt, l.Fingerprint)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update listing %s: %w", l.Fingerprint, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CountListings(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM external_listings`).Scan(&count)
	return count, err
}

// =============================================================================
// Settings
// =============================================================================

func (s *SQLiteStore) GetSettings(ctx context.Context) (models.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
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

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	return err
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params json.RawMessage) (int64, error) {
	var p any
	if len(params) > 0 {
		p = string(params)
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, p, time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		if processedAt.Valid {
			t := processedAt.Time
			cmd.ProcessedAt = &t
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}
