package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/rs/zerolog/log"
)

// SQLiteFileName is the database file created inside the store directory.
const SQLiteFileName = "vocalist.db"

// SQLiteStore is a GraphStore in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens or creates the database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dbPath := filepath.Join(dir, SQLiteFileName)

	db, err := sql.Open("sqlite", dbPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Opened SQLite graph store")
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		last_publish_time TEXT NOT NULL DEFAULT '',
		video_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS video (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		publish_time TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		cleaned_text TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_channel_handle_nocase ON channel(handle COLLATE NOCASE);

	CREATE INDEX IF NOT EXISTS idx_video_channel ON video(channel_id);

	CREATE TABLE IF NOT EXISTS upload (
		key TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		video_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vocalist (
		key TEXT PRIMARY KEY,
		video_id TEXT NOT NULL,
		channel_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_vocalist_channel ON vocalist(channel_id);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertChannel implements GraphStore.
func (s *SQLiteStore) UpsertChannel(ctx context.Context, c model.ChannelRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channel (id, handle, title, description, last_publish_time, video_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		c.ChannelID, c.Handle, c.Title, c.Description, formatTime(c.LastPublishTime), c.VideoCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert channel %s: %w", c.ChannelID, err)
	}
	logConflict(res, "channel", c.ChannelID)
	return nil
}

// UpsertVideo implements GraphStore.
func (s *SQLiteStore) UpsertVideo(ctx context.Context, v model.VideoRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO video (id, channel_id, publish_time, title, description, cleaned_text)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		v.VideoID, v.ChannelID, formatTime(v.PublishTime), v.Title, v.Description, nullString(v.NormalizedText),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert video %s: %w", v.VideoID, err)
	}
	logConflict(res, "video", v.VideoID)

	edge := model.UploadEdge{ChannelID: v.ChannelID, VideoID: v.VideoID}
	res, err = tx.ExecContext(ctx, `
		INSERT INTO upload (key, channel_id, video_id) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`,
		edge.Key(), edge.ChannelID, edge.VideoID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert upload edge %s: %w", edge.Key(), err)
	}
	inserted := logConflict(res, "upload", edge.Key())

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit video %s: %w", v.VideoID, err)
	}
	return inserted, nil
}

// UpsertVocalistEdge implements GraphStore.
func (s *SQLiteStore) UpsertVocalistEdge(ctx context.Context, e model.VocalistEdge) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vocalist (key, video_id, channel_id) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`,
		e.Key(), e.VideoID, e.ChannelID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert vocalist edge %s: %w", e.Key(), err)
	}
	return logConflict(res, "vocalist", e.Key()), nil
}

const channelColumns = `id, handle, title, description, last_publish_time, video_count`

// FindChannelByHandle implements GraphStore.
func (s *SQLiteStore) FindChannelByHandle(ctx context.Context, handle string) (model.ChannelRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channel WHERE handle = ? COLLATE NOCASE`, handle)
	return scanChannel(row.Scan)
}

// GetChannel implements GraphStore.
func (s *SQLiteStore) GetChannel(ctx context.Context, channelID string) (model.ChannelRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channel WHERE id = ?`, channelID)
	return scanChannel(row.Scan)
}

// GetVideo implements GraphStore.
func (s *SQLiteStore) GetVideo(ctx context.Context, videoID string) (model.VideoRecord, error) {
	var (
		v           model.VideoRecord
		publishTime string
		cleaned     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, publish_time, title, description, cleaned_text
		FROM video WHERE id = ?`, videoID,
	).Scan(&v.VideoID, &v.ChannelID, &publishTime, &v.Title, &v.Description, &cleaned)
	if errors.Is(err, sql.ErrNoRows) {
		return model.VideoRecord{}, ErrNotFound
	}
	if err != nil {
		return model.VideoRecord{}, fmt.Errorf("failed to query video %s: %w", videoID, err)
	}
	v.PublishTime = parseTime(publishTime)
	if cleaned.Valid {
		text := cleaned.String
		v.NormalizedText = &text
	}
	return v, nil
}

// Counts implements GraphStore.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM channel),
			(SELECT COUNT(*) FROM video),
			(SELECT COUNT(*) FROM upload),
			(SELECT COUNT(*) FROM vocalist)`,
	).Scan(&c.Channels, &c.Videos, &c.Uploads, &c.Vocalists)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count graph: %w", err)
	}
	return c, nil
}

func scanChannel(scan func(dest ...any) error) (model.ChannelRecord, error) {
	var (
		c           model.ChannelRecord
		publishTime string
	)
	err := scan(&c.ChannelID, &c.Handle, &c.Title, &c.Description, &publishTime, &c.VideoCount)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChannelRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ChannelRecord{}, fmt.Errorf("failed to query channel: %w", err)
	}
	c.LastPublishTime = parseTime(publishTime)
	return c, nil
}

// logConflict reports whether the insert wrote a row.
func logConflict(res sql.Result, kind, key string) bool {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Debug().Str("kind", kind).Str("key", key).Msg("Record already stored, ignoring")
		return false
	}
	return true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
