package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/rs/zerolog/log"
)

const (
	maxConnectAttempts = 5
	connectInterval    = 2 * time.Second
)

// PostgresStore is a GraphStore backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL, retrying while the database comes
// up, and creates the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				break
			} else {
				pool.Close()
				pool = nil
				err = pingErr
			}
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", maxConnectAttempts).Msg("Database connection attempt failed")
		if attempt < maxConnectAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(connectInterval):
			}
		}
	}
	if pool == nil {
		return nil, fmt.Errorf("database connection failed after %d attempts: %w", maxConnectAttempts, err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Info().Msg("Connected to Postgres graph store")
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS channel (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			last_publish_time TIMESTAMPTZ,
			video_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS video (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			publish_time TIMESTAMPTZ,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			cleaned_text TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_video_channel ON video(channel_id)`,
		`CREATE TABLE IF NOT EXISTS upload (
			key TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			video_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vocalist (
			key TEXT PRIMARY KEY,
			video_id TEXT NOT NULL,
			channel_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vocalist_channel ON vocalist(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_handle_lower ON channel(lower(handle))`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// UpsertChannel implements GraphStore.
func (s *PostgresStore) UpsertChannel(ctx context.Context, c model.ChannelRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO channel (id, handle, title, description, last_publish_time, video_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		c.ChannelID, c.Handle, c.Title, c.Description, nullTime(c.LastPublishTime), c.VideoCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert channel %s: %w", c.ChannelID, err)
	}
	logTagConflict(tag, "channel", c.ChannelID)
	return nil
}

// UpsertVideo implements GraphStore.
func (s *PostgresStore) UpsertVideo(ctx context.Context, v model.VideoRecord) (bool, error) {
	edge := model.UploadEdge{ChannelID: v.ChannelID, VideoID: v.VideoID}

	var inserted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO video (id, channel_id, publish_time, title, description, cleaned_text)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING`,
			v.VideoID, v.ChannelID, nullTime(v.PublishTime), v.Title, v.Description, v.NormalizedText,
		)
		if err != nil {
			return fmt.Errorf("failed to insert video %s: %w", v.VideoID, err)
		}
		logTagConflict(tag, "video", v.VideoID)

		tag, err = tx.Exec(ctx, `
			INSERT INTO upload (key, channel_id, video_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			edge.Key(), edge.ChannelID, edge.VideoID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert upload edge %s: %w", edge.Key(), err)
		}
		inserted = logTagConflict(tag, "upload", edge.Key())
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// UpsertVocalistEdge implements GraphStore.
func (s *PostgresStore) UpsertVocalistEdge(ctx context.Context, e model.VocalistEdge) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO vocalist (key, video_id, channel_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		e.Key(), e.VideoID, e.ChannelID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert vocalist edge %s: %w", e.Key(), err)
	}
	return logTagConflict(tag, "vocalist", e.Key()), nil
}

// FindChannelByHandle implements GraphStore.
func (s *PostgresStore) FindChannelByHandle(ctx context.Context, handle string) (model.ChannelRecord, error) {
	return s.queryChannel(ctx, `SELECT `+channelColumns+` FROM channel WHERE lower(handle) = lower($1)`, handle)
}

// GetChannel implements GraphStore.
func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (model.ChannelRecord, error) {
	return s.queryChannel(ctx, `SELECT `+channelColumns+` FROM channel WHERE id = $1`, channelID)
}

func (s *PostgresStore) queryChannel(ctx context.Context, query, arg string) (model.ChannelRecord, error) {
	var (
		c           model.ChannelRecord
		publishTime *time.Time
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&c.ChannelID, &c.Handle, &c.Title, &c.Description, &publishTime, &c.VideoCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChannelRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ChannelRecord{}, fmt.Errorf("failed to query channel %s: %w", arg, err)
	}
	if publishTime != nil {
		c.LastPublishTime = publishTime.UTC()
	}
	return c, nil
}

// GetVideo implements GraphStore.
func (s *PostgresStore) GetVideo(ctx context.Context, videoID string) (model.VideoRecord, error) {
	var (
		v           model.VideoRecord
		publishTime *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, channel_id, publish_time, title, description, cleaned_text
		FROM video WHERE id = $1`, videoID,
	).Scan(&v.VideoID, &v.ChannelID, &publishTime, &v.Title, &v.Description, &v.NormalizedText)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VideoRecord{}, ErrNotFound
	}
	if err != nil {
		return model.VideoRecord{}, fmt.Errorf("failed to query video %s: %w", videoID, err)
	}
	if publishTime != nil {
		v.PublishTime = publishTime.UTC()
	}
	return v, nil
}

// Counts implements GraphStore.
func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx, `
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

// logTagConflict reports whether the insert wrote a row.
func logTagConflict(tag pgconn.CommandTag, kind, key string) bool {
	if tag.RowsAffected() == 0 {
		log.Debug().Str("kind", kind).Str("key", key).Msg("Record already stored, ignoring")
		return false
	}
	return true
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
