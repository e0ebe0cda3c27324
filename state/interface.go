package state

import (
	"context"
	"errors"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("record not found")

// GraphStore persists the creator graph: channel and video vertices, upload
// edges (channel to video) and vocalist edges (video to channel). Inserts that
// conflict with an existing key are no-ops.
type GraphStore interface {
	// UpsertChannel stores a channel vertex.
	UpsertChannel(ctx context.Context, channel model.ChannelRecord) error

	// UpsertVideo stores a video vertex and the upload edge from its owning
	// channel. It reports whether the upload edge was new.
	UpsertVideo(ctx context.Context, video model.VideoRecord) (bool, error)

	// UpsertVocalistEdge links a video to a channel referenced in its text and
	// reports whether the edge was new.
	UpsertVocalistEdge(ctx context.Context, edge model.VocalistEdge) (bool, error)

	// FindChannelByHandle matches handles case-insensitively and returns
	// ErrNotFound when no channel has handle.

	FindChannelByHandle(ctx context.Context, handle string) (model.ChannelRecord, error)

	GetChannel(ctx context.Context, channelID string) (model.ChannelRecord, error)
	GetVideo(ctx context.Context, videoID string) (model.VideoRecord, error)

	// Counts returns the number of stored vertices and edges.
	Counts(ctx context.Context) (Counts, error)

	Close() error
}

// Counts summarizes the size of the stored graph.
type Counts struct {
	Channels  int64 `json:"channels"`
	Videos    int64 `json:"videos"`
	Uploads   int64 `json:"uploads"`
	Vocalists int64 `json:"vocalists"`
}

// Backends accepted by New.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and configures a GraphStore backend.
type Config struct {
	Backend string

	// Path is the directory holding the SQLite database file.
	Path string

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string
}
