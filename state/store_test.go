package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every GraphStore must share. ids are
// suffixed so runs against a shared database do not collide.
func exerciseStore(t *testing.T, store GraphStore, suffix string) {
	ctx := context.Background()
	before, err := store.Counts(ctx)
	require.NoError(t, err)

	published := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	text := "acoustic cover <NEWLINE> vocal @guest1"

	soshi := model.ChannelRecord{
		ChannelID:       "UCsoshi" + suffix,
		Handle:          "Soshi" + suffix,
		Title:           "Soshi",
		LastPublishTime: published,
		VideoCount:      3,
	}
	guest := model.ChannelRecord{ChannelID: "UCguest" + suffix, Handle: "guest1" + suffix}
	video := model.VideoRecord{
		VideoID:        "v1" + suffix,
		ChannelID:      soshi.ChannelID,
		PublishTime:    published,
		Title:          "Acoustic Cover",
		Description:    "vocal @guest1",
		NormalizedText: &text,
	}
	edge := model.VocalistEdge{VideoID: video.VideoID, ChannelID: guest.ChannelID}

	t.Run("insert and read back", func(t *testing.T) {
		require.NoError(t, store.UpsertChannel(ctx, soshi))
		require.NoError(t, store.UpsertChannel(ctx, guest))
		inserted, err := store.UpsertVideo(ctx, video)
		require.NoError(t, err)
		assert.True(t, inserted)
		inserted, err = store.UpsertVocalistEdge(ctx, edge)
		require.NoError(t, err)
		assert.True(t, inserted)

		got, err := store.FindChannelByHandle(ctx, soshi.Handle)
		require.NoError(t, err)
		assert.Equal(t, soshi, got)

		got, err = store.FindChannelByHandle(ctx, strings.ToLower(soshi.Handle))
		require.NoError(t, err, "handle lookup ignores case")
		assert.Equal(t, soshi.ChannelID, got.ChannelID)

		got, err = store.GetChannel(ctx, guest.ChannelID)
		require.NoError(t, err)
		assert.Equal(t, guest.Handle, got.Handle)
		assert.True(t, got.LastPublishTime.IsZero())

		gotVideo, err := store.GetVideo(ctx, video.VideoID)
		require.NoError(t, err)
		assert.Equal(t, video, gotVideo)
	})

	t.Run("repeated inserts are idempotent", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, store.UpsertChannel(ctx, soshi))
			inserted, err := store.UpsertVideo(ctx, video)
			require.NoError(t, err)
			assert.False(t, inserted)
			inserted, err = store.UpsertVocalistEdge(ctx, edge)
			require.NoError(t, err)
			assert.False(t, inserted)
		}

		// A different id with a taken handle is ignored too.
		require.NoError(t, store.UpsertChannel(ctx, model.ChannelRecord{ChannelID: "UCother" + suffix, Handle: soshi.Handle}))

		after, err := store.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.Channels+2, after.Channels)
		assert.Equal(t, before.Videos+1, after.Videos)
		assert.Equal(t, before.Uploads+1, after.Uploads)
		assert.Equal(t, before.Vocalists+1, after.Vocalists)
	})

	t.Run("missing records", func(t *testing.T) {
		_, err := store.FindChannelByHandle(ctx, "nobody"+suffix)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetChannel(ctx, "UCnone"+suffix)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetVideo(ctx, "none"+suffix)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("video without normalized text", func(t *testing.T) {
		raw := model.VideoRecord{VideoID: "v2" + suffix, ChannelID: soshi.ChannelID, Title: "raw"}
		_, err := store.UpsertVideo(ctx, raw)
		require.NoError(t, err)

		got, err := store.GetVideo(ctx, raw.VideoID)
		require.NoError(t, err)
		assert.Nil(t, got.NormalizedText)
		assert.True(t, got.PublishTime.IsZero())
	})
}

func TestSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	defer store.Close()

	assert.FileExists(t, filepath.Join(dir, SQLiteFileName))
	exerciseStore(t, store, "")
}

func TestSQLiteStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.UpsertChannel(ctx, model.ChannelRecord{ChannelID: "UC1", Handle: "Soshi"}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.FindChannelByHandle(ctx, "Soshi")
	require.NoError(t, err)
	assert.Equal(t, "UC1", got.ChannelID)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	store, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store, "-"+uuid.NewString()[:8])
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "default sqlite", config: Config{Path: t.TempDir()}},
		{name: "explicit sqlite", config: Config{Backend: BackendSQLite, Path: t.TempDir()}},
		{name: "postgres without url", config: Config{Backend: BackendPostgres}, wantErr: true},
		{name: "unknown backend", config: Config{Backend: "arangodb"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(context.Background(), tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, store.Close())
		})
	}
}
