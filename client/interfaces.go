package client

import (
	"context"
	"errors"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
)

// ErrNotFound is returned when the provider has no record for the requested
// handle or identifier.
var ErrNotFound = errors.New("not found")

// Provider resolves creators and their content from a metadata source.
type Provider interface {
	// ResolveChannel looks up a channel by handle. The handle may carry a
	// leading '@'.
	ResolveChannel(ctx context.Context, handle string) (model.ChannelRecord, error)

	// ListChannelContent returns the channel's most recent videos.
	ListChannelContent(ctx context.Context, channelID string) ([]model.VideoRecord, error)

	// ListPlaylistContent returns the videos of a playlist.
	ListPlaylistContent(ctx context.Context, playlistID string) ([]model.VideoRecord, error)

	// ResolveContentItem looks up a single video.
	ResolveContentItem(ctx context.Context, videoID string) (model.VideoRecord, error)
}
