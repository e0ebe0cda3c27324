package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/googleapi/transport"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"
)

// DefaultMaxResults is the page size for channel and playlist listings.
const DefaultMaxResults = 30

// YouTubeConfig configures a YouTubeDataClient.
type YouTubeConfig struct {
	APIKey     string
	MaxResults int64
	// QPS caps outgoing requests per second. Zero means unlimited.
	QPS     float64
	Timeout time.Duration
	// Endpoint overrides the API base URL.
	Endpoint string
}

// YouTubeDataClient implements Provider on the YouTube Data API v3.
type YouTubeDataClient struct {
	service    *ytapi.Service
	limiter    *rate.Limiter
	maxResults int64
}

// NewYouTubeDataClient creates a new YouTube data client
func NewYouTubeDataClient(ctx context.Context, cfg YouTubeConfig) (*YouTubeDataClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("YouTube API key is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	// A custom HTTP client bypasses option.WithAPIKey, so the key is attached
	// by the transport.
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &transport.APIKey{Key: cfg.APIKey},
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	service, err := ytapi.NewService(ctx, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create YouTube service")
		return nil, fmt.Errorf("failed to create YouTube service: %w", err)
	}

	limit := rate.Inf
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
	}

	log.Info().Int64("max_results", cfg.MaxResults).Float64("qps", cfg.QPS).Msg("Created YouTube Data API client")
	return &YouTubeDataClient{
		service:    service,
		limiter:    rate.NewLimiter(limit, 1),
		maxResults: cfg.MaxResults,
	}, nil
}

// ResolveChannel implements Provider. The returned record keeps the handle as
// given, without a leading '@'.
func (c *YouTubeDataClient) ResolveChannel(ctx context.Context, handle string) (model.ChannelRecord, error) {
	handle = strings.TrimPrefix(handle, "@")
	if err := c.limiter.Wait(ctx); err != nil {
		return model.ChannelRecord{}, err
	}

	response, err := c.service.Channels.List([]string{"snippet", "id", "statistics"}).
		ForHandle(handle).
		Context(ctx).
		Do()
	if err != nil {
		return model.ChannelRecord{}, wrapAPIError(err, "channel "+handle)
	}
	if len(response.Items) == 0 {
		return model.ChannelRecord{}, fmt.Errorf("channel %s: %w", handle, ErrNotFound)
	}

	item := response.Items[0]
	channel := model.ChannelRecord{
		ChannelID: item.Id,
		Handle:    handle,
	}
	if item.Snippet != nil {
		channel.Title = item.Snippet.Title
		channel.Description = item.Snippet.Description
		channel.LastPublishTime = parseTime(item.Snippet.PublishedAt)
	}
	if item.Statistics != nil {
		channel.VideoCount = int64(item.Statistics.VideoCount)
	}

	log.Debug().
		Str("handle", handle).
		Str("channel_id", channel.ChannelID).
		Int64("video_count", channel.VideoCount).
		Msg("YouTube channel resolved")

	return channel, nil
}

// ListChannelContent implements Provider. It searches the channel's newest
// uploads and then fetches their full snippets.
func (c *YouTubeDataClient) ListChannelContent(ctx context.Context, channelID string) ([]model.VideoRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := c.service.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		MaxResults(c.maxResults).
		Order("date").
		Type("video").
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapAPIError(err, "channel content "+channelID)
	}

	ids := make([]string, 0, len(response.Items))
	for _, item := range response.Items {
		if item.Id != nil && item.Id.Kind == "youtube#video" && item.Id.VideoId != "" {
			ids = append(ids, item.Id.VideoId)
		}
	}

	return c.listVideos(ctx, ids)
}

// ListPlaylistContent implements Provider.
func (c *YouTubeDataClient) ListPlaylistContent(ctx context.Context, playlistID string) ([]model.VideoRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := c.service.PlaylistItems.List([]string{"snippet"}).
		PlaylistId(playlistID).
		MaxResults(c.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapAPIError(err, "playlist "+playlistID)
	}

	ids := make([]string, 0, len(response.Items))
	for _, item := range response.Items {
		if item.Snippet == nil || item.Snippet.ResourceId == nil {
			continue
		}
		if item.Snippet.ResourceId.Kind == "youtube#video" {
			ids = append(ids, item.Snippet.ResourceId.VideoId)
		}
	}

	return c.listVideos(ctx, ids)
}

// ResolveContentItem implements Provider.
func (c *YouTubeDataClient) ResolveContentItem(ctx context.Context, videoID string) (model.VideoRecord, error) {
	videos, err := c.listVideos(ctx, []string{videoID})
	if err != nil {
		return model.VideoRecord{}, err
	}
	if len(videos) == 0 {
		return model.VideoRecord{}, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	return videos[0], nil
}

func (c *YouTubeDataClient) listVideos(ctx context.Context, ids []string) ([]model.VideoRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := c.service.Videos.List([]string{"snippet", "contentDetails"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapAPIError(err, fmt.Sprintf("%d videos", len(ids)))
	}

	videos := make([]model.VideoRecord, 0, len(response.Items))
	for _, item := range response.Items {
		if item.Snippet == nil {
			continue
		}
		videos = append(videos, model.VideoRecord{
			VideoID:     item.Id,
			ChannelID:   item.Snippet.ChannelId,
			PublishTime: parseTime(item.Snippet.PublishedAt),
			Title:       item.Snippet.Title,
			Description: item.Snippet.Description,
		})
	}
	return videos, nil
}

// wrapAPIError maps a 404 from the API onto ErrNotFound.
func wrapAPIError(err error, what string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("YouTube API request for %s failed: %w", what, err)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
