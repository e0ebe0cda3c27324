package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/researchaccelerator-hub/vocalist-crawler/client"
	"github.com/researchaccelerator-hub/vocalist-crawler/distributed"
	"github.com/researchaccelerator-hub/vocalist-crawler/model"
	"github.com/researchaccelerator-hub/vocalist-crawler/ner"
	"github.com/researchaccelerator-hub/vocalist-crawler/preprocess"
	"github.com/researchaccelerator-hub/vocalist-crawler/state"
	"golang.org/x/sync/errgroup"
)

// Edge kinds used as metric labels.
const (
	edgeUpload   = "upload"
	edgeVocalist = "vocalist"
)

// handleChannel persists a channel, then stores and publishes its in-scope
// videos.
func (e *Engine) handleChannel(ctx context.Context, msg distributed.Message) error {
	channel, ok := msg.Body.(model.ChannelRecord)
	if !ok {
		return fmt.Errorf("unexpected channel body %T", msg.Body)
	}
	if res := e.validator.ValidateChannel(channel); !res.Valid {
		return fmt.Errorf("invalid channel record: %s", strings.Join(res.Errors, "; "))
	}

	logger := e.logger.With().Str("channel_id", channel.ChannelID).Str("handle", channel.Handle).Logger()
	if err := e.store.UpsertChannel(context.WithoutCancel(ctx), channel); err != nil {
		logger.Error().Err(err).Msg("Failed to store channel")
	}

	videos, err := e.provider.ListChannelContent(ctx, channel.ChannelID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.metrics.ProviderErrors.WithLabelValues("list_channel_content").Inc()
		logger.Warn().Err(err).Msg("Failed to list channel content")
		videos = nil
	}

	inScope := preprocess.FilterInScope(preprocess.NormalizeAll(videos))
	e.metrics.FilteredVideos.Add(float64(len(videos) - len(inScope)))
	logger.Info().Int("listed", len(videos)).Int("in_scope", len(inScope)).Msg("Expanding channel")

	var g errgroup.Group
	g.SetLimit(e.opts.FanoutLimit)
	for _, video := range inScope {
		if video.ChannelID == "" {
			video.ChannelID = channel.ChannelID
		}
		g.Go(func() error {
			e.storeAndPublishVideo(ctx, video)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (e *Engine) storeAndPublishVideo(ctx context.Context, video model.VideoRecord) {
	logger := e.logger.With().Str("video_id", video.VideoID).Str("channel_id", video.ChannelID).Logger()
	if res := e.validator.ValidateVideo(video); !res.Valid {
		logger.Warn().Strs("errors", res.Errors).Msg("Skipping invalid video")
		return
	}

	inserted, err := e.store.UpsertVideo(context.WithoutCancel(ctx), video)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Failed to store video")
	case inserted:
		e.metrics.StoredEdges.WithLabelValues(edgeUpload).Inc()
	}

	if ctx.Err() != nil {
		return
	}
	if err := e.queue.Publish(ctx, e.opts.Topics.Videos, video); err != nil {
		logger.Error().Err(err).Msg("Failed to publish video")
		return
	}
	e.metrics.Published.WithLabelValues(e.opts.Topics.Videos).Inc()
}

// handleVideo extracts channel references from a video and enqueues every
// handle the dedup gate admits. An extraction failure abandons the episode.
func (e *Engine) handleVideo(ctx context.Context, msg distributed.Message) error {
	video, ok := msg.Body.(model.VideoRecord)
	if !ok {
		return fmt.Errorf("unexpected video body %T", msg.Body)
	}
	if !video.IsNormalized() {
		video = preprocess.Normalize(video)
	}

	entities, err := e.extractor.ExtractEntities(ctx, video.Text())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("extraction failed for video %s: %w", video.VideoID, err)
	}
	refs := e.extractor.DeriveMap(entities, ner.LabelVocalistRef)
	if len(refs) == 0 {
		return nil
	}
	e.logger.Debug().Str("video_id", video.VideoID).Int("refs", len(refs)).Msg("Expanding video")

	var g errgroup.Group
	g.SetLimit(e.opts.FanoutLimit)
	for handle := range refs {
		g.Go(func() error {
			e.followReference(ctx, video.VideoID, handle)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// followReference enqueues handle when the gate admits it and links the
// video to the resolved channel. A handle the gate skips is still linked
// when the store already knows its channel.
func (e *Engine) followReference(ctx context.Context, videoID, handle string) {
	var channel model.ChannelRecord
	if e.gate.Admit(ctx, handle) {
		var ok bool
		channel, ok = e.enqueueChannel(ctx, handle)
		if !ok {
			return
		}
	} else {
		e.metrics.DedupSkips.Inc()
		known, err := e.store.FindChannelByHandle(ctx, handle)
		if err != nil {
			if !errors.Is(err, state.ErrNotFound) {
				e.logger.Debug().Err(err).Str("handle", handle).Msg("Store lookup failed")
			}
			return
		}
		channel = known
	}

	edge := model.VocalistEdge{VideoID: videoID, ChannelID: channel.ChannelID}
	inserted, err := e.store.UpsertVocalistEdge(context.WithoutCancel(ctx), edge)
	if err != nil {
		e.logger.Error().Err(err).Str("key", edge.Key()).Msg("Failed to store vocalist edge")
		return
	}
	if inserted {
		e.metrics.StoredEdges.WithLabelValues(edgeVocalist).Inc()
	}
}

// enqueueChannel resolves handle, stores the channel vertex and publishes the
// record. Storing it here lets references to the same handle that the gate
// skips be linked before the channel loop reaches it. Failures are logged and
// reported as false.
func (e *Engine) enqueueChannel(ctx context.Context, handle string) (model.ChannelRecord, bool) {
	channel, err := e.provider.ResolveChannel(ctx, handle)
	if err != nil {
		if ctx.Err() != nil {
			return model.ChannelRecord{}, false
		}
		if !errors.Is(err, client.ErrNotFound) {
			e.metrics.ProviderErrors.WithLabelValues("resolve_channel").Inc()
		}
		e.logger.Debug().Err(err).Str("handle", handle).Msg("Failed to resolve channel")
		return model.ChannelRecord{}, false
	}

	if res := e.validator.ValidateChannel(channel); res.Valid {
		if err := e.store.UpsertChannel(context.WithoutCancel(ctx), channel); err != nil {
			e.logger.Error().Err(err).Str("handle", handle).Msg("Failed to store channel")
		}
	}

	if err := e.queue.Publish(ctx, e.opts.Topics.Channels, channel); err != nil {
		e.logger.Error().Err(err).Str("handle", handle).Msg("Failed to publish channel")
		return channel, true
	}
	e.metrics.Published.WithLabelValues(e.opts.Topics.Channels).Inc()
	e.logger.Info().Str("handle", handle).Str("channel_id", channel.ChannelID).Msg("Channel enqueued")
	return channel, true
}
