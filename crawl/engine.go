// Package crawl runs the breadth-first traversal of the creator graph. Three
// loops share one context: the seed loop publishes the root channels, the
// channel loop expands a channel into its in-scope videos, and the video loop
// expands a video into the channels referenced in its text.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/researchaccelerator-hub/vocalist-crawler/client"
	"github.com/researchaccelerator-hub/vocalist-crawler/config"
	"github.com/researchaccelerator-hub/vocalist-crawler/dedup"
	"github.com/researchaccelerator-hub/vocalist-crawler/distributed"
	"github.com/researchaccelerator-hub/vocalist-crawler/metrics"
	"github.com/researchaccelerator-hub/vocalist-crawler/ner"
	"github.com/researchaccelerator-hub/vocalist-crawler/null_handler"
	"github.com/researchaccelerator-hub/vocalist-crawler/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Loop names used in logs and metric labels.
const (
	loopSeed    = "seed"
	loopChannel = "channel"
	loopVideo   = "video"
)

// ErrNoSeeds is returned by NewEngine when no root handle is configured.
var ErrNoSeeds = errors.New("no seed handles")

// Options tunes the traversal.
type Options struct {
	Seeds           []string
	SeedDelay       time.Duration
	ChannelInterval time.Duration
	VideoInterval   time.Duration

	// FanoutLimit caps concurrent sub-operations inside one episode.
	FanoutLimit int

	// MaxChannels stops the crawl after that many channel episodes. Zero
	// means no limit.
	MaxChannels int

	FailurePolicy string
	Topics        distributed.Topics
	CrawlID       string
}

// Dependencies are the collaborators the engine drives. Validator and
// Metrics are optional.
type Dependencies struct {
	Queue     distributed.Queue
	Provider  client.Provider
	Store     state.GraphStore
	Extractor ner.Extractor
	Gate      *dedup.Gate
	Validator *null_handler.Validator
	Metrics   *metrics.Metrics
}

// Engine owns the three crawl loops.
type Engine struct {
	opts      Options
	queue     distributed.Queue
	provider  client.Provider
	store     state.GraphStore
	extractor ner.Extractor
	gate      *dedup.Gate
	validator *null_handler.Validator
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	channelEpisodes atomic.Int64
	stop            context.CancelFunc
}

// NewEngine checks the options and wires the dependencies.
func NewEngine(opts Options, deps Dependencies) (*Engine, error) {
	if len(opts.Seeds) == 0 {
		return nil, ErrNoSeeds
	}
	if deps.Queue == nil || deps.Provider == nil || deps.Store == nil || deps.Extractor == nil || deps.Gate == nil {
		return nil, fmt.Errorf("engine requires queue, provider, store, extractor and dedup gate")
	}
	if opts.FanoutLimit <= 0 {
		opts.FanoutLimit = 1
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = config.FailurePolicyDrop
	}
	if opts.Topics == (distributed.Topics{}) {
		opts.Topics = distributed.NewTopics(distributed.DefaultTopicPrefix)
	}
	if deps.Validator == nil {
		deps.Validator = null_handler.NewValidator()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	return &Engine{
		opts:      opts,
		queue:     deps.Queue,
		provider:  deps.Provider,
		store:     deps.Store,
		extractor: deps.Extractor,
		gate:      deps.Gate,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		logger:    log.With().Str("crawl_id", opts.CrawlID).Logger(),
		stop:      func() {},
	}, nil
}

// Run subscribes to both topics, starts the queue and blocks until ctx is
// cancelled, the channel budget is spent or a loop fails. A stop caused by
// cancellation or the budget returns nil.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.stop = cancel

	channels, err := e.queue.Subscribe(ctx, e.opts.Topics.Channels)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", e.opts.Topics.Channels, err)
	}
	videos, err := e.queue.Subscribe(ctx, e.opts.Topics.Videos)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", e.opts.Topics.Videos, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.queue.Start(gctx)
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("queue stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error { return e.seedLoop(gctx) })
	g.Go(func() error { return e.consume(gctx, loopChannel, channels, e.opts.ChannelInterval, e.handleChannel) })
	g.Go(func() error { return e.consume(gctx, loopVideo, videos, e.opts.VideoInterval, e.handleVideo) })

	e.logger.Info().
		Strs("seeds", e.opts.Seeds).
		Str("channels_topic", e.opts.Topics.Channels).
		Str("videos_topic", e.opts.Topics.Videos).
		Msg("Crawl started")

	err = g.Wait()
	e.logger.Info().Int64("channel_episodes", e.channelEpisodes.Load()).Msg("Crawl stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// seedLoop publishes every seed handle once after the startup delay.
func (e *Engine) seedLoop(ctx context.Context) error {
	if !sleep(ctx, e.opts.SeedDelay) {
		return nil
	}
	for _, handle := range e.opts.Seeds {
		if ctx.Err() != nil {
			return nil
		}
		if !e.gate.Admit(ctx, handle) {
			e.logger.Debug().Str("handle", handle).Msg("Seed already enqueued")
			continue
		}
		if _, ok := e.enqueueChannel(ctx, handle); !ok {
			e.logger.Warn().Str("handle", handle).Msg("Seed could not be resolved")
		}
	}
	e.logger.Info().Int("seeds", len(e.opts.Seeds)).Msg("Seed loop finished")
	return nil
}

// episodeFunc processes one message. A returned error abandons the episode.
type episodeFunc func(ctx context.Context, msg distributed.Message) error

// consume runs one loop: receive, process, then pause for interval. It
// returns nil when ctx ends and ErrClosed when the queue closes the stream.
func (e *Engine) consume(ctx context.Context, loop string, in <-chan distributed.Message, interval time.Duration, handle episodeFunc) error {
	for {
		var msg distributed.Message
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case msg, ok = <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s loop: %w", loop, distributed.ErrClosed)
			}
		}

		start := time.Now()
		if err := handle(ctx, msg); err != nil {
			e.abandon(ctx, loop, msg, err)
		} else {
			e.metrics.Episodes.WithLabelValues(loop, metrics.OutcomeOK).Inc()
		}
		e.metrics.EpisodeDuration.WithLabelValues(loop).Observe(time.Since(start).Seconds())

		if loop == loopChannel && e.budgetSpent() {
			e.logger.Info().Int("max_channels", e.opts.MaxChannels).Msg("Channel budget reached, stopping crawl")
			e.stop()
			return nil
		}
		if !sleep(ctx, interval) {
			return nil
		}
	}
}

func (e *Engine) budgetSpent() bool {
	n := e.channelEpisodes.Add(1)
	return e.opts.MaxChannels > 0 && n >= int64(e.opts.MaxChannels)
}

// abandon applies the failure policy to a failed episode.
func (e *Engine) abandon(ctx context.Context, loop string, msg distributed.Message, cause error) {
	e.metrics.Episodes.WithLabelValues(loop, metrics.OutcomeAbandoned).Inc()
	e.logger.Warn().Err(cause).Str("loop", loop).Str("topic", msg.Topic).Msg("Episode abandoned")

	if e.opts.FailurePolicy != config.FailurePolicyDeadLetter {
		return
	}
	dl := distributed.NewDeadLetterMessage(msg.Topic, msg.Data, cause)
	if err := e.queue.Publish(context.WithoutCancel(ctx), e.opts.Topics.DeadLetter, dl); err != nil {
		e.logger.Error().Err(err).Str("trace_id", dl.TraceID).Msg("Failed to publish dead letter")
		return
	}
	e.metrics.Published.WithLabelValues(e.opts.Topics.DeadLetter).Inc()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
