package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/researchaccelerator-hub/vocalist-crawler/client"
	"github.com/researchaccelerator-hub/vocalist-crawler/common"
	"github.com/researchaccelerator-hub/vocalist-crawler/config"
	"github.com/researchaccelerator-hub/vocalist-crawler/crawl"
	"github.com/researchaccelerator-hub/vocalist-crawler/dedup"
	"github.com/researchaccelerator-hub/vocalist-crawler/distributed"
	"github.com/researchaccelerator-hub/vocalist-crawler/metrics"
	"github.com/researchaccelerator-hub/vocalist-crawler/ner"
	"github.com/researchaccelerator-hub/vocalist-crawler/null_handler"
	"github.com/researchaccelerator-hub/vocalist-crawler/state"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// crawlFlags maps each flag of the crawl command to its configuration key.
var crawlFlags = map[string]string{
	"config":            "config",
	"seed":              "seed_handle",
	"seed-file":         "seed_file",
	"max-channels":      "max_channels",
	"failure-policy":    "failure_policy",
	"queue-backend":     "queue_backend",
	"queue-host":        "queue_host",
	"queue-port":        "queue_port",
	"store-backend":     "store_backend",
	"store-path":        "store_path",
	"extractor":         "extractor",
	"model-path":        "model_path",
	"validation-config": "validation_config",
	"metrics-addr":      "metrics_addr",
	"log-level":         "log_level",
	"log-format":        "log_format",
	"channel-interval":  "channel_interval_seconds",
	"video-interval":    "video_interval_seconds",
}

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	v := viper.New()
	d := config.DefaultCrawlerConfig()

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the creator graph from a seed channel",
		Long: `Crawl resolves the seed handle, publishes it to the channels topic and runs
the channel and video loops until interrupted or until --max-channels channel
episodes have been processed.

Every setting can also be given as an environment variable named after its
key in upper case (SEED_HANDLE, QUEUE_HOST, YOUTUBE_API_KEY, ...) or in the
file passed with --config.

Examples:
  # Crawl from a single seed over a local Dapr sidecar
  vocalist-crawler crawl --seed Soshi

  # Run without a broker and stop after 50 channels
  vocalist-crawler crawl --seed Soshi --queue-backend memory --max-channels 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCrawl(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringP("config", "c", "", "Path to a YAML or JSON config file")
	f.StringP("seed", "s", "", "Handle of the channel to start from")
	f.String("seed-file", "", "File or URL with additional seed handles, one per line")
	f.Int("max-channels", d.MaxChannels, "Stop after this many channel episodes (0 = unbounded)")
	f.String("failure-policy", d.FailurePolicy, "What to do with abandoned episodes: drop or deadletter")
	f.String("queue-backend", d.QueueBackend, "Queue backend: dapr, nats or memory")
	f.String("queue-host", d.QueueHost, "Dapr sidecar or NATS host")
	f.Int("queue-port", d.QueuePort, "Dapr sidecar gRPC or NATS port")
	f.String("store-backend", d.StoreBackend, "Graph store backend: sqlite or postgres")
	f.String("store-path", d.StorePath, "Directory of the SQLite graph store")
	f.String("extractor", d.Extractor, "Reference extractor: pattern or model")
	f.String("model-path", d.ModelPath, "Model served by the inference endpoint")
	f.String("validation-config", d.ValidationConfig, "JSON file of record validation rules")
	f.String("metrics-addr", d.MetricsAddr, "Listen address for /metrics and /healthz (empty disables)")
	f.String("log-level", d.LogLevel, "Log level")
	f.String("log-format", d.LogFormat, "Log format: console or json")
	f.Int("channel-interval", d.ChannelIntervalSeconds, "Seconds to pause after each channel")
	f.Int("video-interval", d.VideoIntervalSeconds, "Seconds to pause after each video")

	if err := bindFlags(v, f); err != nil {
		panic(err)
	}
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range crawlFlags {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// loadConfig reads and validates the configuration and sets up logging.
func loadConfig(v *viper.Viper) (*config.CrawlerConfig, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := common.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// collectSeeds returns the seed handle followed by the handles of the seed
// file, normalized and without duplicates.
func collectSeeds(cfg *config.CrawlerConfig) ([]string, error) {
	candidates := []string{cfg.SeedHandle}
	if cfg.SeedFile != "" {
		more, err := common.ReadSeedHandles(cfg.SeedFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed file: %w", err)
		}
		candidates = append(candidates, more...)
	}

	seen := make(map[string]bool, len(candidates))
	seeds := make([]string, 0, len(candidates))
	for _, c := range candidates {
		h := common.NormalizeHandle(c)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		seeds = append(seeds, h)
	}
	return seeds, nil
}

// runCrawl builds every component from cfg and runs the engine until ctx ends
// or the channel budget is spent.
func runCrawl(ctx context.Context, cfg *config.CrawlerConfig) error {
	crawlID := common.GenerateCrawlID()
	logger := log.With().Str("crawl_id", crawlID).Logger()

	seeds, err := collectSeeds(cfg)
	if err != nil {
		return err
	}
	rules, err := null_handler.LoadConfigFile(cfg.ValidationConfig)
	if err != nil {
		return fmt.Errorf("failed to load validation rules: %w", err)
	}

	store, err := state.New(ctx, state.Config{
		Backend:     cfg.StoreBackend,
		Path:        cfg.StorePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing graph store")
		}
	}()

	topics := distributed.NewTopics(cfg.TopicPrefix)
	queue, err := distributed.New(distributed.Options{
		Backend:    cfg.QueueBackend,
		Host:       cfg.QueueHost,
		Port:       cfg.QueuePort,
		AppPort:    cfg.QueueAppPort,
		PubsubName: cfg.PubsubName,
	}, distributed.NewDefaultRegistry(topics))
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing queue")
		}
	}()

	provider, err := client.NewYouTubeDataClient(ctx, client.YouTubeConfig{
		APIKey:     cfg.YouTubeAPIKey,
		MaxResults: cfg.YouTubeMaxResults,
		QPS:        cfg.YouTubeQPS,
		Timeout:    cfg.ProviderTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to create YouTube client: %w", err)
	}

	extractor, err := ner.New(cfg.Extractor, ner.ModelConfig{
		ModelPath: cfg.ModelPath,
		Endpoint:  cfg.ModelEndpoint,
		APIKey:    cfg.ModelAPIKey,
		Labels:    cfg.EntityLabels,
	})
	if err != nil {
		return fmt.Errorf("failed to create extractor: %w", err)
	}

	m := metrics.New()
	engine, err := crawl.NewEngine(crawl.Options{
		Seeds:           seeds,
		SeedDelay:       cfg.SeedDelay(),
		ChannelInterval: cfg.ChannelInterval(),
		VideoInterval:   cfg.VideoInterval(),
		FanoutLimit:     cfg.FanoutLimit,
		MaxChannels:     cfg.MaxChannels,
		FailurePolicy:   cfg.FailurePolicy,
		Topics:          topics,
		CrawlID:         crawlID,
	}, crawl.Dependencies{
		Queue:     queue,
		Provider:  provider,
		Store:     store,
		Extractor: extractor,
		Gate:      dedup.NewGate(dedup.NewCache(cfg.DedupTTL(), cfg.DedupMaxEntries), store, cfg.DedupRevisitKnown),
		Validator: null_handler.NewValidatorWithConfig(rules),
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("seed", cfg.SeedHandle).
		Int("seeds", len(seeds)).
		Str("queue_backend", cfg.QueueBackend).
		Str("store_backend", cfg.StoreBackend).
		Str("extractor", cfg.Extractor).
		Msg("Starting crawl")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return engine.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, m, func(ctx context.Context) error {
				_, err := store.Counts(ctx)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	counts, err := store.Counts(context.Background())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read graph size")
		return nil
	}
	logger.Info().
		Int64("channels", counts.Channels).
		Int64("videos", counts.Videos).
		Int64("uploads", counts.Uploads).
		Int64("vocalists", counts.Vocalists).
		Msg("Crawl finished")
	return nil
}
