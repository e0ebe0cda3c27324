// Package config provides the crawler's configuration, loaded from flags,
// environment and an optional config file through viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Validation errors returned by CrawlerConfig.Validate.
var (
	ErrMissingSeed     = errors.New("seed_handle is required")
	ErrMissingAPIKey   = errors.New("youtube_api_key is required")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidDedup    = errors.New("invalid dedup settings")
	ErrInvalidBackend  = errors.New("invalid backend")
	ErrInvalidPolicy   = errors.New("invalid failure policy")
	ErrMissingModel    = errors.New("model extractor requires model_path")
)

// Failure policies for abandoned episodes.
const (
	FailurePolicyDrop       = "drop"
	FailurePolicyDeadLetter = "deadletter"
)

// CrawlerConfig holds every setting of a crawl.
type CrawlerConfig struct {
	SeedHandle string `mapstructure:"seed_handle" json:"seed_handle"`
	// SeedFile optionally adds handles from a file or URL, one per line.
	SeedFile string `mapstructure:"seed_file" json:"seed_file"`

	// Loop timing
	SeedDelaySeconds       int `mapstructure:"seed_delay_seconds" json:"seed_delay_seconds"`
	ChannelIntervalSeconds int `mapstructure:"channel_interval_seconds" json:"channel_interval_seconds"`
	VideoIntervalSeconds   int `mapstructure:"video_interval_seconds" json:"video_interval_seconds"`

	// Dedup cache
	DedupTTLSeconds   int  `mapstructure:"dedup_ttl_seconds" json:"dedup_ttl_seconds"`
	DedupMaxEntries   int  `mapstructure:"dedup_max_entries" json:"dedup_max_entries"`
	DedupRevisitKnown bool `mapstructure:"dedup_revisit_known" json:"dedup_revisit_known"`

	// Engine behaviour
	FanoutLimit   int    `mapstructure:"fanout_limit" json:"fanout_limit"`
	MaxChannels   int    `mapstructure:"max_channels" json:"max_channels"`
	FailurePolicy string `mapstructure:"failure_policy" json:"failure_policy"`

	// Queue
	QueueBackend string `mapstructure:"queue_backend" json:"queue_backend"`
	QueueHost    string `mapstructure:"queue_host" json:"queue_host"`
	QueuePort    int    `mapstructure:"queue_port" json:"queue_port"`
	QueueAppPort int    `mapstructure:"queue_app_port" json:"queue_app_port"`
	PubsubName   string `mapstructure:"pubsub_name" json:"pubsub_name"`
	TopicPrefix  string `mapstructure:"topic_prefix" json:"topic_prefix"`

	// Graph store
	StoreBackend string `mapstructure:"store_backend" json:"store_backend"`
	StorePath    string `mapstructure:"store_path" json:"store_path"`
	DatabaseURL  string `mapstructure:"database_url" json:"-"`

	// Reference extraction
	Extractor     string   `mapstructure:"extractor" json:"extractor"`
	ModelPath     string   `mapstructure:"model_path" json:"model_path"`
	ModelEndpoint string   `mapstructure:"model_endpoint" json:"model_endpoint"`
	ModelAPIKey   string   `mapstructure:"model_api_key" json:"-"`
	EntityLabels  []string `mapstructure:"entity_labels" json:"entity_labels"`

	// Provider
	YouTubeAPIKey          string  `mapstructure:"youtube_api_key" json:"-"`
	YouTubeMaxResults      int64   `mapstructure:"youtube_max_results" json:"youtube_max_results"`
	YouTubeQPS             float64 `mapstructure:"youtube_qps" json:"youtube_qps"`
	ProviderTimeoutSeconds int     `mapstructure:"provider_timeout_seconds" json:"provider_timeout_seconds"`

	// ValidationConfig is an optional JSON file of record validation rules
	// merged over the built-in ones.
	ValidationConfig string `mapstructure:"validation_config" json:"validation_config"`

	// Observability
	MetricsAddr string `mapstructure:"metrics_addr" json:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level" json:"log_level"`
	LogFormat   string `mapstructure:"log_format" json:"log_format"`
}

// DefaultCrawlerConfig returns a configuration with the deployment defaults.
func DefaultCrawlerConfig() *CrawlerConfig {
	return &CrawlerConfig{
		SeedDelaySeconds:       1,
		ChannelIntervalSeconds: 21,
		VideoIntervalSeconds:   5,
		DedupTTLSeconds:        600,
		DedupMaxEntries:        128,
		DedupRevisitKnown:      true,
		FanoutLimit:            8,
		MaxChannels:            0,
		FailurePolicy:          FailurePolicyDrop,
		QueueBackend:           "dapr",
		QueueHost:              "localhost",
		QueuePort:              50001,
		QueueAppPort:           6002,
		PubsubName:             "pubsub",
		TopicPrefix:            "source/",
		StoreBackend:           "sqlite",
		StorePath:              "./data",
		Extractor:              "pattern",
		EntityLabels:           []string{"ORIGINAL_LINK", "ORIGINAL_TITLE", "VOCALIST_LINK", "VOCALIST_NAME", "VOCALIST_REF"},
		YouTubeMaxResults:      30,
		ProviderTimeoutSeconds: 30,
		LogLevel:               "info",
		LogFormat:              "console",
	}
}

// SetDefaults registers every key and its default on v, so that environment
// variables are picked up for all of them.
func SetDefaults(v *viper.Viper) {
	d := DefaultCrawlerConfig()
	v.SetDefault("seed_handle", d.SeedHandle)
	v.SetDefault("seed_file", d.SeedFile)
	v.SetDefault("seed_delay_seconds", d.SeedDelaySeconds)
	v.SetDefault("channel_interval_seconds", d.ChannelIntervalSeconds)
	v.SetDefault("video_interval_seconds", d.VideoIntervalSeconds)
	v.SetDefault("dedup_ttl_seconds", d.DedupTTLSeconds)
	v.SetDefault("dedup_max_entries", d.DedupMaxEntries)
	v.SetDefault("dedup_revisit_known", d.DedupRevisitKnown)
	v.SetDefault("fanout_limit", d.FanoutLimit)
	v.SetDefault("max_channels", d.MaxChannels)
	v.SetDefault("failure_policy", d.FailurePolicy)
	v.SetDefault("queue_backend", d.QueueBackend)
	v.SetDefault("queue_host", d.QueueHost)
	v.SetDefault("queue_port", d.QueuePort)
	v.SetDefault("queue_app_port", d.QueueAppPort)
	v.SetDefault("pubsub_name", d.PubsubName)
	v.SetDefault("topic_prefix", d.TopicPrefix)
	v.SetDefault("store_backend", d.StoreBackend)
	v.SetDefault("store_path", d.StorePath)
	v.SetDefault("database_url", d.DatabaseURL)
	v.SetDefault("extractor", d.Extractor)
	v.SetDefault("model_path", d.ModelPath)
	v.SetDefault("model_endpoint", d.ModelEndpoint)
	v.SetDefault("model_api_key", d.ModelAPIKey)
	v.SetDefault("entity_labels", d.EntityLabels)
	v.SetDefault("youtube_api_key", d.YouTubeAPIKey)
	v.SetDefault("youtube_max_results", d.YouTubeMaxResults)
	v.SetDefault("youtube_qps", d.YouTubeQPS)
	v.SetDefault("provider_timeout_seconds", d.ProviderTimeoutSeconds)
	v.SetDefault("validation_config", d.ValidationConfig)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// Load reads the configuration from v. Keys are also looked up in the
// environment under their upper-case names, e.g. SEED_HANDLE.
func Load(v *viper.Viper) (*CrawlerConfig, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	cfg := &CrawlerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *CrawlerConfig) Validate() error {
	if c.SeedHandle == "" {
		return ErrMissingSeed
	}
	if c.YouTubeAPIKey == "" {
		return ErrMissingAPIKey
	}

	if c.SeedDelaySeconds < 0 {
		return fmt.Errorf("%w: seed_delay_seconds cannot be negative", ErrInvalidInterval)
	}
	if c.ChannelIntervalSeconds < 0 {
		return fmt.Errorf("%w: channel_interval_seconds cannot be negative", ErrInvalidInterval)
	}
	if c.VideoIntervalSeconds < 0 {
		return fmt.Errorf("%w: video_interval_seconds cannot be negative", ErrInvalidInterval)
	}
	if c.ProviderTimeoutSeconds < 1 {
		return fmt.Errorf("%w: provider_timeout_seconds must be at least 1", ErrInvalidInterval)
	}

	if c.DedupTTLSeconds < 1 {
		return fmt.Errorf("%w: dedup_ttl_seconds must be at least 1", ErrInvalidDedup)
	}
	if c.DedupMaxEntries < 1 {
		return fmt.Errorf("%w: dedup_max_entries must be at least 1", ErrInvalidDedup)
	}

	if c.FanoutLimit < 1 {
		return fmt.Errorf("fanout_limit must be at least 1")
	}
	if c.MaxChannels < 0 {
		return fmt.Errorf("max_channels cannot be negative")
	}

	switch c.FailurePolicy {
	case FailurePolicyDrop, FailurePolicyDeadLetter:
	default:
		return fmt.Errorf("%w '%s', must be one of: drop, deadletter", ErrInvalidPolicy, c.FailurePolicy)
	}

	switch c.QueueBackend {
	case "dapr", "nats", "memory":
	default:
		return fmt.Errorf("%w: queue_backend '%s', must be one of: dapr, nats, memory", ErrInvalidBackend, c.QueueBackend)
	}

	switch c.StoreBackend {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: postgres store requires database_url", ErrInvalidBackend)
		}
	default:
		return fmt.Errorf("%w: store_backend '%s', must be one of: sqlite, postgres", ErrInvalidBackend, c.StoreBackend)
	}

	switch c.Extractor {
	case "pattern":
	case "model":
		if c.ModelPath == "" {
			return ErrMissingModel
		}
	default:
		return fmt.Errorf("%w: extractor '%s', must be one of: pattern, model", ErrInvalidBackend, c.Extractor)
	}

	return nil
}

// SeedDelay returns the seed loop delay.
func (c *CrawlerConfig) SeedDelay() time.Duration {
	return time.Duration(c.SeedDelaySeconds) * time.Second
}

// ChannelInterval returns the pause after each channel episode.
func (c *CrawlerConfig) ChannelInterval() time.Duration {
	return time.Duration(c.ChannelIntervalSeconds) * time.Second
}

// VideoInterval returns the pause after each video episode.
func (c *CrawlerConfig) VideoInterval() time.Duration {
	return time.Duration(c.VideoIntervalSeconds) * time.Second
}

// DedupTTL returns how long a handle stays in the dedup cache.
func (c *CrawlerConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

// ProviderTimeout returns the per-request provider timeout.
func (c *CrawlerConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}
