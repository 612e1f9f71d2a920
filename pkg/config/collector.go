package config

import (
	"fmt"
	"time"

	"github.com/driftline/driftline/pkg/ratelimit"
)

// CollectorConfig configures the collector service.
type CollectorConfig struct {
	Queue QueueSettings

	// HTTPPort serves /health and the manual POST /collect trigger.
	HTTPPort string

	// APIKey authenticates POST /collect via the x-api-key header.
	APIKey string

	// RunTimeout caps a single collection run's wall clock.
	RunTimeout time.Duration

	// DedupWindowDays is the rolling seen-set retention.
	DedupWindowDays int

	// TemplatesPath points at the YAML source-template file; empty means
	// built-in defaults (permissive quality mode).
	TemplatesPath string

	// MaxItemsPerSource caps each source reader.
	MaxItemsPerSource int

	// Rate limits per source, overridable through
	// RATE_LIMIT_{SOURCE}_{RATE|BURST|CAP}.
	RedditLimit   ratelimit.BucketConfig
	MastodonLimit ratelimit.BucketConfig
}

// LoadCollectorConfig reads the collector environment.
func LoadCollectorConfig() (*CollectorConfig, error) {
	cfg := &CollectorConfig{
		Queue:             LoadQueueSettings(30 * time.Second),
		HTTPPort:          GetEnv("HTTP_PORT", "8080"),
		APIKey:            GetEnv("API_KEY", ""),
		RunTimeout:        GetEnvDuration("COLLECTOR_RUN_TIMEOUT_SECONDS", 30*time.Minute),
		DedupWindowDays:   GetEnvInt("DEDUP_WINDOW_DAYS", 14),
		TemplatesPath:     GetEnv("SOURCE_TEMPLATES_PATH", ""),
		MaxItemsPerSource: GetEnvInt("MAX_ITEMS_PER_SOURCE", 50),
		RedditLimit:       loadBucket("REDDIT", ratelimit.RedditPreset),
		MastodonLimit:     loadBucket("MASTODON", ratelimit.MastodonPreset),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the collector configuration.
func (c *CollectorConfig) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY must be set for the manual trigger surface")
	}
	if c.DedupWindowDays < 1 {
		return fmt.Errorf("DEDUP_WINDOW_DAYS must be at least 1")
	}
	if c.MaxItemsPerSource < 1 {
		return fmt.Errorf("MAX_ITEMS_PER_SOURCE must be at least 1")
	}
	return nil
}

func loadBucket(source string, preset ratelimit.BucketConfig) ratelimit.BucketConfig {
	cfg := preset
	cfg.Rate = GetEnvFloat("RATE_LIMIT_"+source+"_RATE", preset.Rate)
	cfg.Burst = GetEnvInt("RATE_LIMIT_"+source+"_BURST", preset.Burst)
	cfg.MaxBackoff = GetEnvDuration("RATE_LIMIT_"+source+"_CAP", preset.MaxBackoff)
	return cfg
}
