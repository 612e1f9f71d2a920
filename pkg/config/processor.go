package config

import (
	"fmt"
	"time"

	"github.com/driftline/driftline/pkg/ratelimit"
)

// ProcessorConfig configures the topic processor service.
type ProcessorConfig struct {
	Queue QueueSettings

	HTTPPort string

	// WorkerCount is the number of worker goroutines per replica.
	WorkerCount int

	// PollIntervalJitter randomises the idle poll so replicas don't stampede.
	PollIntervalJitter time.Duration

	// GracefulShutdownTimeout bounds the wait for in-flight topics on stop.
	GracefulShutdownTimeout time.Duration

	// LLMEndpoint is the OpenAI-compatible base URL; LLMRegion keys the rate
	// limiter bucket.
	LLMEndpoint string
	LLMRegion   string
	LLMModel    string

	// LLMCallTimeout bounds a single completion call.
	LLMCallTimeout time.Duration

	// OpenAILimit is the per-region token bucket.
	OpenAILimit ratelimit.BucketConfig

	// LeaseReaperInterval is how often expired lease and lock blobs are
	// scanned for. Every replica runs the reaper; deletes are idempotent.
	LeaseReaperInterval time.Duration
}

// LoadProcessorConfig reads the processor environment. The default visibility
// timeout is 300s because a single LLM call can take a minute or more.
func LoadProcessorConfig() (*ProcessorConfig, error) {
	cfg := &ProcessorConfig{
		Queue:                   LoadQueueSettings(300 * time.Second),
		HTTPPort:                GetEnv("HTTP_PORT", "8080"),
		WorkerCount:             GetEnvInt("WORKER_COUNT", 2),
		PollIntervalJitter:      GetEnvDuration("POLL_JITTER_SECONDS", 2*time.Second),
		GracefulShutdownTimeout: GetEnvDuration("GRACEFUL_SHUTDOWN_TIMEOUT_SECONDS", 330*time.Second),
		LLMEndpoint:             GetEnv("LLM_ENDPOINT", ""),
		LLMRegion:               GetEnv("LLM_REGION", "eastus"),
		LLMModel:                GetEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMCallTimeout:          GetEnvDuration("LLM_CALL_TIMEOUT_SECONDS", 120*time.Second),
		OpenAILimit:             loadBucket("OPENAI", ratelimit.OpenAIPreset),
		LeaseReaperInterval:     GetEnvDuration("LEASE_REAPER_INTERVAL_SECONDS", 5*time.Minute),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the processor configuration.
func (c *ProcessorConfig) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.WorkerCount < 1 || c.WorkerCount > 50 {
		return fmt.Errorf("WORKER_COUNT must be between 1 and 50")
	}
	if c.LLMEndpoint == "" {
		return fmt.Errorf("LLM_ENDPOINT must be set")
	}
	// The lease TTL and per-message deadline are the visibility timeout minus
	// a 30s safety margin; anything at or below that margin goes negative.
	if c.Queue.VisibilityTimeout <= 30*time.Second {
		return fmt.Errorf("visibility timeout %s must exceed the 30s lease safety margin",
			c.Queue.VisibilityTimeout)
	}
	if c.LLMCallTimeout >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("LLM call timeout %s must be below the visibility timeout %s",
			c.LLMCallTimeout, c.Queue.VisibilityTimeout)
	}
	return nil
}
