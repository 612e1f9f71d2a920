package config

import (
	"fmt"
	"time"
)

// MarkdownGenConfig configures the markdown generator service.
type MarkdownGenConfig struct {
	Queue QueueSettings

	HTTPPort string

	// IdleConfirmations is how many consecutive empty receives make the
	// replica a publish-trigger candidate. More than one smooths over queue
	// backends whose empty read is racy with in-flight enqueues.
	IdleConfirmations int

	// ImageLookupURL is the stock image search endpoint; empty disables
	// cover images.
	ImageLookupURL string
}

// LoadMarkdownGenConfig reads the markdowngen environment.
func LoadMarkdownGenConfig() (*MarkdownGenConfig, error) {
	cfg := &MarkdownGenConfig{
		Queue:             LoadQueueSettings(30 * time.Second),
		HTTPPort:          GetEnv("HTTP_PORT", "8080"),
		IdleConfirmations: GetEnvInt("IDLE_CONFIRMATIONS", 2),
		ImageLookupURL:    GetEnv("IMAGE_LOOKUP_URL", ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the markdowngen configuration.
func (c *MarkdownGenConfig) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.IdleConfirmations < 1 {
		return fmt.Errorf("IDLE_CONFIRMATIONS must be at least 1")
	}
	return nil
}
