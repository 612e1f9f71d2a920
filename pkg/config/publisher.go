package config

import (
	"fmt"
	"time"
)

// PublisherConfig configures the site publisher. The service runs a single
// replica by design: concurrent site builds would corrupt the output.
type PublisherConfig struct {
	Queue QueueSettings

	HTTPPort string

	// HugoBinary is the static site generator executable.
	HugoBinary string

	// SiteDir holds the theme and config baked into the container; markdown
	// is materialised into its content/ subdirectory before each build.
	SiteDir string

	// BuildTimeout bounds the generator subprocess.
	BuildTimeout time.Duration

	// LockMaxAge ages out publish-trigger lock blobs that were never cleaned
	// up (crashed publisher).
	LockMaxAge time.Duration
}

// LoadPublisherConfig reads the publisher environment.
func LoadPublisherConfig() (*PublisherConfig, error) {
	cfg := &PublisherConfig{
		Queue:        LoadQueueSettings(10 * time.Minute),
		HTTPPort:     GetEnv("HTTP_PORT", "8080"),
		HugoBinary:   GetEnv("HUGO_BINARY", "hugo"),
		SiteDir:      GetEnv("SITE_DIR", "/opt/site"),
		BuildTimeout: GetEnvDuration("BUILD_TIMEOUT_SECONDS", 5*time.Minute),
		LockMaxAge:   GetEnvDuration("LOCK_MAX_AGE_SECONDS", 7*24*time.Hour),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the publisher configuration.
func (c *PublisherConfig) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.SiteDir == "" {
		return fmt.Errorf("SITE_DIR must be set")
	}
	if c.BuildTimeout < 10*time.Second {
		return fmt.Errorf("BUILD_TIMEOUT_SECONDS must be at least 10 seconds")
	}
	return nil
}
