// Package config loads per-service configuration from the environment and
// the collector's YAML source templates.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Queue driver names accepted in QUEUE_DRIVER.
const (
	QueueDriverPostgres = "postgres"
	QueueDriverNATS     = "nats"
	QueueDriverMemory   = "memory"
)

// QueueSettings are the queue-facing knobs shared by every service.
type QueueSettings struct {
	// Driver selects the queue backend.
	Driver string

	// NATSURL is used when Driver is "nats".
	NATSURL string

	// VisibilityTimeout hides received messages from other consumers. It must
	// exceed the worst-case single-message processing time.
	VisibilityTimeout time.Duration

	// PollInterval is the idle wait between empty receives.
	PollInterval time.Duration

	// MaxDequeueCount routes messages to the poison queue once exceeded.
	MaxDequeueCount int
}

// LoadQueueSettings reads the shared queue environment with a per-service
// default visibility timeout.
func LoadQueueSettings(defaultVisibility time.Duration) QueueSettings {
	return QueueSettings{
		Driver:            GetEnv("QUEUE_DRIVER", QueueDriverPostgres),
		NATSURL:           GetEnv("NATS_URL", "nats://localhost:4222"),
		VisibilityTimeout: GetEnvDuration("VISIBILITY_TIMEOUT_SECONDS", defaultVisibility),
		PollInterval:      GetEnvDuration("POLL_INTERVAL_SECONDS", 5*time.Second),
		MaxDequeueCount:   GetEnvInt("MAX_DEQUEUE_COUNT", 3),
	}
}

// Validate checks the queue settings.
func (q QueueSettings) Validate() error {
	switch q.Driver {
	case QueueDriverPostgres, QueueDriverNATS, QueueDriverMemory:
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", q.Driver)
	}
	if q.VisibilityTimeout < 5*time.Second {
		return fmt.Errorf("visibility timeout %s is below the 5s floor", q.VisibilityTimeout)
	}
	if q.MaxDequeueCount < 1 {
		return fmt.Errorf("MAX_DEQUEUE_COUNT must be at least 1")
	}
	return nil
}

// GetEnv returns the value of key or a default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt parses key as an int, falling back on absence or parse failure.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvFloat parses key as a float64, falling back on absence or parse
// failure.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvDuration parses key as a whole number of seconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
