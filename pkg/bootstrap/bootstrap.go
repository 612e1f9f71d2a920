// Package bootstrap opens the queue and blob backends a service binary runs
// against, selected by QUEUE_DRIVER. The Postgres driver backs both the queue
// and the blob store from one connection pool; the NATS driver moves only the
// queues to JetStream and keeps blobs in Postgres.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/database"
	"github.com/driftline/driftline/pkg/queue"
)

// LoadEnv loads the .env file from the config directory. Absence is not an
// error; containers get their environment from the orchestrator.
func LoadEnv(configDir string) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
		return
	}
	slog.Info("Loaded environment", "path", envPath)
}

// ResolveReplicaID determines the replica identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func ResolveReplicaID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// Backends bundles the opened drivers and owns their lifecycles.
type Backends struct {
	Queues queue.Client
	Store  blob.Store

	db   *database.Client
	nats *queue.NATSQueue
}

// Open connects the backends for the given queue settings. Postgres
// connections run pending migrations before returning.
func Open(ctx context.Context, settings config.QueueSettings) (*Backends, error) {
	switch settings.Driver {
	case config.QueueDriverMemory:
		slog.Warn("Using in-memory backends; all state is lost on restart")
		return &Backends{
			Queues: queue.NewMemoryQueue(),
			Store:  blob.NewMemoryStore(),
		}, nil

	case config.QueueDriverPostgres:
		client, err := openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		return &Backends{
			Queues: queue.NewPGQueue(client, settings.MaxDequeueCount),
			Store:  blob.NewPGStore(client),
			db:     client,
		}, nil

	case config.QueueDriverNATS:
		client, err := openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		natsQueue, err := queue.NewNATSQueue(ctx, settings.NATSURL, settings.MaxDequeueCount)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &Backends{
			Queues: natsQueue,
			Store:  blob.NewPGStore(client),
			db:     client,
			nats:   natsQueue,
		}, nil

	default:
		return nil, fmt.Errorf("unknown queue driver %q", settings.Driver)
	}
}

func openDatabase(ctx context.Context) (*database.Client, error) {
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("loading database config: %w", err)
	}
	client, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	slog.Info("Connected to PostgreSQL database", "host", dbConfig.Host, "database", dbConfig.Database)
	return client, nil
}

// DatabaseHealth reports connectivity and pool statistics for the Postgres
// connection, or nil when the memory driver is in use.
func (b *Backends) DatabaseHealth(ctx context.Context) *database.HealthStatus {
	if b.db == nil {
		return nil
	}
	status, err := database.Health(ctx, b.db.DB())
	if err != nil {
		slog.Error("Database health check failed", "error", err)
	}
	return status
}

// Close releases every opened connection. Errors are logged, not returned;
// Close runs on the shutdown path where there is nothing left to do about
// them.
func (b *Backends) Close() {
	if b.nats != nil {
		if err := b.nats.Close(); err != nil {
			slog.Error("Error draining NATS connection", "error", err)
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}
}
