// Driftline collector — wakes on collection-request messages (or the manual
// HTTP trigger), pulls items from the configured sources, and feeds accepted
// topics to the processing queue.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftline/driftline/pkg/api"
	"github.com/driftline/driftline/pkg/bootstrap"
	"github.com/driftline/driftline/pkg/collector"
	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/ratelimit"
	"github.com/driftline/driftline/pkg/version"
)

func main() {
	configDir := flag.String("config-dir",
		config.GetEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()
	bootstrap.LoadEnv(*configDir)

	replicaID := bootstrap.ResolveReplicaID()
	slog.Info("Starting driftline collector",
		"version", version.Full(),
		"replica_id", replicaID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration
	cfg, err := config.LoadCollectorConfig()
	if err != nil {
		slog.Error("Failed to load collector config", "error", err)
		os.Exit(1)
	}

	// 2. Open queue and blob backends
	backends, err := bootstrap.Open(ctx, cfg.Queue)
	if err != nil {
		slog.Error("Failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	// 3. Configure per-source rate limits
	limiter := ratelimit.New()
	limiter.Configure(models.SourceReddit, cfg.RedditLimit)
	limiter.Configure(models.SourceMastodon, cfg.MastodonLimit)

	// 4. Load source templates
	templates, err := config.LoadTemplates(cfg.TemplatesPath)
	if err != nil {
		slog.Error("Failed to load source templates", "path", cfg.TemplatesPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Source templates loaded", "count", len(templates))

	// 5. Wire the pipeline and the wake-up consumer
	pipeline := collector.NewPipeline(cfg, backends.Store, backends.Queues, limiter)
	service := collector.NewService(cfg, pipeline, backends.Queues, templates)

	// 6. HTTP surface: health plus the authenticated manual trigger
	httpServer := api.NewServer(cfg.HTTPPort)
	api.RegisterHealth(httpServer.Engine(), func(ctx context.Context) (any, bool) {
		depth, err := backends.Queues.Depth(ctx, models.QueueCollectionRequests)
		payload := map[string]any{
			"service":     collector.ServiceName,
			"version":     version.Full(),
			"replica_id":  replicaID,
			"queue_depth": depth,
		}
		if err != nil {
			payload["queue_error"] = err.Error()
		}
		if dbHealth := backends.DatabaseHealth(ctx); dbHealth != nil {
			payload["database"] = dbHealth
		}
		return payload, err == nil
	})
	api.RegisterCollect(httpServer.Engine(), cfg.APIKey, service)

	// 7. Start the wake-up consumer and the HTTP server
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		service.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Collector started", "http_port", cfg.HTTPPort)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop consuming, then drain the HTTP server
	cancel()
	select {
	case <-consumerDone:
	case <-time.After(cfg.RunTimeout):
		slog.Warn("Wake-up consumer did not stop within the run timeout")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
