// Driftline markdown generator — renders processed articles to Hugo markdown
// and signals the publisher once a batch drains.
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
	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/markdown"
	"github.com/driftline/driftline/pkg/markdowngen"
	"github.com/driftline/driftline/pkg/version"
)

func main() {
	configDir := flag.String("config-dir",
		config.GetEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()
	bootstrap.LoadEnv(*configDir)

	replicaID := bootstrap.ResolveReplicaID()
	slog.Info("Starting driftline markdown generator",
		"version", version.Full(),
		"replica_id", replicaID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration
	cfg, err := config.LoadMarkdownGenConfig()
	if err != nil {
		slog.Error("Failed to load markdowngen config", "error", err)
		os.Exit(1)
	}

	// 2. Open queue and blob backends
	backends, err := bootstrap.Open(ctx, cfg.Queue)
	if err != nil {
		slog.Error("Failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	// 3. Cover image lookup, when configured
	var finder markdown.ImageFinder = markdown.NoImageFinder{}
	if cfg.ImageLookupURL != "" {
		finder = markdown.NewHTTPImageFinder(cfg.ImageLookupURL)
		slog.Info("Cover image lookup enabled", "url", cfg.ImageLookupURL)
	}

	// 4. Start the generator
	service := markdowngen.NewService(cfg, backends.Store, backends.Queues, finder)
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		service.Run(ctx)
	}()

	// 5. HTTP health surface
	httpServer := api.NewServer(cfg.HTTPPort)
	api.RegisterHealth(httpServer.Engine(), func(ctx context.Context) (any, bool) {
		health := service.Health(ctx)
		return health, health.IsHealthy
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Markdown generator started", "http_port", cfg.HTTPPort)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown
	cancel()
	select {
	case <-serviceDone:
	case <-time.After(30 * time.Second):
		slog.Warn("Generator did not stop in time; in-flight message retries after visibility timeout")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
