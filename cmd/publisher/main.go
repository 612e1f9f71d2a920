// Driftline publisher — rebuilds the static site with Hugo on publish
// requests and uploads it to the web root, snapshotting the old site first.
// Runs a single replica.
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
	"github.com/driftline/driftline/pkg/publisher"
	"github.com/driftline/driftline/pkg/version"
)

func main() {
	configDir := flag.String("config-dir",
		config.GetEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()
	bootstrap.LoadEnv(*configDir)

	slog.Info("Starting driftline publisher", "version", version.Full())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration
	cfg, err := config.LoadPublisherConfig()
	if err != nil {
		slog.Error("Failed to load publisher config", "error", err)
		os.Exit(1)
	}

	// 2. Open queue and blob backends
	backends, err := bootstrap.Open(ctx, cfg.Queue)
	if err != nil {
		slog.Error("Failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	// 3. Site builder
	if _, err := os.Stat(cfg.SiteDir); err != nil {
		slog.Error("Site skeleton directory is not readable", "dir", cfg.SiteDir, "error", err)
		os.Exit(1)
	}
	builder := publisher.NewHugoBuilder(cfg.HugoBinary, cfg.BuildTimeout)

	// 4. Start the publisher
	pub := publisher.New(cfg, backends.Store, backends.Queues, builder)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		pub.Run(ctx)
	}()

	// 5. HTTP health surface
	httpServer := api.NewServer(cfg.HTTPPort)
	api.RegisterHealth(httpServer.Engine(), func(ctx context.Context) (any, bool) {
		health := pub.Health(ctx)
		return health, health.IsHealthy
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Publisher started", "http_port", cfg.HTTPPort, "site_dir", cfg.SiteDir)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: let an in-flight build finish uploading
	cancel()
	select {
	case <-pubDone:
	case <-time.After(cfg.BuildTimeout + 30*time.Second):
		slog.Warn("Publisher did not stop in time; the publish request retries after visibility timeout")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
