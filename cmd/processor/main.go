// Driftline processor — claims topics from the processing queue under blob
// leases, rewrites them into articles through the LLM, and hands the results
// to the markdown generator.
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
	"github.com/driftline/driftline/pkg/llm"
	"github.com/driftline/driftline/pkg/processor"
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
	slog.Info("Starting driftline processor",
		"version", version.Full(),
		"replica_id", replicaID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration
	cfg, err := config.LoadProcessorConfig()
	if err != nil {
		slog.Error("Failed to load processor config", "error", err)
		os.Exit(1)
	}

	// 2. Open queue and blob backends
	backends, err := bootstrap.Open(ctx, cfg.Queue)
	if err != nil {
		slog.Error("Failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	// 3. LLM client with a per-region rate limit bucket
	limiter := ratelimit.New()
	limiter.Configure("openai:"+cfg.LLMRegion, cfg.OpenAILimit)

	llmClient := llm.NewHTTPClient(cfg.LLMEndpoint, os.Getenv("LLM_API_KEY"), cfg.LLMModel, cfg.LLMCallTimeout)
	generator := processor.NewGenerator(llmClient, limiter, cfg.LLMRegion)
	slog.Info("LLM client initialized",
		"endpoint", cfg.LLMEndpoint,
		"model", cfg.LLMModel,
		"region", cfg.LLMRegion,
		"call_timeout", cfg.LLMCallTimeout)

	// 4. Topic handler with lease-based claim coordination. The lease expires
	// shortly before the message becomes visible again so a crashed replica's
	// topic is reclaimable.
	leaseTTL := cfg.Queue.VisibilityTimeout - 30*time.Second
	leases := processor.NewLeaseManager(backends.Store, replicaID, leaseTTL)
	handler := processor.NewHandler(backends.Store, backends.Queues, generator, leases, replicaID, cfg.LLMModel)
	reaper := processor.NewLeaseReaper(backends.Store, cfg.LeaseReaperInterval)

	// 5. Start the worker pool
	pool := processor.NewWorkerPool(replicaID, cfg, backends.Queues, handler, reaper)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6. HTTP health surface
	httpServer := api.NewServer(cfg.HTTPPort)
	api.RegisterHealth(httpServer.Engine(), func(context.Context) (any, bool) {
		health := pool.Health()
		return health, health.IsHealthy
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Processor started",
		"http_port", cfg.HTTPPort,
		"workers", cfg.WorkerCount)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: workers finish their in-flight topics
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded; unfinished topics retry after their lease expires")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
