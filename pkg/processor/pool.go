package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
)

// PoolHealth is the processor's health surface.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	ReplicaID     string         `json:"replica_id"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	QueueDepth    int            `json:"queue_depth"`
	QueueError    string         `json:"queue_error,omitempty"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}

// WorkerPool manages the topic workers and the lease reaper of one replica.
type WorkerPool struct {
	replicaID string
	cfg       *config.ProcessorConfig
	queues    queue.Client
	handler   *Handler
	reaper    *LeaseReaper
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	started   bool
}

// NewWorkerPool creates a pool; Start spawns the workers.
func NewWorkerPool(replicaID string, cfg *config.ProcessorConfig, queues queue.Client, handler *Handler, reaper *LeaseReaper) *WorkerPool {
	return &WorkerPool{
		replicaID: replicaID,
		cfg:       cfg,
		queues:    queues,
		handler:   handler,
		reaper:    reaper,
		workers:   make([]*Worker, 0, cfg.WorkerCount),
		stopCh:    make(chan struct{}),
	}
}

// Start spawns worker goroutines and the lease reaper background task. It is
// safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "replica_id", p.replicaID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "replica_id", p.replicaID, "worker_count", p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.replicaID, i)
		worker := NewWorker(workerID, p.cfg, p.queues, p.handler)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	if p.reaper != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reaper.Run(ctx, p.stopCh)
		}()
	}

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current topics before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	queueDepth, err := p.queues.Depth(context.Background(), models.QueueProcessTopic)
	var queueErr string
	if err != nil {
		queueErr = err.Error()
		slog.Error("Failed to query queue depth for health check",
			"replica_id", p.replicaID, "error", err)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0 && err == nil,
		ReplicaID:     p.replicaID,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		QueueDepth:    queueDepth,
		QueueError:    queueErr,
		WorkerStats:   workerStats,
	}
}
