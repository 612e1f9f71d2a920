package processor

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
)

// ServiceName identifies the processor in envelopes and logs.
const ServiceName = "processor"

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID              string       `json:"id"`
	Status          WorkerStatus `json:"status"`
	CurrentTopicID  string       `json:"current_topic_id,omitempty"`
	TopicsProcessed int          `json:"topics_processed"`
	LastActivity    time.Time    `json:"last_activity"`
}

// Worker is a single queue worker that polls for and processes topics.
type Worker struct {
	id       string
	cfg      *config.ProcessorConfig
	queues   queue.Client
	handler  *Handler
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu              sync.RWMutex
	status          WorkerStatus
	currentTopicID  string
	topicsProcessed int
	lastActivity    time.Time
}

// NewWorker creates a queue worker.
func NewWorker(id string, cfg *config.ProcessorConfig, queues queue.Client, handler *Handler) *Worker {
	return &Worker{
		id:           id,
		cfg:          cfg,
		queues:       queues,
		handler:      handler,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// topic. It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:              w.id,
		Status:          w.status,
		CurrentTopicID:  w.currentTopicID,
		TopicsProcessed: w.topicsProcessed,
		LastActivity:    w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			processed, err := w.pollAndProcess(ctx)
			if err != nil {
				log.Error("Error processing topic", "error", err)
				w.sleep(time.Second) // Brief backoff on error
				continue
			}
			if !processed {
				w.sleep(w.pollInterval())
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess receives one topic message and resolves it. It returns false
// when the queue was idle.
func (w *Worker) pollAndProcess(ctx context.Context) (bool, error) {
	msgs, err := w.queues.Receive(ctx, models.QueueProcessTopic, 1, w.cfg.Queue.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	msg := msgs[0]

	log := slog.With("worker_id", w.id, "message_id", msg.Envelope.MessageID,
		"dequeue_count", msg.Envelope.DequeueCount)
	log.Info("Topic message claimed")

	w.setStatus(WorkerStatusWorking, msg.Envelope.MessageID)
	defer w.setStatus(WorkerStatusIdle, "")

	// The message must be resolved before it reappears; keep a safety margin
	// below the visibility timeout.
	msgCtx, cancel := context.WithTimeout(ctx, w.cfg.Queue.VisibilityTimeout-30*time.Second)
	defer cancel()

	outcome, handleErr := w.handler.Handle(msgCtx, msg.Envelope)

	switch outcome {
	case OutcomeCompleted, OutcomeDuplicate:
		if err := w.queues.Delete(ctx, models.QueueProcessTopic, msg); err != nil {
			log.Warn("Message delete failed; redelivery will short-circuit", "error", err)
		}
	case OutcomePoison:
		log.Error("Topic is poison, leaving message for the dead-letter queue", "error", handleErr)
	case OutcomeTransient:
		log.Warn("Transient failure, message will reappear after visibility timeout", "error", handleErr)
	}

	w.mu.Lock()
	w.topicsProcessed++
	w.mu.Unlock()

	log.Info("Topic message resolved", "outcome", outcome)
	return true, nil
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.Queue.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int63n(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, topicID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTopicID = topicID
	w.lastActivity = time.Now()
}
