// Package markdowngen consumes generate-markdown messages, renders each
// processed article into a Markdown document, and emits the publish trigger
// for a batch exactly once across any number of replicas.
package markdowngen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/markdown"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
)

// ServiceName identifies markdowngen in envelopes and logs.
const ServiceName = "markdowngen"

// Health is the service's health snapshot.
type Health struct {
	IsHealthy    bool      `json:"is_healthy"`
	Rendered     int       `json:"rendered"`
	TriggersSent int       `json:"triggers_sent"`
	TriggersLost int       `json:"triggers_lost"`
	LastActivity time.Time `json:"last_activity"`
	CurrentBatch string    `json:"current_batch,omitempty"`
	QueueDepth   int       `json:"queue_depth"`
	QueueError   string    `json:"queue_error,omitempty"`
}

// Service is the single-consumer render loop of one replica.
type Service struct {
	cfg    *config.MarkdownGenConfig
	store  blob.Store
	queues queue.Client
	finder markdown.ImageFinder
	now    func() time.Time

	// Batch bookkeeping for completion signalling. Written only by the run
	// loop; the mutex guards the health snapshot.
	mu             sync.Mutex
	rendered       int
	triggersSent   int
	triggersLost   int
	lastActivity   time.Time
	currentBatchID string
	batchCount     int
	batchTriggered map[string]bool
	lastSucceeded  bool
	idleStreak     int
}

// NewService wires the markdown generator.
func NewService(cfg *config.MarkdownGenConfig, store blob.Store, queues queue.Client, finder markdown.ImageFinder) *Service {
	if finder == nil {
		finder = markdown.NoImageFinder{}
	}
	return &Service{
		cfg:            cfg,
		store:          store,
		queues:         queues,
		finder:         finder,
		now:            time.Now,
		batchTriggered: make(map[string]bool),
		lastSucceeded:  true,
	}
}

// Run consumes the generate-markdown queue until the context is cancelled.
// Messages are processed one at a time; ordering across articles does not
// matter, only the per-batch trigger does.
func (s *Service) Run(ctx context.Context) {
	slog.Info("Markdown generator started", "poll_interval", s.cfg.Queue.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Markdown generator stopped")
			return
		default:
		}

		processed := s.pollOnce(ctx)
		if !processed {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.Queue.PollInterval):
			}
		}
	}
}

// pollOnce receives and resolves at most one message. It returns false when
// the queue was idle.
func (s *Service) pollOnce(ctx context.Context) bool {
	msgs, err := s.queues.Receive(ctx, models.QueueGenerateMarkdown, 1, s.cfg.Queue.VisibilityTimeout)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Markdown receive failed", "error", err)
		}
		return false
	}
	if len(msgs) == 0 {
		s.noteIdle(ctx)
		return false
	}

	msg := msgs[0]
	s.mu.Lock()
	s.idleStreak = 0
	s.mu.Unlock()

	log := slog.With("message_id", msg.Envelope.MessageID, "correlation_id", msg.Envelope.CorrelationID)

	outcome, err := s.handleGenerateMarkdown(ctx, msg.Envelope)
	switch outcome {
	case renderCompleted:
		if err := s.queues.Delete(ctx, models.QueueGenerateMarkdown, msg); err != nil {
			log.Warn("Markdown message delete failed; re-render is idempotent", "error", err)
		}
		s.noteSuccess()
	case renderPoison:
		log.Error("Markdown message is poison, leaving for the dead-letter queue", "error", err)
		s.noteFailure()
	case renderTransient:
		log.Warn("Markdown render failed, message will reappear", "error", err)
		s.noteFailure()
	}
	return true
}

type renderOutcome int

const (
	renderCompleted renderOutcome = iota
	renderPoison
	renderTransient
)

// handleGenerateMarkdown renders one article. Re-rendering the same article
// overwrites the same markdown path, so redeliveries are harmless.
func (s *Service) handleGenerateMarkdown(ctx context.Context, env *models.Envelope) (renderOutcome, error) {
	if err := env.ValidateOperation(models.QueueGenerateMarkdown); err != nil {
		return renderPoison, err
	}
	var payload models.GenerateMarkdownPayload
	if err := env.DecodePayload(&payload); err != nil {
		return renderPoison, err
	}
	// content_type is a tagged variant; "json" is the only one this renderer
	// understands. Anything else is from a future producer and must not be
	// silently dropped.
	if payload.ContentType != "json" {
		return renderPoison, fmt.Errorf("unsupported content_type %q on message %s",
			payload.ContentType, env.MessageID)
	}
	if payload.BlobPath == "" {
		return renderPoison, fmt.Errorf("message %s has no blob_path", env.MessageID)
	}

	var article models.ProcessedArticle
	if err := s.store.DownloadJSON(ctx, models.ContainerProcessed, payload.BlobPath, &article); err != nil {
		if blob.IsNotFound(err) {
			return renderPoison, fmt.Errorf("article blob %s is gone: %w", payload.BlobPath, err)
		}
		return renderTransient, fmt.Errorf("downloading article %s: %w", payload.BlobPath, err)
	}

	cover, err := s.finder.Find(ctx, article.Title, article.Tags)
	if err != nil {
		return renderTransient, fmt.Errorf("looking up cover image for %s: %w", article.ArticleID, err)
	}

	doc := markdown.Render(&article, cover)
	mdPath := models.MarkdownPath(article.Filename, article.CollectedAt)
	if err := s.store.UploadText(ctx, models.ContainerMarkdown, mdPath, doc, "text/markdown"); err != nil {
		return renderTransient, fmt.Errorf("uploading markdown %s: %w", mdPath, err)
	}

	s.trackBatch(&payload, &article)

	slog.Info("Article rendered", "article_id", article.ArticleID, "path", mdPath,
		"batch_id", s.batchID(&payload, &article), "cover", cover != nil)
	return renderCompleted, nil
}

// batchID resolves the batch for a message: explicit payload batch first,
// then the article's collection, then a day bucket as the last resort.
func (s *Service) batchID(payload *models.GenerateMarkdownPayload, article *models.ProcessedArticle) string {
	if payload.BatchID != "" {
		return payload.BatchID
	}
	if article != nil && article.CollectionID != "" {
		return article.CollectionID
	}
	return s.now().UTC().Format("20060102")
}

func (s *Service) trackBatch(payload *models.GenerateMarkdownPayload, article *models.ProcessedArticle) {
	id := s.batchID(payload, article)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.currentBatchID {
		s.currentBatchID = id
		s.batchCount = 0
	}
	s.batchCount++
	s.rendered++
	s.lastActivity = s.now()
}

func (s *Service) noteSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSucceeded = true
}

func (s *Service) noteFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSucceeded = false
}

// noteIdle counts consecutive empty receives and fires the batch trigger once
// the replica has confirmed the queue is drained.
func (s *Service) noteIdle(ctx context.Context) {
	s.mu.Lock()
	s.idleStreak++
	ready := s.idleStreak >= s.cfg.IdleConfirmations &&
		s.lastSucceeded &&
		s.currentBatchID != "" &&
		!s.batchTriggered[s.currentBatchID]
	batchID := s.currentBatchID
	count := s.batchCount
	s.mu.Unlock()

	if !ready {
		return
	}
	s.tryTrigger(ctx, batchID, count)
}

// tryTrigger races the other replicas for the batch's publish lock. The
// conditional create has exactly one winner, so at most one Q4 message is
// sent per batch.
func (s *Service) tryTrigger(ctx context.Context, batchID string, count int) {
	lockPath := models.LockPath(batchID)
	lock := map[string]any{
		"batch_id":     batchID,
		"triggered_by": ServiceName,
		"triggered_at": s.now().UTC(),
	}
	err := s.store.CreateJSON(ctx, models.ContainerLocks, lockPath, lock)
	if blob.IsConflict(err) {
		slog.Info("Publish already triggered by another replica", "batch_id", batchID)
		s.mu.Lock()
		s.batchTriggered[batchID] = true
		s.triggersLost++
		s.mu.Unlock()
		return
	}
	if err != nil {
		slog.Warn("Publish lock create failed, will retry on next idle", "batch_id", batchID, "error", err)
		return
	}

	payload := models.PublishSitePayload{
		BatchID:           batchID,
		MarkdownCount:     count,
		MarkdownContainer: models.ContainerMarkdown,
		Trigger:           "batch_complete",
		ContractVersion:   models.ContractVersion,
	}
	env, err := models.NewEnvelope(ServiceName, models.OpPublishSiteRequest, batchID, payload)
	if err != nil {
		slog.Error("Building publish trigger failed", "batch_id", batchID, "error", err)
		return
	}
	if _, err := s.queues.Enqueue(ctx, models.QueuePublishSite, env); err != nil {
		// The lock exists but the trigger did not go out. Drop the lock so a
		// later idle pass can retry; the conditional create keeps it single.
		slog.Error("Publish trigger enqueue failed, releasing lock", "batch_id", batchID, "error", err)
		if delErr := s.store.Delete(ctx, models.ContainerLocks, lockPath); delErr != nil {
			slog.Warn("Publish lock cleanup failed", "batch_id", batchID, "error", delErr)
		}
		return
	}

	s.mu.Lock()
	s.batchTriggered[batchID] = true
	s.triggersSent++
	s.mu.Unlock()
	slog.Info("Publish trigger sent; this replica won the lock",
		"batch_id", batchID, "markdown_count", count)
}

// Health returns the service health snapshot.
func (s *Service) Health(ctx context.Context) *Health {
	depth, err := s.queues.Depth(ctx, models.QueueGenerateMarkdown)
	var queueErr string
	if err != nil {
		queueErr = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &Health{
		IsHealthy:    err == nil,
		Rendered:     s.rendered,
		TriggersSent: s.triggersSent,
		TriggersLost: s.triggersLost,
		LastActivity: s.lastActivity,
		CurrentBatch: s.currentBatchID,
		QueueDepth:   depth,
		QueueError:   queueErr,
	}
}
