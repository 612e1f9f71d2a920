package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/llm"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
)

// Outcome classifies how a topic message was resolved; the worker maps it to
// the queue action.
type Outcome string

const (
	// OutcomeCompleted: article persisted and enqueued downstream. Delete the
	// message.
	OutcomeCompleted Outcome = "completed"

	// OutcomeDuplicate: another replica owns or already processed the topic.
	// Delete the message.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomePoison: the topic can never succeed. Leave the message to age
	// into the poison queue.
	OutcomePoison Outcome = "poison"

	// OutcomeTransient: a retryable failure. Leave the message to reappear
	// after the visibility timeout.
	OutcomeTransient Outcome = "transient"
)

// Handler processes one process_topic message end to end.
type Handler struct {
	store     blob.Store
	queues    queue.Client
	generator *Generator
	leases    *LeaseManager
	replicaID string
	model     string
	now       func() time.Time
}

// NewHandler wires the topic handler.
func NewHandler(store blob.Store, queues queue.Client, generator *Generator, leases *LeaseManager, replicaID, model string) *Handler {
	return &Handler{
		store:     store,
		queues:    queues,
		generator: generator,
		leases:    leases,
		replicaID: replicaID,
		model:     model,
		now:       time.Now,
	}
}

// Handle resolves one topic message. The envelope has already been received;
// the caller owns the queue delete.
func (h *Handler) Handle(ctx context.Context, env *models.Envelope) (Outcome, error) {
	if err := env.ValidateOperation(models.QueueProcessTopic); err != nil {
		return OutcomePoison, err
	}
	var topic models.TopicMetadata
	if err := env.DecodePayload(&topic); err != nil {
		return OutcomePoison, err
	}
	if topic.TopicID == "" {
		return OutcomePoison, fmt.Errorf("topic message %s has no topic_id", env.MessageID)
	}

	logger := slog.With("topic_id", topic.TopicID, "correlation_id", env.CorrelationID)
	started := h.now()

	// Lease acquisition: the single-winner conditional create keeps redelivered
	// and concurrent copies of this topic out of the LLM.
	held, err := h.leases.Acquire(ctx, topic.TopicID)
	if err != nil {
		return OutcomeTransient, err
	}
	if !held {
		logger.Info("Topic leased by another replica, dropping message")
		return OutcomeDuplicate, nil
	}

	outcome, err := h.process(ctx, logger, &topic, started)
	switch outcome {
	case OutcomeCompleted, OutcomeDuplicate:
		h.leases.Release(ctx, topic.TopicID)
	default:
		// Leave the lease to expire so the retrying replica has to wait out
		// any still-running LLM call.
	}
	return outcome, err
}

func (h *Handler) process(ctx context.Context, logger *slog.Logger, topic *models.TopicMetadata, started time.Time) (Outcome, error) {
	// Idempotent short-circuit: an article for this topic written on the same
	// collection date means a previous attempt finished but could not delete
	// its message.
	existing, takenSlugs, err := h.findExisting(ctx, topic)
	if err != nil {
		return OutcomeTransient, err
	}
	if existing != nil && !topic.ForceReprocess {
		logger.Info("Topic already processed, skipping", "article_id", existing.ArticleID)
		return OutcomeDuplicate, nil
	}

	// Generation.
	articleRes, err := h.generator.RewriteArticle(ctx, topic)
	if err != nil {
		outcome := classifyLLMFailure(err)
		if outcome == OutcomePoison {
			h.recordFailure(ctx, logger, topic, "article_rewrite", err)
		}
		return outcome, fmt.Errorf("rewriting topic %s: %w", topic.TopicID, err)
	}
	content := articleRes.Text
	tokens := articleRes.Usage.TotalTokens
	costUSD := llm.CostUSD(articleRes.Model, articleRes.Usage)

	// Title: keep clean short titles for free, rewrite the rest.
	title := CleanTitle(topic.Title)
	if title == "" || TitleNeedsRewrite(title) {
		titleRes, err := h.generator.RewriteTitle(ctx, title, content)
		if err != nil {
			outcome := classifyLLMFailure(err)
			if outcome == OutcomePoison {
				h.recordFailure(ctx, logger, topic, "title_rewrite", err)
			}
			return outcome, fmt.Errorf("rewriting title for %s: %w", topic.TopicID, err)
		}
		title = titleRes.Text
		tokens += titleRes.Usage.TotalTokens
		costUSD += llm.CostUSD(titleRes.Model, titleRes.Usage)
	}

	now := h.now().UTC()
	slug := Slugify(title)
	if owner, taken := takenSlugs[slug]; taken && owner != topic.TopicID {
		slug = DisambiguateSlug(slug, models.ContentHash(topic.Title, topic.Content))
	}

	// The listing above races with other replicas generating same-title topics
	// concurrently. The conditional-create claim is the authoritative
	// reservation: only one topic per date can own a slug, so filenames stay
	// unique.
	slug, err = h.claimSlug(ctx, topic, slug)
	if err != nil {
		return OutcomeTransient, err
	}

	article := models.ProcessedArticle{
		ArticleID:       models.NewArticleID(now),
		OriginalTopicID: topic.TopicID,
		Slug:            slug,
		SEOTitle:        title,
		URL:             ArticleURL(slug, topic.CollectedAt),
		Filename:        ArticleFilename(slug, topic.CollectedAt),
		Title:           title,
		Content:         content,
		WordCount:       WordCount(content),
		QualityScore:    QualityScore(content, topic.Engagement()),
		Source:          topic.Source,
		OriginalURL:     topic.SourceURL,
		CollectedAt:     topic.CollectedAt,
		ProcessedAt:     now,
		ProcessorID:     h.replicaID,
		Tags:            topicTags(topic),
		CollectionID:    topic.CollectionID,
		ContractVersion: models.ContractVersion,
		Provenance: []models.ProvenanceRecord{
			{Stage: models.StageCollection, Timestamp: topic.CollectedAt, Actor: topic.Source},
			{Stage: models.StageProcessing, Timestamp: now, Actor: h.replicaID},
		},
		Costs: models.Costs{
			OpenAITokens:          tokens,
			OpenAICostUSD:         costUSD,
			ProcessingTimeSeconds: h.now().Sub(started).Seconds(),
			Model:                 h.model,
		},
	}

	// Persist, then fan out. A failure in either leaves the message for
	// redelivery; the short-circuit above absorbs the replay.
	blobPath := models.ProcessedPath(article.ArticleID, topic.CollectedAt)
	if err := h.store.UploadJSON(ctx, models.ContainerProcessed, blobPath, article); err != nil {
		return OutcomeTransient, fmt.Errorf("persisting article %s: %w", article.ArticleID, err)
	}

	payload := models.GenerateMarkdownPayload{
		ContentType:     "json",
		BlobPath:        blobPath,
		ArticleID:       article.ArticleID,
		BatchID:         topic.CollectionID,
		ContractVersion: models.ContractVersion,
	}
	env, err := models.NewEnvelope(ServiceName, models.OpGenerateMarkdown, topic.CollectionID, payload)
	if err != nil {
		return OutcomeTransient, err
	}
	if _, err := h.queues.Enqueue(ctx, models.QueueGenerateMarkdown, env); err != nil {
		return OutcomeTransient, fmt.Errorf("enqueueing markdown generation for %s: %w", article.ArticleID, err)
	}

	logger.Info("Topic processed",
		"article_id", article.ArticleID,
		"slug", article.Slug,
		"word_count", article.WordCount,
		"quality_score", article.QualityScore,
		"tokens", tokens,
		"cost_usd", costUSD,
		"duration", h.now().Sub(started))
	return OutcomeCompleted, nil
}

// claimSlug reserves the slug for this topic's collection date. On contention
// the slug is disambiguated with the topic's content hash and reclaimed; a
// redelivered topic finds its own earlier claim and keeps the slug.
func (h *Handler) claimSlug(ctx context.Context, topic *models.TopicMetadata, slug string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		path := models.SlugClaimPath(slug, topic.CollectedAt)
		claim := models.SlugClaim{
			Slug:      slug,
			TopicID:   topic.TopicID,
			ClaimedAt: h.now().UTC(),
		}
		err := h.store.CreateJSON(ctx, models.ContainerProcessed, path, claim)
		if err == nil {
			return slug, nil
		}
		if !blob.IsConflict(err) {
			return "", fmt.Errorf("claiming slug %s for %s: %w", slug, topic.TopicID, err)
		}

		var existing models.SlugClaim
		readErr := h.store.DownloadJSON(ctx, models.ContainerProcessed, path, &existing)
		switch {
		case readErr == nil && existing.TopicID == topic.TopicID:
			return slug, nil
		case readErr != nil && !blob.IsNotFound(readErr):
			return "", fmt.Errorf("reading slug claim %s: %w", path, readErr)
		}
		slug = DisambiguateSlug(slug, models.ContentHash(topic.Title, topic.Content))
	}
	// The disambiguated slug is hash-suffixed per topic; reaching here means
	// its claim also conflicted with a different owner, which only a hash
	// collision can produce.
	return "", fmt.Errorf("slug %s for %s contended beyond disambiguation", slug, topic.TopicID)
}

// findExisting lists the topic's collection-date prefix in processed-content
// and returns any article already written for this topic, plus the slugs
// already taken on that date (keyed to their owning topic).
func (h *Handler) findExisting(ctx context.Context, topic *models.TopicMetadata) (*models.ProcessedArticle, map[string]string, error) {
	prefix := models.ProcessedPrefix(topic.CollectedAt)
	objects, err := h.store.List(ctx, models.ContainerProcessed, prefix, time.Time{})
	if err != nil {
		return nil, nil, fmt.Errorf("listing processed articles under %s: %w", prefix, err)
	}

	takenSlugs := make(map[string]string)
	var existing *models.ProcessedArticle
	for _, obj := range objects {
		var article models.ProcessedArticle
		if err := h.store.DownloadJSON(ctx, models.ContainerProcessed, obj.Path, &article); err != nil {
			if blob.IsNotFound(err) {
				continue
			}
			return nil, nil, fmt.Errorf("reading processed article %s: %w", obj.Path, err)
		}
		takenSlugs[article.Slug] = article.OriginalTopicID
		if article.OriginalTopicID == topic.TopicID && existing == nil {
			a := article
			existing = &a
		}
	}
	return existing, takenSlugs, nil
}

// recordFailure writes the diagnostic blob for a permanently failed topic.
// Best effort: the poison queue entry remains the primary signal, so a write
// failure is only logged.
func (h *Handler) recordFailure(ctx context.Context, logger *slog.Logger, topic *models.TopicMetadata, stage string, cause error) {
	now := h.now().UTC()
	record := models.FailureRecord{
		TopicID:      topic.TopicID,
		CollectionID: topic.CollectionID,
		Stage:        stage,
		Error:        cause.Error(),
		ReplicaID:    h.replicaID,
		FailedAt:     now,
	}
	path := models.FailurePath(topic.TopicID, now)
	if err := h.store.UploadJSON(ctx, models.ContainerProcessed, path, record); err != nil {
		logger.Warn("Failure record write failed", "path", path, "error", err)
		return
	}
	logger.Info("Failure record written", "path", path, "stage", stage)
}

// classifyLLMFailure maps generator errors onto queue outcomes: permanent
// rejections poison the message, everything else retries via visibility.
func classifyLLMFailure(err error) Outcome {
	if llm.IsPermanent(err) {
		return OutcomePoison
	}
	return OutcomeTransient
}

// topicTags derives frontmatter tags from the topic's source extras.
func topicTags(topic *models.TopicMetadata) []string {
	tags := []string{topic.Source}
	if topic.Subreddit != "" {
		tags = append(tags, topic.Subreddit)
	}
	return tags
}
