package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/pkg/blob"
	"github.com/driftline/driftline/pkg/config"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/queue"
	"github.com/driftline/driftline/pkg/ratelimit"
)

// ServiceName identifies the collector in envelopes and logs.
const ServiceName = "collector"

// Priority score weights: engagement dominates, recency second, source trust
// third.
const (
	weightEngagement = 0.5
	weightRecency    = 0.3
	weightSource     = 0.2

	engagementCeiling = 500.0
	recencyHorizon    = 48 * time.Hour
)

// sourceWeights rank sources by historical signal quality.
var sourceWeights = map[string]float64{
	models.SourceReddit:   1.0,
	models.SourceRSS:      0.8,
	models.SourceMastodon: 0.6,
}

// Pipeline runs one collection: readers stream standardised items through the
// quality gate and dedup filter, survivors fan out as one topic message each,
// and the run closes with an append-only audit blob.
type Pipeline struct {
	cfg     *config.CollectorConfig
	store   blob.Store
	queues  queue.Client
	limiter *ratelimit.Limiter
	now     func() time.Time

	// newReaders builds the readers for a template; injectable for tests.
	newReaders func(config.SourceTemplate) ([]Reader, error)
}

// NewPipeline wires the collection pipeline.
func NewPipeline(cfg *config.CollectorConfig, store blob.Store, queues queue.Client, limiter *ratelimit.Limiter) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		queues:  queues,
		limiter: limiter,
		now:     time.Now,
	}
	p.newReaders = p.buildReaders
	return p
}

// Run executes one collection against the given template and returns the
// audit record with its run stats. Individual item failures never abort the
// run; only a cancelled context stops it early.
func (p *Pipeline) Run(ctx context.Context, template config.SourceTemplate) (*models.Collection, error) {
	collectionID := uuid.NewString()
	startedAt := p.now().UTC()
	logger := slog.With("collection_id", collectionID, "template", template.Name)
	logger.Info("Collection run starting", "sources", len(template.Sources))

	readers, err := p.newReaders(template)
	if err != nil {
		return nil, err
	}

	gate := NewQualityGate(template.QualityMode == config.QualityModeStrict)
	seen := NewSeenSet(p.store, p.cfg.DedupWindowDays)
	seen.Load(ctx)

	collection := models.Collection{
		CollectionID:  collectionID,
		StartedAt:     startedAt,
		SourceConfigs: sourceConfigs(template),
	}
	collectionBlob := models.CollectionPath(collectionID, startedAt)
	stats := &collection.Stats
	rejections := make(map[string]int)

	items := make(chan models.CollectionItem)
	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(r Reader) {
			defer wg.Done()
			if err := r.Stream(ctx, items); err != nil && ctx.Err() == nil {
				logger.Warn("Source reader failed", "source", r.Source(), "error", err)
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(items)
	}()

	for item := range items {
		stats.Collected++
		collection.Items = append(collection.Items, item)

		if pass, reason := gate.Check(&item); !pass {
			stats.RejectedQuality++
			rejections[reason]++
			continue
		}
		if seen.Contains(item.ContentHash) {
			stats.RejectedDedup++
			continue
		}

		if err := p.publishTopic(ctx, &item, collectionID, collectionBlob); err != nil {
			logger.Warn("Topic enqueue failed, item skipped", "topic_id", item.TopicID(), "error", err)
			continue
		}
		seen.Add(ctx, &item, collectionID)
		stats.Published++
	}
	if ctx.Err() != nil {
		return &collection, ctx.Err()
	}

	collection.EndedAt = p.now().UTC()
	if err := p.store.UploadJSON(ctx, models.ContainerCollected, collectionBlob, collection); err != nil {
		// The audit record is best effort; the topics are already on the queue.
		logger.Warn("Collection audit write failed", "path", collectionBlob, "error", err)
	}
	seen.Reap(ctx)

	logger.Info("Collection run finished",
		"collected", stats.Collected,
		"published", stats.Published,
		"rejected_quality", stats.RejectedQuality,
		"rejected_dedup", stats.RejectedDedup,
		"rejection_reasons", rejections,
		"duration", p.now().UTC().Sub(startedAt))
	return &collection, nil
}

// publishTopic converts one accepted item into a topic message on the
// processing queue.
func (p *Pipeline) publishTopic(ctx context.Context, item *models.CollectionItem, collectionID, collectionBlob string) error {
	topic := models.TopicMetadata{
		TopicID:         item.TopicID(),
		Title:           item.Title,
		Content:         item.Content,
		Source:          item.Source,
		SourceURL:       item.SourceURL,
		CollectedAt:     item.CollectedAt,
		PriorityScore:   p.priorityScore(item),
		CollectionID:    collectionID,
		CollectionBlob:  collectionBlob,
		ContractVersion: models.ContractVersion,
		Subreddit:       item.Subreddit,
		Upvotes:         item.Upvotes,
		Boosts:          item.Boosts,
		Comments:        item.Comments,
		Favourites:      item.Favourites,
	}
	env, err := models.NewEnvelope(ServiceName, models.OpProcessTopic, collectionID, topic)
	if err != nil {
		return err
	}
	_, err = p.queues.Enqueue(ctx, models.QueueProcessTopic, env)
	return err
}

// priorityScore blends engagement, recency and source trust into [0, 1].
func (p *Pipeline) priorityScore(item *models.CollectionItem) float64 {
	engagement := float64(item.Engagement()) / engagementCeiling
	if engagement > 1 {
		engagement = 1
	}

	recency := 0.0
	if item.CreatedUTC > 0 {
		age := p.now().UTC().Sub(time.Unix(item.CreatedUTC, 0))
		if age < 0 {
			age = 0
		}
		recency = 1 - float64(age)/float64(recencyHorizon)
		if recency < 0 {
			recency = 0
		}
	}

	return weightEngagement*engagement + weightRecency*recency + weightSource*sourceWeights[item.Source]
}

// buildReaders instantiates one reader per template source.
func (p *Pipeline) buildReaders(template config.SourceTemplate) ([]Reader, error) {
	readers := make([]Reader, 0, len(template.Sources))
	for _, src := range template.Sources {
		maxItems := src.MaxItems
		if maxItems <= 0 || maxItems > p.cfg.MaxItemsPerSource {
			maxItems = p.cfg.MaxItemsPerSource
		}
		switch src.SourceType {
		case "reddit":
			subs := src.StringsParam("subreddits")
			if len(subs) == 0 {
				return nil, fmt.Errorf("reddit source has no subreddits")
			}
			readers = append(readers, NewRedditReader(subs, maxItems, src.IntParam("min_score", 0), p.limiter))
		case "mastodon":
			instances := src.StringsParam("instances")
			if len(instances) == 0 {
				return nil, fmt.Errorf("mastodon source has no instances")
			}
			readers = append(readers, NewMastodonReader(instances, maxItems, p.limiter))
		case "rss":
			feeds := src.StringsParam("feeds")
			if len(feeds) == 0 {
				return nil, fmt.Errorf("rss source has no feeds")
			}
			readers = append(readers, NewRSSReader(feeds, maxItems, p.limiter))
		default:
			return nil, fmt.Errorf("unknown source type %q", src.SourceType)
		}
	}
	return readers, nil
}

func sourceConfigs(template config.SourceTemplate) []models.SourceConfig {
	out := make([]models.SourceConfig, 0, len(template.Sources))
	for _, src := range template.Sources {
		out = append(out, models.SourceConfig{
			SourceType: src.SourceType,
			Parameters: src.Parameters,
			MaxItems:   src.MaxItems,
		})
	}
	return out
}
