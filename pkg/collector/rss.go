package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/ratelimit"
)

// RSSReader streams entries from configured feed URLs.
type RSSReader struct {
	feeds    []string
	maxItems int
	parser   *gofeed.Parser
	limiter  *ratelimit.Limiter
	now      func() time.Time
}

// NewRSSReader creates a reader over the given feed URLs.
func NewRSSReader(feeds []string, maxItems int, limiter *ratelimit.Limiter) *RSSReader {
	parser := gofeed.NewParser()
	parser.UserAgent = "driftline-collector/1.0"
	return &RSSReader{
		feeds:    feeds,
		maxItems: maxItems,
		parser:   parser,
		limiter:  limiter,
		now:      time.Now,
	}
}

// Source implements Reader.
func (r *RSSReader) Source() string { return models.SourceRSS }

// Stream implements Reader.
func (r *RSSReader) Stream(ctx context.Context, out chan<- models.CollectionItem) error {
	emitted := 0
	for _, feedURL := range r.feeds {
		if emitted >= r.maxItems {
			return nil
		}
		if err := r.limiter.Acquire(ctx, models.SourceRSS); err != nil {
			return err
		}

		feed, err := r.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Feed fetch failed, continuing", "feed", feedURL, "error", err)
			continue
		}

		for _, entry := range feed.Items {
			if emitted >= r.maxItems {
				return nil
			}
			item := standardizeFeedItem(entry, feedURL, r.now().UTC())
			select {
			case out <- item:
				emitted++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// standardizeFeedItem converts a parsed feed entry into the source-neutral
// item. GUIDs are preferred as the stable ID; the link is the fallback.
func standardizeFeedItem(entry *gofeed.Item, feedURL string, collectedAt time.Time) models.CollectionItem {
	id := entry.GUID
	if id == "" {
		id = entry.Link
	}
	content := entry.Content
	if content == "" {
		content = entry.Description
	}
	content = stripHTML(content)

	var createdUTC int64
	if entry.PublishedParsed != nil {
		createdUTC = entry.PublishedParsed.Unix()
	}

	sourceURL := entry.Link
	if sourceURL == "" {
		sourceURL = feedURL
	}

	item := models.CollectionItem{
		ID:          id,
		Title:       entry.Title,
		Content:     content,
		Source:      models.SourceRSS,
		SourceURL:   sourceURL,
		CollectedAt: collectedAt,
		CreatedUTC:  createdUTC,
	}
	item.ContentHash = models.ContentHash(item.Title, item.Content)
	return item
}
