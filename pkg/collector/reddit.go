package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/ratelimit"
)

const redditBaseURL = "https://www.reddit.com"

// RedditReader streams posts from subreddit JSON listings.
type RedditReader struct {
	subreddits []string
	maxItems   int
	minScore   int
	client     *http.Client
	limiter    *ratelimit.Limiter
	baseURL    string
	now        func() time.Time
}

// NewRedditReader creates a reader over the given subreddits. Posts scoring
// below minScore are skipped.
func NewRedditReader(subreddits []string, maxItems, minScore int, limiter *ratelimit.Limiter) *RedditReader {
	return &RedditReader{
		subreddits: subreddits,
		maxItems:   maxItems,
		minScore:   minScore,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		baseURL:    redditBaseURL,
		now:        time.Now,
	}
}

// Source implements Reader.
func (r *RedditReader) Source() string { return models.SourceReddit }

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	SelfText    string  `json:"selftext"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
}

// Stream implements Reader.
func (r *RedditReader) Stream(ctx context.Context, out chan<- models.CollectionItem) error {
	emitted := 0
	for _, sub := range r.subreddits {
		if emitted >= r.maxItems {
			return nil
		}
		url := fmt.Sprintf("%s/r/%s/hot.json?limit=%d&raw_json=1", r.baseURL, sub, r.maxItems)

		var listing redditListing
		err := fetchJSON(ctx, r.client, r.limiter, models.SourceReddit, url, func(body []byte) error {
			return json.Unmarshal(body, &listing)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Subreddit fetch failed, continuing", "subreddit", sub, "error", err)
			continue
		}

		for _, child := range listing.Data.Children {
			if emitted >= r.maxItems {
				return nil
			}
			if child.Data.Score < r.minScore {
				continue
			}
			item := standardizeRedditPost(child.Data, r.now().UTC())
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

// standardizeRedditPost converts a raw post into the source-neutral item. It
// is total: any post, however sparse, yields a valid item. The content hash
// is computed last, over the final title and content.
func standardizeRedditPost(p redditPost, collectedAt time.Time) models.CollectionItem {
	content := p.SelfText
	if content == "" {
		content = p.URL
	}
	sourceURL := p.URL
	if p.Permalink != "" {
		sourceURL = redditBaseURL + p.Permalink
	}
	item := models.CollectionItem{
		ID:          p.ID,
		Title:       p.Title,
		Content:     content,
		Source:      models.SourceReddit,
		SourceURL:   sourceURL,
		CollectedAt: collectedAt,
		Subreddit:   p.Subreddit,
		Upvotes:     p.Score,
		Comments:    p.NumComments,
		CreatedUTC:  int64(p.CreatedUTC),
	}
	item.ContentHash = models.ContentHash(item.Title, item.Content)
	return item
}
