package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/ratelimit"
)

// MastodonReader streams statuses from public instance timelines.
type MastodonReader struct {
	instances []string
	maxItems  int
	client    *http.Client
	limiter   *ratelimit.Limiter
	now       func() time.Time
}

// NewMastodonReader creates a reader over the given instances.
func NewMastodonReader(instances []string, maxItems int, limiter *ratelimit.Limiter) *MastodonReader {
	return &MastodonReader{
		instances: instances,
		maxItems:  maxItems,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   limiter,
		now:       time.Now,
	}
}

// Source implements Reader.
func (r *MastodonReader) Source() string { return models.SourceMastodon }

type mastodonStatus struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	URI             string    `json:"uri"`
	Content         string    `json:"content"`
	SpoilerText     string    `json:"spoiler_text"`
	CreatedAt       time.Time `json:"created_at"`
	ReblogsCount    int       `json:"reblogs_count"`
	FavouritesCount int       `json:"favourites_count"`
}

// Stream implements Reader.
func (r *MastodonReader) Stream(ctx context.Context, out chan<- models.CollectionItem) error {
	emitted := 0
	for _, instance := range r.instances {
		if emitted >= r.maxItems {
			return nil
		}
		url := fmt.Sprintf("https://%s/api/v1/timelines/public?local=true&limit=40", instance)

		var statuses []mastodonStatus
		err := fetchJSON(ctx, r.client, r.limiter, models.SourceMastodon, url, func(body []byte) error {
			return json.Unmarshal(body, &statuses)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Instance fetch failed, continuing", "instance", instance, "error", err)
			continue
		}

		for _, status := range statuses {
			if emitted >= r.maxItems {
				return nil
			}
			item := standardizeMastodonStatus(status, instance, r.now().UTC())
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

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML removes markup from status bodies. Mastodon content is sanitised
// HTML, so tag stripping plus entity unescaping is sufficient.
func stripHTML(s string) string {
	s = strings.ReplaceAll(s, "</p>", "\n\n")
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br />", "\n")
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	return strings.TrimSpace(s)
}

// standardizeMastodonStatus converts a raw status into the source-neutral
// item. Statuses carry no title, so the first line of the stripped content
// serves as one.
func standardizeMastodonStatus(s mastodonStatus, instance string, collectedAt time.Time) models.CollectionItem {
	content := stripHTML(s.Content)
	title := s.SpoilerText
	if title == "" {
		title = firstLine(content)
	}
	sourceURL := s.URL
	if sourceURL == "" {
		sourceURL = s.URI
	}
	item := models.CollectionItem{
		ID:          instance + "_" + s.ID,
		Title:       title,
		Content:     content,
		Source:      models.SourceMastodon,
		SourceURL:   sourceURL,
		CollectedAt: collectedAt,
		Boosts:      s.ReblogsCount,
		Favourites:  s.FavouritesCount,
		CreatedUTC:  s.CreatedAt.Unix(),
	}
	item.ContentHash = models.ContentHash(item.Title, item.Content)
	return item
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}
