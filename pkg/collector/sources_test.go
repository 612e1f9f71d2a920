package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/ratelimit"
)

func TestStandardizeRedditPost(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	t.Run("self post", func(t *testing.T) {
		item := standardizeRedditPost(redditPost{
			ID:          "abc",
			Subreddit:   "golang",
			Title:       "Generics in the standard library",
			SelfText:    "A long discussion about iterators.",
			Permalink:   "/r/golang/comments/abc/post/",
			Score:       120,
			NumComments: 30,
			CreatedUTC:  1756000000,
		}, now)

		assert.Equal(t, "abc", item.ID)
		assert.Equal(t, models.SourceReddit, item.Source)
		assert.Equal(t, "A long discussion about iterators.", item.Content)
		assert.Equal(t, "https://www.reddit.com/r/golang/comments/abc/post/", item.SourceURL)
		assert.Equal(t, 120, item.Upvotes)
		assert.Equal(t, int64(1756000000), item.CreatedUTC)
		assert.Equal(t, models.ContentHash(item.Title, item.Content), item.ContentHash)
		assert.Equal(t, "reddit_abc", item.TopicID())
	})

	t.Run("link post falls back to URL content", func(t *testing.T) {
		item := standardizeRedditPost(redditPost{
			ID:    "xyz",
			Title: "Release notes",
			URL:   "https://example.test/release",
		}, now)
		assert.Equal(t, "https://example.test/release", item.Content)
	})

	t.Run("empty post still yields a valid item", func(t *testing.T) {
		item := standardizeRedditPost(redditPost{}, now)
		assert.NotEmpty(t, item.ContentHash)
		assert.Equal(t, now, item.CollectedAt)
	})

	t.Run("deterministic hash", func(t *testing.T) {
		p := redditPost{ID: "abc", Title: "Same title", SelfText: "Same body"}
		a := standardizeRedditPost(p, now)
		b := standardizeRedditPost(p, now.Add(time.Hour))
		assert.Equal(t, a.ContentHash, b.ContentHash, "hash depends on content only")
	})
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"tags removed", "<p>hello <b>world</b></p>", "hello world"},
		{"paragraphs become blank lines", "<p>one</p><p>two</p>", "one\n\ntwo"},
		{"line breaks", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"entities", "a &amp; b &lt;c&gt; &quot;d&quot;", `a & b <c> "d"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripHTML(tt.in))
		})
	}
}

func TestStandardizeMastodonStatus(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	created := now.Add(-2 * time.Hour)

	t.Run("spoiler text wins as title", func(t *testing.T) {
		item := standardizeMastodonStatus(mastodonStatus{
			ID:              "42",
			URL:             "https://mastodon.social/@x/42",
			Content:         "<p>Body text here</p>",
			SpoilerText:     "A content warning title",
			CreatedAt:       created,
			ReblogsCount:    3,
			FavouritesCount: 7,
		}, "mastodon.social", now)

		assert.Equal(t, "mastodon.social_42", item.ID)
		assert.Equal(t, "A content warning title", item.Title)
		assert.Equal(t, "Body text here", item.Content)
		assert.Equal(t, 3, item.Boosts)
		assert.Equal(t, 7, item.Favourites)
		assert.Equal(t, 10, item.Engagement())
	})

	t.Run("first line of content as fallback title", func(t *testing.T) {
		item := standardizeMastodonStatus(mastodonStatus{
			ID:      "43",
			Content: "<p>First line becomes the title</p><p>rest</p>",
		}, "mastodon.social", now)
		assert.Equal(t, "First line becomes the title", item.Title)
	})
}

func TestStandardizeFeedItem(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	published := now.Add(-3 * time.Hour)

	t.Run("guid preferred as id", func(t *testing.T) {
		item := standardizeFeedItem(&gofeed.Item{
			GUID:            "tag:example,2026:1",
			Link:            "https://example.test/post",
			Title:           "A feed entry",
			Description:     "<p>Summary text</p>",
			PublishedParsed: &published,
		}, "https://example.test/feed.xml", now)

		assert.Equal(t, "tag:example,2026:1", item.ID)
		assert.Equal(t, models.SourceRSS, item.Source)
		assert.Equal(t, "Summary text", item.Content)
		assert.Equal(t, "https://example.test/post", item.SourceURL)
		assert.Equal(t, published.Unix(), item.CreatedUTC)
	})

	t.Run("link fallback id, content over description", func(t *testing.T) {
		item := standardizeFeedItem(&gofeed.Item{
			Link:        "https://example.test/post",
			Title:       "A feed entry",
			Content:     "full content",
			Description: "short summary",
		}, "https://example.test/feed.xml", now)
		assert.Equal(t, "https://example.test/post", item.ID)
		assert.Equal(t, "full content", item.Content)
	})
}

func TestFetchJSON(t *testing.T) {
	t.Run("success resets backoff", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
		}))
		defer srv.Close()

		limiter := ratelimit.New()
		limiter.Configure("src", ratelimit.BucketConfig{
			Rate: 100, Burst: 10,
			BackoffMultiplier: 2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
		})
		limiter.NoteThrottled("src", 0)

		var decoded map[string]string
		err := fetchJSON(context.Background(), srv.Client(), limiter, "src", srv.URL, func(body []byte) error {
			return json.Unmarshal(body, &decoded)
		})
		require.NoError(t, err)
		assert.Equal(t, "yes", decoded["ok"])
		assert.Zero(t, limiter.ActiveBackoff("src"))
	})

	t.Run("throttling advances backoff and retries", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		limiter := ratelimit.New()
		limiter.Configure("src", ratelimit.BucketConfig{
			Rate: 100, Burst: 10,
			BackoffMultiplier: 2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
		})

		err := fetchJSON(context.Background(), srv.Client(), limiter, "src", srv.URL,
			func([]byte) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("hard failure is not retried", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		err := fetchJSON(context.Background(), srv.Client(), ratelimit.New(), "src", srv.URL,
			func([]byte) error { return nil })
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestParseRetryAfterHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Equal(t, time.Duration(0), parseRetryAfterHeader(resp))

	resp.Header.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, parseRetryAfterHeader(resp))

	resp.Header.Set("Retry-After", "not-a-number")
	assert.Equal(t, time.Duration(0), parseRetryAfterHeader(resp))
}
