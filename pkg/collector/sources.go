// Package collector implements the streaming ingestion pipeline: source
// readers feed standardised items through the quality gate and dedup filter
// into the per-topic fan-out.
package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/ratelimit"
)

// Reader streams standardised items from one source. Implementations respect
// the source's rate limiter on every upstream call and stop when the context
// is cancelled or maxItems have been emitted.
type Reader interface {
	// Source returns the source identifier ("reddit", "mastodon", "rss").
	Source() string

	// Stream sends items to out until the source drains. It must not close
	// out; the pipeline owns the channel.
	Stream(ctx context.Context, out chan<- models.CollectionItem) error
}

// fetchJSON performs one rate-limited GET and decodes the body with decode.
// Throttling responses advance the limiter's backoff and are retried up to
// three times; other failures are returned as-is.
func fetchJSON(ctx context.Context, client *http.Client, limiter *ratelimit.Limiter,
	limiterKey, url string, decode func([]byte) error) error {

	const maxAttempts = 3
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := limiter.Acquire(ctx, limiterKey); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building request for %s: %w", url, err)
		}
		req.Header.Set("User-Agent", "driftline-collector/1.0")
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("fetching %s: %w", url, err)
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			limiter.NoteThrottled(limiterKey, parseRetryAfterHeader(resp))
			lastErr = fmt.Errorf("fetching %s: throttled", url)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
		}
		if readErr != nil {
			lastErr = fmt.Errorf("reading %s: %w", url, readErr)
			continue
		}

		limiter.NoteSuccess(limiterKey)
		return decode(body)
	}
	return lastErr
}

func parseRetryAfterHeader(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(h, "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
