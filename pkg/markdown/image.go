package markdown

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ImageFinder looks up a stock cover image for an article. A nil result with
// a nil error means no suitable image; the article renders without a cover.
type ImageFinder interface {
	Find(ctx context.Context, title string, tags []string) (*CoverImage, error)
}

// NoImageFinder never finds an image. Used when no lookup service is
// configured.
type NoImageFinder struct{}

// Find implements ImageFinder.
func (NoImageFinder) Find(context.Context, string, []string) (*CoverImage, error) {
	return nil, nil
}

// HTTPImageFinder queries a stock image lookup service over HTTP. The service
// answers GET {base}?query=... with {"url": ..., "caption": ...}; an empty
// url means no match.
type HTTPImageFinder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPImageFinder creates a finder for the given lookup endpoint.
func NewHTTPImageFinder(baseURL string) *HTTPImageFinder {
	return &HTTPImageFinder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Find implements ImageFinder. Lookup failures are soft: they are logged and
// reported as no-image so rendering never blocks on the image service.
func (f *HTTPImageFinder) Find(ctx context.Context, title string, tags []string) (*CoverImage, error) {
	query := title
	if len(tags) > 0 {
		query += " " + strings.Join(tags, " ")
	}
	lookupURL := f.baseURL + "?query=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building image lookup request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("Image lookup failed, rendering without cover", "error", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("Image lookup rejected, rendering without cover", "status", resp.StatusCode)
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		slog.Warn("Image lookup read failed, rendering without cover", "error", err)
		return nil, nil
	}
	var parsed struct {
		URL     string `json:"url"`
		Caption string `json:"caption"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.Warn("Image lookup returned malformed body, rendering without cover", "error", err)
		return nil, nil
	}
	if parsed.URL == "" {
		return nil, nil
	}
	return &CoverImage{URL: parsed.URL, Caption: parsed.Caption}, nil
}
