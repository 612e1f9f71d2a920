package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/driftline/driftline/pkg/llm"
	"github.com/driftline/driftline/pkg/models"
	"github.com/driftline/driftline/pkg/ratelimit"
)

const (
	articleSystemPrompt = "You are a technical editor. Rewrite the supplied source material " +
		"into an original, well-structured article in Markdown. Use headings and short " +
		"paragraphs. Preserve all technical facts; do not invent any. Aim for 600 to 2000 words."

	titleSystemPrompt = "You write concise article headlines. Respond with a single headline " +
		"under 80 characters, no quotes, no trailing punctuation."

	throttleAttempts  = 3
	transientAttempts = 2
)

// Generator runs LLM completions under the per-region rate limiter with the
// retry policy the pipeline expects: throttles advance backoff and retry,
// transient failures retry with jitter, permanent rejections fail fast.
type Generator struct {
	client     llm.Client
	limiter    *ratelimit.Limiter
	limiterKey string
}

// NewGenerator creates a generator for one region bucket.
func NewGenerator(client llm.Client, limiter *ratelimit.Limiter, region string) *Generator {
	return &Generator{
		client:     client,
		limiter:    limiter,
		limiterKey: "openai:" + region,
	}
}

// RewriteArticle produces the article body for a topic.
func (g *Generator) RewriteArticle(ctx context.Context, topic *models.TopicMetadata) (*llm.Result, error) {
	prompt := fmt.Sprintf("Source: %s\nOriginal title: %s\n\nSource material:\n%s",
		topic.Source, topic.Title, topic.Content)
	return g.complete(ctx, llm.Request{
		System:      articleSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   3000,
		Temperature: 0.7,
	})
}

// RewriteTitle produces a clean headline for an unusable source title.
func (g *Generator) RewriteTitle(ctx context.Context, title, content string) (*llm.Result, error) {
	excerpt := content
	if len(excerpt) > 500 {
		excerpt = excerpt[:500]
	}
	prompt := fmt.Sprintf("Original title: %s\n\nArticle opening:\n%s", title, excerpt)
	res, err := g.complete(ctx, llm.Request{
		System:      titleSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   60,
		Temperature: 0.5,
	})
	if err != nil {
		return nil, err
	}
	res.Text = strings.TrimSpace(strings.Trim(strings.TrimSpace(res.Text), `"`))
	return res, nil
}

// complete issues one completion with the retry policy applied.
func (g *Generator) complete(ctx context.Context, req llm.Request) (*llm.Result, error) {
	throttles := 0
	transients := 0

	for {
		if err := g.limiter.Acquire(ctx, g.limiterKey); err != nil {
			return nil, err
		}

		res, err := g.client.Complete(ctx, req)
		if err == nil {
			g.limiter.NoteSuccess(g.limiterKey)
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if retryAfter, ok := llm.IsThrottled(err); ok {
			g.limiter.NoteThrottled(g.limiterKey, retryAfter)
			throttles++
			if throttles > throttleAttempts {
				return nil, fmt.Errorf("llm throttled %d times: %w", throttles, err)
			}
			slog.Warn("LLM throttled, backing off", "attempt", throttles, "retry_after", retryAfter)
			continue
		}
		if llm.IsPermanent(err) {
			return nil, err
		}

		transients++
		if transients > transientAttempts {
			return nil, fmt.Errorf("llm failed after %d transient errors: %w", transients, err)
		}
		slog.Warn("LLM transient failure, retrying", "attempt", transients, "error", err)
		if err := sleepJittered(ctx, time.Duration(transients)*time.Second); err != nil {
			return nil, err
		}
	}
}

// sleepJittered waits for base plus up to 50% jitter, or until cancellation.
func sleepJittered(ctx context.Context, base time.Duration) error {
	d := base + time.Duration(rand.Int63n(int64(base/2)+1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
