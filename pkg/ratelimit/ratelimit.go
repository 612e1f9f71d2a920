// Package ratelimit provides per-source token-bucket rate limiting with
// exponential backoff on throttling responses.
//
// Buckets are keyed by free-form strings; the convention is the source name
// for collectors ("reddit", "mastodon") and "openai:"+region for LLM calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketConfig parameterises one token bucket.
type BucketConfig struct {
	// Rate is the sustained token refill rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// BackoffMultiplier scales the active backoff on each throttling notice.
	BackoffMultiplier float64
	// InitialBackoff seeds the backoff on the first throttling notice.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff growth.
	MaxBackoff time.Duration
}

// Preset bucket configurations for the known upstreams.
var (
	RedditPreset = BucketConfig{
		Rate:              30.0 / 60.0,
		Burst:             5,
		BackoffMultiplier: 2.5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        600 * time.Second,
	}
	MastodonPreset = BucketConfig{
		Rate:              60.0 / 60.0,
		Burst:             5,
		BackoffMultiplier: 2.0,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        300 * time.Second,
	}
	OpenAIPreset = BucketConfig{
		Rate:              60.0 / 60.0,
		Burst:             3,
		BackoffMultiplier: 2.0,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        120 * time.Second,
	}
)

type bucket struct {
	limiter *rate.Limiter
	cfg     BucketConfig

	mu      sync.Mutex
	backoff time.Duration // current backoff; zero after a success
	until   time.Time     // acquires block until this instant
}

// Limiter is a registry of token buckets with throttle-aware backoff.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates an empty limiter registry.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Configure registers or replaces the bucket for a key.
func (l *Limiter) Configure(key string, cfg BucketConfig) {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = &bucket{
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		cfg:     cfg,
	}
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}
	// Unconfigured keys get a permissive default so a missing preset cannot
	// deadlock a pipeline.
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	cfg := BucketConfig{Rate: 10, Burst: 10, BackoffMultiplier: 2.0,
		InitialBackoff: time.Second, MaxBackoff: 60 * time.Second}
	b = &bucket{limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst), cfg: cfg}
	l.buckets[key] = b
	return b
}

// Acquire blocks until a token is available and any active backoff has
// elapsed. It returns early with the context's error on cancellation.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	b := l.bucket(key)

	for {
		b.mu.Lock()
		wait := b.until.Sub(l.now())
		b.mu.Unlock()
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return b.limiter.Wait(ctx)
}

// TryAcquire takes a token without blocking. Backoff windows count as
// unavailable. Mostly useful in tests and diagnostics.
func (l *Limiter) TryAcquire(key string) bool {
	b := l.bucket(key)
	b.mu.Lock()
	blocked := b.until.After(l.now())
	b.mu.Unlock()
	if blocked {
		return false
	}
	return b.limiter.Allow()
}

// NoteThrottled records a throttling response. The active backoff is
// multiplied (seeded by InitialBackoff, capped at MaxBackoff); an advertised
// retry-after overrides the computed backoff when larger.
func (l *Limiter) NoteThrottled(key string, retryAfter time.Duration) {
	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.cfg.InitialBackoff
	if b.backoff > 0 {
		next = time.Duration(float64(b.backoff) * b.cfg.BackoffMultiplier)
	}
	if b.cfg.MaxBackoff > 0 && next > b.cfg.MaxBackoff {
		next = b.cfg.MaxBackoff
	}
	if retryAfter > next {
		next = retryAfter
	}
	b.backoff = next
	b.until = l.now().Add(next)
}

// NoteSuccess resets the key's backoff.
func (l *Limiter) NoteSuccess(key string) {
	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backoff = 0
	b.until = time.Time{}
}

// ActiveBackoff returns the current backoff duration for a key.
func (l *Limiter) ActiveBackoff(key string) time.Duration {
	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}

// SetClock overrides the limiter's clock. Tests use it to step through
// backoff windows without sleeping.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
