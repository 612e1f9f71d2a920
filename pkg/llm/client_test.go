package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient_Timeout(t *testing.T) {
	c := NewHTTPClient("https://llm.example.test", "key", "gpt-4o-mini", 45*time.Second)
	assert.Equal(t, 45*time.Second, c.client.Timeout)

	fallback := NewHTTPClient("https://llm.example.test", "key", "gpt-4o-mini", 0)
	assert.Equal(t, 120*time.Second, fallback.client.Timeout)
}

func completionServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "test-key", "gpt-4o-mini", 5*time.Second)
}

func TestHTTPClient_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"model":"gpt-4o-mini",` +
				`"choices":[{"message":{"role":"assistant","content":"rewritten"}}],` +
				`"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`))
		})

		res, err := c.Complete(ctx, Request{Prompt: "rewrite this"})
		require.NoError(t, err)
		assert.Equal(t, "rewritten", res.Text)
		assert.Equal(t, "gpt-4o-mini", res.Model)
		assert.Equal(t, 30, res.Usage.TotalTokens)
	})

	t.Run("429 maps to throttled with retry-after", func(t *testing.T) {
		c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := c.Complete(ctx, Request{Prompt: "rewrite this"})
		retryAfter, throttled := IsThrottled(err)
		require.True(t, throttled)
		assert.Equal(t, 7*time.Second, retryAfter)
	})

	t.Run("other 4xx maps to permanent", func(t *testing.T) {
		c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "content policy", http.StatusBadRequest)
		})

		_, err := c.Complete(ctx, Request{Prompt: "rewrite this"})
		require.True(t, IsPermanent(err))
		assert.Contains(t, err.Error(), "content policy")
	})

	t.Run("5xx maps to transient", func(t *testing.T) {
		c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := c.Complete(ctx, Request{Prompt: "rewrite this"})
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
		_, throttled := IsThrottled(err)
		assert.False(t, throttled)
	})

	t.Run("empty choices is permanent", func(t *testing.T) {
		c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"model":"gpt-4o-mini","choices":[],"usage":{}}`))
		})

		_, err := c.Complete(ctx, Request{Prompt: "rewrite this"})
		assert.True(t, IsPermanent(err))
	})
}
