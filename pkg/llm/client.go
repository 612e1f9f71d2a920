// Package llm wraps the OpenAI-compatible completion endpoint behind a narrow
// client interface so the processor can be tested against fakes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Usage is the token accounting reported by the endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is a single completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Result is a completed generation with its usage.
type Result struct {
	Text  string
	Model string
	Usage Usage
}

// Client is the completion interface consumed by the processor.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// ThrottledError signals a 429; RetryAfter is zero when the response did not
// advertise one.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("llm throttled (retry after %s)", e.RetryAfter)
}

// PermanentError signals a non-retryable 4xx.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("llm rejected request: status %d: %s", e.StatusCode, e.Body)
}

// TransientError signals a retryable failure (5xx, timeout, connection reset).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("llm transient error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsThrottled reports whether err is a throttling response and returns the
// advertised retry-after if any.
func IsThrottled(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// IsPermanent reports whether err is a non-retryable rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// HTTPClient calls an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPClient creates a client for the given endpoint and model. The API
// key is read from LLM_API_KEY when empty; a non-positive timeout falls back
// to 120s.
func NewHTTPClient(endpoint, apiKey, model string, timeout time.Duration) *HTTPClient {
	if apiKey == "" {
		apiKey = os.Getenv("LLM_API_KEY")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Result, error) {
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ThrottledError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decoding completion response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &PermanentError{StatusCode: resp.StatusCode, Body: "no choices in response"}
	}

	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return &Result{
		Text:  parsed.Choices[0].Message.Content,
		Model: model,
		Usage: parsed.Usage,
	}, nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
