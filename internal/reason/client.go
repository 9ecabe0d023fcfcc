// Package reason wraps the external reasoning service. The service is
// treated as unreliable text generation: it takes a prompt and returns
// free-form text, and all structure extraction happens on the caller side.
package reason

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	fableerrors "fable/internal/errors"
	"fable/internal/utils"
)

// Client produces a textual reply for a prompt.
type Client interface {
	Decide(ctx context.Context, prompt string) (string, error)
}

// HTTPClient talks to an OpenAI-compatible chat completion endpoint.
type HTTPClient struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
	logger  *utils.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithModel sets the model name sent with each request.
func WithModel(model string) Option {
	return func(c *HTTPClient) { c.model = model }
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) { c.apiKey = key }
}

// NewHTTPClient creates a client for baseURL with a per-call timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...Option) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &HTTPClient{
		baseURL: baseURL,
		model:   "default",
		http:    &http.Client{Timeout: timeout},
		logger:  utils.NewComponentLogger("Reasoner"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Decide sends the prompt and returns the raw reply text.
func (c *HTTPClient) Decide(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fableerrors.NewTransientError(err, fmt.Sprintf("reasoning service unreachable: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fableerrors.NewTransientError(err, "reading reasoning reply failed")
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("reasoning service returned status %d", resp.StatusCode)
		if fableerrors.IsTransientHTTPStatus(resp.StatusCode) {
			return "", fableerrors.NewTransientError(err, err.Error())
		}
		return "", fableerrors.NewPermanentError(err, err.Error())
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode reasoning reply: %w", err)
	}
	if parsed.Error != nil {
		return "", fableerrors.NewPermanentError(fmt.Errorf("%s", parsed.Error.Message), parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fableerrors.NewTransientError(fmt.Errorf("empty reply"), "reasoning service returned an empty reply")
	}

	reply := parsed.Choices[0].Message.Content
	c.logger.Debug("Reasoner replied with %d bytes", len(reply))
	return reply, nil
}

// RetryClient wraps a Client with the standard backoff policy.
type RetryClient struct {
	inner  Client
	policy fableerrors.RetryConfig
}

// NewRetryClient wraps inner so transient failures are retried.
func NewRetryClient(inner Client, policy fableerrors.RetryConfig) *RetryClient {
	return &RetryClient{inner: inner, policy: policy}
}

// Decide delegates with retry on transient failures.
func (c *RetryClient) Decide(ctx context.Context, prompt string) (string, error) {
	return fableerrors.RetryWithResult(ctx, c.policy, func(ctx context.Context) (string, error) {
		return c.inner.Decide(ctx, prompt)
	})
}
