package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	fableerrors "fable/internal/errors"
	"fable/internal/utils"
)

// ToolSchema describes a tool exposed by a service.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

const discoveryCacheSize = 32

// Client talks to tool services over HTTP. Discovery results are cached per
// endpoint so repeated runs against the same service skip the round trip.
type Client struct {
	httpClient *http.Client
	logger     *utils.Logger
	cache      *lru.Cache[string, []ToolSchema]
}

func NewClient() *Client {
	cache, _ := lru.New[string, []ToolSchema](discoveryCacheSize)
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     utils.NewComponentLogger("MCPClient"),
		cache:      cache,
	}
}

// Discover fetches the tool list from endpoint. A service that is down is not
// fatal: the caller gets an Unavailable error and can fall back to local
// behavior or an empty tool set.
func (c *Client) Discover(ctx context.Context, endpoint string) ([]ToolSchema, error) {
	if tools, ok := c.cache.Get(endpoint); ok {
		return tools, nil
	}
	return c.Refresh(ctx, endpoint)
}

// Refresh bypasses the cache and re-fetches the tool list.
func (c *Client) Refresh(ctx context.Context, endpoint string) ([]ToolSchema, error) {
	url := strings.TrimRight(endpoint, "/") + "/tools"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewToolError(CodeInternal, endpoint, "", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewToolError(classifyTransportError(err), endpoint, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, NewToolError(codeForStatus(resp.StatusCode), endpoint, "",
			fmt.Errorf("discovery returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, NewToolError(CodeInternal, endpoint, "", fmt.Errorf("decode discovery response: %w", err))
	}

	c.cache.Add(endpoint, payload.Tools)
	c.logger.Info("discovered %d tools at %s", len(payload.Tools), endpoint)
	return payload.Tools, nil
}

// Invoke calls a tool and returns the decoded JSON result.
func (c *Client) Invoke(ctx context.Context, endpoint, tool string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, endpoint, tool, params, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, endpoint, tool)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, NewToolError(CodeInternal, endpoint, tool, fmt.Errorf("decode result: %w", err))
	}
	return result, nil
}

// InvokeStreaming calls a tool with streaming enabled and accumulates the
// server-sent chunks into the same result shape Invoke returns, with the
// joined chunk text under "content". Servers that ignore the stream flag and
// answer with a plain JSON body are handled transparently.
func (c *Client) InvokeStreaming(ctx context.Context, endpoint, tool string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, endpoint, tool, params, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, endpoint, tool)
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		var result map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, NewToolError(CodeInternal, endpoint, tool, fmt.Errorf("decode result: %w", err))
		}
		return result, nil
	}

	chunks, err := readChunks(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewToolError(CodeTimeout, endpoint, tool, ctx.Err())
		}
		return nil, NewToolError(CodeUnavailable, endpoint, tool, fmt.Errorf("read stream: %w", err))
	}
	return map[string]any{"content": strings.Join(chunks, "")}, nil
}

// InvokeWithRetry repeats Invoke on transient failures using the given retry
// policy. Each attempt gets its own timeout.
func (c *Client) InvokeWithRetry(ctx context.Context, endpoint, tool string, params map[string]any, timeout time.Duration, cfg fableerrors.RetryConfig) (map[string]any, error) {
	return fableerrors.RetryWithResultAndLog(ctx, cfg, func(ctx context.Context) (map[string]any, error) {
		return c.Invoke(ctx, endpoint, tool, params, timeout)
	}, c.logger)
}

// InvokeStreamingWithRetry repeats InvokeStreaming on transient failures
// using the given retry policy. Each attempt gets its own timeout.
func (c *Client) InvokeStreamingWithRetry(ctx context.Context, endpoint, tool string, params map[string]any, timeout time.Duration, cfg fableerrors.RetryConfig) (map[string]any, error) {
	return fableerrors.RetryWithResultAndLog(ctx, cfg, func(ctx context.Context) (map[string]any, error) {
		return c.InvokeStreaming(ctx, endpoint, tool, params, timeout)
	}, c.logger)
}

func (c *Client) post(ctx context.Context, endpoint, tool string, params map[string]any, stream bool) (*http.Response, error) {
	url := strings.TrimRight(endpoint, "/") + "/run/" + tool
	if stream {
		url += "?stream=true"
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, NewToolError(CodeInvalidParameters, endpoint, tool, fmt.Errorf("encode params: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewToolError(CodeInternal, endpoint, tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewToolError(classifyTransportError(err), endpoint, tool, err)
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response, endpoint, tool string) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	// Surface the server's own error message when it sends one.
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}

	code := codeForStatus(resp.StatusCode)
	c.logger.Warn("tool %s on %s failed with status %d (%s)", tool, endpoint, resp.StatusCode, code)
	return NewToolError(code, endpoint, tool, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
}

func classifyTransportError(err error) FailureCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnavailable
}

// readChunks parses server-sent event lines of the form
//
//	data: {"chunk": "..."}
//
// and returns the chunk payloads in arrival order. A "data: [DONE]" line or
// EOF ends the stream.
func readChunks(r io.Reader) ([]string, error) {
	var chunks []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				break
			}
			continue
		}
		var event struct {
			Chunk string `json:"chunk"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("malformed stream event %q: %w", data, err)
		}
		chunks = append(chunks, event.Chunk)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}
