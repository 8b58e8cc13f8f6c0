// Package gateway is the HTTP client for the external model gateway. The
// gateway itself is a black box; this package owns the wire contract and the
// transient-vs-permanent classification of its failures.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	UseCache    bool    `json:"use_cache,omitempty"`
}

type Request struct {
	Messages []Message `json:"messages"`
	TaskType string    `json:"task_type"`
	Vertical string    `json:"vertical,omitempty"`
	Model    string    `json:"model,omitempty"`
	Options  *Options  `json:"options,omitempty"`
}

func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("gateway request requires at least one message")
	}
	for i, m := range r.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return fmt.Errorf("message %d: role is required", i)
		}
	}
	return nil
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type Response struct {
	Content     string  `json:"content"`
	Model       string  `json:"model"`
	Usage       Usage   `json:"usage"`
	LatencyMS   float64 `json:"latency_ms"`
	Cached      bool    `json:"cached"`
	WasFallback bool    `json:"was_fallback"`
}

type Config struct {
	BaseURL string
	// Path defaults to /v1/complete.
	Path   string
	APIKey string
	// RequestTimeout bounds one attempt. Defaults to 60s.
	RequestTimeout time.Duration
	ExtraHeaders   map[string]string
}

type Client struct {
	cfg  Config
	http *http.Client
}

const defaultRequestTimeout = 60 * time.Second

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/complete"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 0},
	}
}

// Complete submits one completion request. Errors are classified: transport
// failures, timeouts, non-2xx statuses, and malformed bodies all come back as
// *Error with Retryable set per the retry policy.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return Response{}, wrapTransport(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, wrapTransport(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return Response{}, wrapTransport(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Response{}, fromStatus(httpResp.StatusCode, string(raw))
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, &Error{
			Message:   fmt.Sprintf("malformed gateway response: %v", err),
			Retryable: true,
		}
	}
	if strings.TrimSpace(resp.Content) == "" {
		return Response{}, &Error{
			Message:   "gateway response has empty content",
			Retryable: true,
		}
	}
	return resp, nil
}
