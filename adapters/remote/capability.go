// Package remote provides the HTTP client for the paid rewrite provider.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

// Capability calls the remote text-improvement provider over HTTP.
// The per-call timeout is owned by the caller's context; the embedded client
// timeout is only a hard upper bound.
type Capability struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// Config configures the remote capability client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration // Hard cap; callers pass tighter deadlines via ctx
}

// New creates a new remote capability client.
func New(cfg Config) *Capability {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Capability{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

// ProviderError reports a non-2xx provider response.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

type improveRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type improveResponse struct {
	Text  string `json:"text"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Improve rewrites text via the remote provider.
func (c *Capability) Improve(ctx context.Context, req ports.RewriteRequest) (ports.RewriteResult, error) {
	model := c.model
	if req.ProviderHint != "" {
		model = req.ProviderHint
	}

	payload, err := json.Marshal(improveRequest{Text: req.Text, Model: model})
	if err != nil {
		return ports.RewriteResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/improve", bytes.NewReader(payload))
	if err != nil {
		return ports.RewriteResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ports.RewriteResult{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return ports.RewriteResult{}, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	var out improveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ports.RewriteResult{}, fmt.Errorf("decode response: %w", err)
	}

	return ports.RewriteResult{
		Text:             out.Text,
		Origin:           usage.OriginRemote,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

// HealthCheck verifies the provider is reachable. It hits the provider's
// health endpoint rather than issuing a billable rewrite.
func (c *Capability) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	if resp.StatusCode >= 400 {
		return &ProviderError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// Ensure interface compliance.
var _ ports.RemoteCapability = (*Capability)(nil)
