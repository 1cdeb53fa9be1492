// Package llm adapts the extraction vendor behind the narrow ChatJSON port.
// A real OpenAI-compatible client and a deterministic mock share the port;
// the mock is selected when no API key is configured.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hirelens/pipeline/internal/adapter/llm/tokencount"
	"github.com/hirelens/pipeline/internal/adapter/observability"
	"github.com/hirelens/pipeline/internal/config"
	"github.com/hirelens/pipeline/internal/domain"
)

// contextBudget caps prompt tokens per request. Oversized resume or JD text
// is truncated, not rejected.
const contextBudget = 12000

// Client is the real vendor client. Each ChatJSON call retries transient
// failures twice in-process before surfacing a transient error to the
// consumer runtime.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	hc      *http.Client
	counter *tokencount.Counter
}

// NewClient constructs the real client from configuration.
func NewClient(cfg config.Config) *Client {
	return &Client{
		apiKey:  cfg.LLMAPIKey,
		baseURL: cfg.LLMBaseURL,
		model:   cfg.LLMModel,
		hc: &http.Client{
			Timeout:   cfg.LLMTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		counter: tokencount.NewCounter(),
	}
}

// Select returns the mock in mock mode and the real client otherwise.
func Select(cfg config.Config) domain.LLMClient {
	if cfg.LLMMockMode() {
		slog.Info("llm mock mode active; no API key configured")
		return NewMock()
	}
	return NewClient(cfg)
}

// ModelVersion identifies the configured vendor model.
func (c *Client) ModelVersion() string { return c.model }

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatJSON posts a two-message chat completion and returns the raw content
// string. 429 and 5xx are transient; other 4xx are permanent.
func (c *Client) ChatJSON(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if budget := contextBudget - c.counter.CountChat(systemPrompt, "", c.model); c.counter.Count(userPrompt, c.model) > budget {
		userPrompt = c.counter.Truncate(userPrompt, c.model, budget)
	}

	body, _ := json.Marshal(map[string]any{
		"model":           c.model,
		"temperature":     0.0,
		"max_tokens":      maxTokens,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	})

	var out chatResponse
	op := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		observability.LLMRequestDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.LLMRequestsTotal.WithLabelValues("chat", "error").Inc()
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.LLMRequestsTotal.WithLabelValues("chat", "rate_limited").Inc()
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.LLMRequestsTotal.WithLabelValues("chat", "client_error").Inc()
			slog.Warn("llm client error",
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(raw, 512)))
			return backoff.Permanent(fmt.Errorf("%w: chat status %d", domain.ErrPermanent, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.LLMRequestsTotal.WithLabelValues("chat", "server_error").Inc()
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode vendor response: %v", domain.ErrSchemaInvalid, err))
		}
		observability.LLMRequestsTotal.WithLabelValues("chat", "ok").Inc()
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 4 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return "", perm.Err
		}
		// Retries exhausted on a retryable failure.
		if errors.Is(err, domain.ErrUpstreamTimeout) || errors.Is(err, domain.ErrUpstreamRateLimit) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", domain.ErrSchemaInvalid)
	}
	return out.Choices[0].Message.Content, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
