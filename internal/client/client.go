// Package client implements the per-instance service client: a single
// logical call path to one named inference instance, composing the token
// manager, retry orchestrator, circuit breaker, and fallback responder.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dskow/ai-gateway/internal/ai"
	"github.com/dskow/ai-gateway/internal/breaker"
	"github.com/dskow/ai-gateway/internal/fallback"
	"github.com/dskow/ai-gateway/internal/gatewayerr"
	"github.com/dskow/ai-gateway/internal/metrics"
	"github.com/dskow/ai-gateway/internal/middleware"
	"github.com/dskow/ai-gateway/internal/retry"
	"github.com/dskow/ai-gateway/internal/token"
)

// Outbound identification headers.
const (
	userAgent    = "ai-gateway/1.0"
	serviceRoute = "ai-gateway"
)

// errorBodyLimit bounds how much of an upstream error body is drained
// before the connection is released back to the pool.
const errorBodyLimit = 4 << 10

// Options configures a Client.
type Options struct {
	Name    string
	BaseURL string
	Version string

	Tokens           *token.Manager
	Breaker          *breaker.Breaker
	Cooldown         *breaker.Cooldown
	CooldownDuration time.Duration
	Retry            retry.Policy
	Logger           *slog.Logger

	// HTTPClient overrides the pooled default; mainly for tests.
	HTTPClient *http.Client
}

// Client is the call path to one upstream instance. Safe for concurrent use.
type Client struct {
	name    string
	baseURL string
	version string

	http        *http.Client
	tokens      *token.Manager
	breaker     *breaker.Breaker
	cooldown    *breaker.Cooldown
	cooldownDur time.Duration
	exec        *retry.Executor
	logger      *slog.Logger
}

// New creates a service client for one instance.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		name:        opts.Name,
		baseURL:     opts.BaseURL,
		version:     opts.Version,
		http:        httpClient,
		tokens:      opts.Tokens,
		breaker:     opts.Breaker,
		cooldown:    opts.Cooldown,
		cooldownDur: opts.CooldownDuration,
		exec:        retry.NewExecutor(opts.Name, opts.Retry, opts.Breaker, opts.Cooldown, opts.Logger),
		logger:      opts.Logger,
	}
}

// Name returns the instance name this client targets.
func (c *Client) Name() string { return c.name }

// Version returns the instance version label.
func (c *Client) Version() string { return c.version }

// BreakerSnapshot exposes the circuit breaker state for the admin API.
func (c *Client) BreakerSnapshot() breaker.Snapshot { return c.breaker.Snapshot() }

// Chat sends a chat request to the instance. When the instance is fully
// unavailable (circuit open or cooldown active) a degraded fallback payload
// is returned instead of an error; all other failures propagate.
func (c *Client) Chat(ctx context.Context, req ai.ChatRequest) (ai.ChatResponse, error) {
	var out ai.ChatResponse
	err := c.exec.Do(ctx, "chat", func(ctx context.Context) error {
		return c.doJSON(ctx, "chat", http.MethodPost, "/v1/ai/chat", req, &out)
	})
	if err != nil {
		if gatewayerr.IsUnavailable(err) {
			c.enterDegraded(ctx, "chat", err)
			return fallback.Chat(req, unavailableReason(err)), nil
		}
		return ai.ChatResponse{}, err
	}
	out.Success = true
	c.attachMeta(ctx, &out.Meta)
	return out, nil
}

// Models fetches the instance's model catalog, substituting the static
// degraded catalog when the instance is fully unavailable.
func (c *Client) Models(ctx context.Context) (ai.ModelsResponse, error) {
	var out ai.ModelsResponse
	err := c.exec.Do(ctx, "models", func(ctx context.Context) error {
		return c.doJSON(ctx, "models", http.MethodGet, "/v1/ai/models", nil, &out)
	})
	if err != nil {
		if gatewayerr.IsUnavailable(err) {
			c.enterDegraded(ctx, "models", err)
			return fallback.Models(unavailableReason(err)), nil
		}
		return ai.ModelsResponse{}, err
	}
	out.Success = true
	c.attachMeta(ctx, &out.Meta)
	return out, nil
}

// Health probes the instance, reporting DEGRADED when it is fully
// unavailable.
func (c *Client) Health(ctx context.Context) (ai.HealthResponse, error) {
	var out ai.HealthResponse
	err := c.exec.Do(ctx, "health", func(ctx context.Context) error {
		return c.doJSON(ctx, "health", http.MethodGet, "/v1/health", nil, &out)
	})
	if err != nil {
		if gatewayerr.IsUnavailable(err) {
			c.enterDegraded(ctx, "health", err)
			return fallback.Health(unavailableReason(err)), nil
		}
		return ai.HealthResponse{}, err
	}
	if out.Status == "" {
		out.Status = ai.StatusOK
	}
	out.OK = true
	c.attachMeta(ctx, &out.Meta)
	return out, nil
}

// doJSON performs one HTTP attempt: build request, attach the service token
// and identification headers, classify any failure.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}

	tok, err := c.tokens.Token()
	if err != nil {
		// Fatal for the in-flight request; not retried at this layer.
		return fmt.Errorf("service token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Service-Route", serviceRoute)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := middleware.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gatewayerr.FromTransport(err, c.name, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a bounded amount so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit)) //nolint:errcheck
		return gatewayerr.FromStatus(resp.StatusCode, c.name, op)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

// enterDegraded arms the process-wide cooldown and records the fallback.
func (c *Client) enterDegraded(ctx context.Context, op string, cause error) {
	c.cooldown.Arm(c.cooldownDur)
	metrics.Fallbacks.WithLabelValues(op).Inc()
	c.logger.Warn("serving degraded fallback response",
		"instance", c.name,
		"operation", op,
		"request_id", middleware.GetRequestID(ctx),
		"cause", cause,
	)
}

func (c *Client) attachMeta(ctx context.Context, meta **ai.Meta) {
	if *meta == nil {
		*meta = &ai.Meta{}
	}
	(*meta).Instance = c.name
	(*meta).Version = c.version
	(*meta).RequestID = middleware.GetRequestID(ctx)
}

// unavailableReason maps an unavailability error to the reason string
// carried on degraded payloads.
func unavailableReason(err error) string {
	if gatewayerr.ClassOf(err) == gatewayerr.ClassCooldown {
		return "service cooldown active"
	}
	return "circuit breaker open"
}
