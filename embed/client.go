package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luminalab/engram/internal/cache"
	"github.com/luminalab/engram/types"
)

// Config configures the HTTP embedding client.
type Config struct {
	BaseURL string `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	APIKey  string `yaml:"api_key" json:"api_key" env:"API_KEY"`
	Model   string `yaml:"model" json:"model" env:"MODEL"`

	// Dimension is the deployment-wide embedding dimension. Backend
	// responses of a different length are padded or truncated to fit.
	Dimension int `yaml:"dimension" json:"dimension" env:"DIMENSION"`

	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`

	// MaxRetries bounds retry attempts after the first call.
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" env:"MAX_BACKOFF"`

	// MaxConcurrency caps in-flight backend calls during EmbedBatch.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" env:"MAX_CONCURRENCY"`

	// RequestsPerSecond rate-limits backend calls. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// DefaultConfig returns the default embedding configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8080",
		Model:          "bge-m3",
		Dimension:      1024,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		MaxConcurrency: 4,
	}
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return types.NewErrorf(types.ErrValidation, "embedding dimension must be positive, got %d", c.Dimension)
	}
	if c.BaseURL == "" {
		return types.NewError(types.ErrValidation, "embedding base_url is required")
	}
	if c.MaxConcurrency < 0 {
		return types.NewErrorf(types.ErrValidation, "embedding max_concurrency must not be negative, got %d", c.MaxConcurrency)
	}
	return nil
}

// CacheMetrics is notified of embedding cache lookups.
type CacheMetrics interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// HTTPClient implements Client against an OpenAI-shaped embeddings API.
type HTTPClient struct {
	config       Config
	client       *http.Client
	limiter      *rate.Limiter
	cache        *cache.Manager
	cacheMetrics CacheMetrics
	logger       *zap.Logger
}

// NewHTTPClient creates an embedding client. The cache is optional; pass
// nil to embed without caching.
func NewHTTPClient(config Config, vectorCache *cache.Manager, logger *zap.Logger) (*HTTPClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = 4
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &HTTPClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: limiter,
		cache:   vectorCache,
		logger:  logger.With(zap.String("component", "embedding_client")),
	}, nil
}

// ObserveCache routes cache hit and miss counts to the given recorder.
func (c *HTTPClient) ObserveCache(m CacheMetrics) {
	c.cacheMetrics = m
}

// Dimension returns the configured embedding dimension.
func (c *HTTPClient) Dimension() int {
	return c.config.Dimension
}

// Embed computes a single embedding, retrying transient backend failures
// with exponential backoff and degrading to a zero vector once retries
// exhaust.
func (c *HTTPClient) Embed(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, types.NewError(types.ErrValidation, "embedding input text is empty")
	}

	if c.cache != nil {
		key := cache.VectorKey(c.config.Model, text)
		vec, err := c.cache.GetVector(ctx, key)
		switch {
		case err == nil:
			if c.cacheMetrics != nil {
				c.cacheMetrics.RecordCacheHit()
			}
			return Result{Vector: c.fitDimension(vec), Outcome: OutcomeComputed}, nil
		case cache.IsCacheMiss(err):
			if c.cacheMetrics != nil {
				c.cacheMetrics.RecordCacheMiss()
			}
		default:
			c.logger.Debug("embedding cache read failed", zap.Error(err))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			c.logger.Debug("retrying embedding request",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		vec, err := c.request(ctx, text)
		if err == nil {
			vec = c.fitDimension(vec)
			if c.cache != nil {
				key := cache.VectorKey(c.config.Model, text)
				if cerr := c.cache.SetVector(ctx, key, vec); cerr != nil {
					c.logger.Debug("embedding cache write failed", zap.Error(cerr))
				}
			}
			return Result{Vector: vec, Outcome: OutcomeComputed}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		lastErr = err
		if !types.IsRetryable(err) {
			break
		}
	}

	c.logger.Warn("embedding backend unavailable, degrading to zero vector",
		zap.Int("dimension", c.config.Dimension),
		zap.Error(lastErr))

	return Result{
		Vector:  make([]float32, c.config.Dimension),
		Outcome: OutcomeDegraded,
		Cause:   lastErr,
	}, nil
}

// EmbedBatch embeds texts preserving order. Fan-out is bounded by
// MaxConcurrency; cancelling ctx cancels all not-yet-completed calls.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]Result, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			res, err := c.Embed(gctx, text)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type embedRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	EncodingFormat string `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// request performs one backend call.
func (c *HTTPClient) request(ctx context.Context, text string) ([]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(embedRequest{
		Model:          c.config.Model,
		Input:          text,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamTimeout, "embedding backend unreachable").
			WithCause(err).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to read backend response").
			WithCause(err).
			WithRetryable(true)
	}

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, types.NewErrorf(types.ErrUpstreamError, "embedding backend returned status %d", resp.StatusCode).
			WithRetryable(retryable)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to decode backend response").
			WithCause(err).
			WithRetryable(false)
	}
	if len(parsed.Data) == 0 {
		return nil, types.NewError(types.ErrUpstreamError, "backend returned no embeddings").
			WithRetryable(false)
	}

	return parsed.Data[0].Embedding, nil
}

// fitDimension pads or truncates a vector to the configured dimension.
// Mismatches are corrected, logged, and never surfaced.
func (c *HTTPClient) fitDimension(vec []float32) []float32 {
	dim := c.config.Dimension
	if len(vec) == dim {
		return vec
	}

	c.logger.Warn("embedding dimension mismatch, correcting",
		zap.Int("got", len(vec)),
		zap.Int("want", dim))

	if len(vec) > dim {
		return vec[:dim]
	}
	fitted := make([]float32, dim)
	copy(fitted, vec)
	return fitted
}

// backoffDelay computes the exponential backoff delay with ±25% jitter.
func (c *HTTPClient) backoffDelay(attempt int) time.Duration {
	delay := float64(c.config.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.config.MaxBackoff) {
		delay = float64(c.config.MaxBackoff)
	}
	jitter := delay * 0.25
	delay += (rand.Float64()*2 - 1) * jitter
	if delay < float64(c.config.InitialBackoff) {
		delay = float64(c.config.InitialBackoff)
	}
	return time.Duration(delay)
}
