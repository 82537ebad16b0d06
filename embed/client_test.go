package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luminalab/engram/internal/cache"
	"github.com/luminalab/engram/types"
)

func testConfig(url string, dim int) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = url
	cfg.APIKey = "test-key"
	cfg.Dimension = dim
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func embeddingBackend(t *testing.T, vec []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["model"])
		assert.NotEmpty(t, req["input"])
		assert.Equal(t, "float", req["encoding_format"])

		resp := map[string]any{
			"data": []map[string]any{{"embedding": vec}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestHTTPClient_Embed_Computed(t *testing.T) {
	srv := embeddingBackend(t, []float32{0.1, 0.2, 0.3})
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL, 3), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := c.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, res.Outcome)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, res.Vector)
}

type countingCacheMetrics struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *countingCacheMetrics) RecordCacheHit()  { c.hits.Add(1) }
func (c *countingCacheMetrics) RecordCacheMiss() { c.misses.Add(1) }

func TestHTTPClient_Embed_CachesAndCountsLookups(t *testing.T) {
	var backendCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalls.Add(1)
		resp := map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = mr.Addr()
	mgr, err := cache.NewManager(cacheCfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	c, err := NewHTTPClient(testConfig(srv.URL, 3), mgr, zaptest.NewLogger(t))
	require.NoError(t, err)
	counts := &countingCacheMetrics{}
	c.ObserveCache(counts)

	ctx := context.Background()
	first, err := c.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, first.Outcome)

	second, err := c.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, first.Vector, second.Vector)

	assert.Equal(t, int32(1), backendCalls.Load(), "the second call must be served from the cache")
	assert.Equal(t, int64(1), counts.misses.Load())
	assert.Equal(t, int64(1), counts.hits.Load())
}

func TestHTTPClient_Embed_EmptyInput(t *testing.T) {
	c, err := NewHTTPClient(testConfig("http://localhost:1", 3), nil, nil)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestHTTPClient_Embed_PadsShortVector(t *testing.T) {
	srv := embeddingBackend(t, []float32{1, 2})
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL, 5), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := c.Embed(context.Background(), "pad me")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, res.Outcome)
	assert.Equal(t, []float32{1, 2, 0, 0, 0}, res.Vector)
}

func TestHTTPClient_Embed_TruncatesLongVector(t *testing.T) {
	srv := embeddingBackend(t, []float32{1, 2, 3, 4, 5})
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL, 3), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := c.Embed(context.Background(), "truncate me")
	require.NoError(t, err)
	assert.Len(t, res.Vector, 3)
	assert.Equal(t, []float32{1, 2, 3}, res.Vector)
}

func TestHTTPClient_Embed_DegradesAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL, 4), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := c.Embed(context.Background(), "doomed")
	require.NoError(t, err, "backend failures must degrade, not fail")
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, make([]float32, 4), res.Vector)
	assert.Error(t, res.Cause)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestHTTPClient_Embed_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL, 4), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := c.Embed(context.Background(), "rejected")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses must not be retried")
}

func TestHTTPClient_Embed_RecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{1, 1}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(testConfig(srv.URL, 2), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := c.Embed(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputed, res.Outcome)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClient_EmbedBatch_PreservesOrderAndIsolatesFailures(t *testing.T) {
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		defer mu.Unlock()
		if req.Input == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := map[string]any{"data": []map[string]any{{"embedding": []float32{float32(len(req.Input)), 0}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, 2)
	cfg.MaxConcurrency = 2
	c, err := NewHTTPClient(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	texts := []string{"a", "bad", "ccc"}
	results, err := c.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, OutcomeComputed, results[0].Outcome)
	assert.Equal(t, float32(1), results[0].Vector[0])

	assert.Equal(t, OutcomeDegraded, results[1].Outcome, "one bad item must not abort the batch")

	assert.Equal(t, OutcomeComputed, results[2].Outcome)
	assert.Equal(t, float32(3), results[2].Vector[0])
}

func TestHTTPClient_EmbedBatch_CancellationPropagates(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	cfg := testConfig(srv.URL, 2)
	cfg.MaxRetries = 0
	c, err := NewHTTPClient(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.EmbedBatch(ctx, []string{"one", "two", "three"})
		done <- err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not observe cancellation")
	}
}

func TestStaticClient_SimilarTextsAreCloser(t *testing.T) {
	s := NewStaticClient(64)
	ctx := context.Background()

	a, err := s.Embed(ctx, "vector databases and embeddings")
	require.NoError(t, err)
	b, err := s.Embed(ctx, "vector database search")
	require.NoError(t, err)
	c, err := s.Embed(ctx, "bought groceries")
	require.NoError(t, err)

	related := dot(a.Vector, b.Vector)
	unrelated := dot(c.Vector, b.Vector)
	assert.Greater(t, related, unrelated)
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
