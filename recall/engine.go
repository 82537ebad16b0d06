package recall

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luminalab/engram/embed"
	"github.com/luminalab/engram/store"
	"github.com/luminalab/engram/types"
)

// Config tunes the composite recall score.
type Config struct {
	// Weights of the three score components. They need not sum to one.
	SimilarityWeight float64 `yaml:"similarity_weight" json:"similarity_weight" env:"SIMILARITY_WEIGHT"`
	RecencyWeight    float64 `yaml:"recency_weight" json:"recency_weight" env:"RECENCY_WEIGHT"`
	SalienceWeight   float64 `yaml:"salience_weight" json:"salience_weight" env:"SALIENCE_WEIGHT"`

	// RecencyHalfLife is the age at which the recency component halves.
	RecencyHalfLife time.Duration `yaml:"recency_half_life" json:"recency_half_life" env:"RECENCY_HALF_LIFE"`

	// Oversample widens the index search to Oversample*k candidates so
	// recency and salience can reorder beyond the raw similarity cut.
	Oversample int `yaml:"oversample" json:"oversample" env:"OVERSAMPLE"`

	// DefaultLimit applies when a caller asks for zero results.
	DefaultLimit int `yaml:"default_limit" json:"default_limit" env:"DEFAULT_LIMIT"`
}

// DefaultConfig returns the default recall configuration.
func DefaultConfig() Config {
	return Config{
		SimilarityWeight: 0.6,
		RecencyWeight:    0.25,
		SalienceWeight:   0.15,
		RecencyHalfLife:  72 * time.Hour,
		Oversample:       4,
		DefaultLimit:     8,
	}
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.SimilarityWeight < 0 || c.RecencyWeight < 0 || c.SalienceWeight < 0 {
		return types.NewError(types.ErrValidation, "recall weights must not be negative")
	}
	if c.SimilarityWeight+c.RecencyWeight+c.SalienceWeight == 0 {
		return types.NewError(types.ErrValidation, "at least one recall weight must be positive")
	}
	if c.RecencyHalfLife <= 0 {
		return types.NewError(types.ErrValidation, "recency half-life must be positive")
	}
	if c.Oversample < 1 {
		return types.NewErrorf(types.ErrValidation, "oversample must be at least 1, got %d", c.Oversample)
	}
	return nil
}

// Result is one recalled trace with its score breakdown.
type Result struct {
	Trace      store.MemoryTrace `json:"trace"`
	Score      float64           `json:"score"`
	Similarity float64           `json:"similarity"`
	Recency    float64           `json:"recency"`
}

// Engine answers recall queries against the index and the store.
type Engine struct {
	config   Config
	store    *store.Store
	index    *Index
	embedder embed.Client
	logger   *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewEngine creates a recall engine. The index starts empty; call
// Hydrate to load persisted embeddings.
func NewEngine(config Config, s *store.Store, embedder embed.Client, logger *zap.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:   config,
		store:    s,
		index:    NewIndex(),
		embedder: embedder,
		logger:   logger.With(zap.String("component", "recall")),
		now:      time.Now,
	}, nil
}

// Hydrate loads every persisted embedding into the index. Called once at
// startup; afterwards Observe and Forget keep the index in step with the
// store.
func (e *Engine) Hydrate(ctx context.Context) error {
	owners, err := e.store.ListOwners(ctx)
	if err != nil {
		return err
	}

	total := 0
	for _, owner := range owners {
		for _, head := range []types.Head{types.HeadSemantic, types.HeadEpisodic} {
			err := e.store.ScanEmbeddings(ctx, owner, head, func(traceID string, vec store.Vector, degraded bool) error {
				e.index.Put(owner, head, traceID, vec)
				total++
				return nil
			})
			if err != nil {
				return err
			}
		}
	}

	e.logger.Info("recall index hydrated",
		zap.Int("owners", len(owners)),
		zap.Int("vectors", total))
	return nil
}

// Observe adds a freshly ingested embedding to the index.
func (e *Engine) Observe(owner string, head types.Head, traceID string, vec []float32) {
	e.index.Put(owner, head, traceID, vec)
}

// Forget removes a trace from the index. Must run before the forget
// operation returns so recalls issued afterwards cannot surface it.
func (e *Engine) Forget(owner, traceID string) {
	e.index.Remove(owner, traceID)
}

// Recall returns the owner's k best-matching traces for the query under
// one head. A query the backend cannot embed yields an empty result, not
// an error.
func (e *Engine) Recall(ctx context.Context, owner, query string, head types.Head, k int) ([]Result, error) {
	if owner == "" {
		return nil, types.NewError(types.ErrValidation, "owner is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrValidation, "query is required")
	}
	if !head.Valid() {
		return nil, types.NewErrorf(types.ErrValidation, "unknown head %q", head)
	}
	if k <= 0 {
		k = e.config.DefaultLimit
	}

	res, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if res.Degraded() {
		e.logger.Warn("query embedding degraded, returning no results",
			zap.String("owner", owner),
			zap.Error(res.Cause))
		return nil, nil
	}

	candidates := e.index.Search(owner, head, res.Vector, k*e.config.Oversample)
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	simByID := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.TraceID
		simByID[c.TraceID] = c.Similarity
	}

	traces, err := e.store.GetTraces(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := e.now()
	results := make([]Result, 0, len(traces))
	seen := make(map[string]bool, len(traces))
	for _, trace := range traces {
		seen[trace.ID] = true
		if trace.Owner != owner {
			// The per-owner bucket should make this impossible; treat a
			// hit as index corruption and drop it loudly.
			e.logger.Error("index returned foreign trace, dropping",
				zap.String("trace_id", trace.ID))
			e.index.Remove(owner, trace.ID)
			continue
		}

		sim := simByID[trace.ID]
		rec := e.recencyScore(now, trace.CreatedAt)
		results = append(results, Result{
			Trace:      trace,
			Score:      e.compositeScore(sim, rec, trace.Salience),
			Similarity: sim,
			Recency:    rec,
		})
	}

	// Index entries whose row is gone are stale; drop them so they stop
	// surfacing as candidates.
	for _, id := range ids {
		if !seen[id] {
			e.logger.Warn("index entry without backing trace, removing",
				zap.String("trace_id", id))
			e.index.Remove(owner, id)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Trace.CreatedAt.After(results[j].Trace.CreatedAt)
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// recencyScore maps age onto (0, 1] with exponential half-life decay.
func (e *Engine) recencyScore(now, createdAt time.Time) float64 {
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * age.Hours() / e.config.RecencyHalfLife.Hours())
}

// compositeScore blends the three components. Salience is squashed onto
// [0, 1) so an unbounded weight cannot drown out similarity.
func (e *Engine) compositeScore(similarity, recency, salience float64) float64 {
	salienceNorm := salience / (1 + salience)
	return e.config.SimilarityWeight*similarity +
		e.config.RecencyWeight*recency +
		e.config.SalienceWeight*salienceNorm
}
