// Package engram is a memory subsystem for personal assistants: it
// ingests text into bounded, embedded memory traces, recalls them by a
// blend of similarity, recency, and salience, links them into an
// association graph, periodically consolidates them into summaries, and
// forgets them on demand with immediate effect.
package engram

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/luminalab/engram/chunk"
	"github.com/luminalab/engram/config"
	"github.com/luminalab/engram/consolidate"
	"github.com/luminalab/engram/embed"
	"github.com/luminalab/engram/graph"
	"github.com/luminalab/engram/internal/cache"
	"github.com/luminalab/engram/internal/metrics"
	"github.com/luminalab/engram/recall"
	"github.com/luminalab/engram/store"
	"github.com/luminalab/engram/types"
)

const tracerName = "github.com/luminalab/engram"

// System wires every memory component behind one API surface.
type System struct {
	config       *config.Config
	store        *store.Store
	cache        *cache.Manager
	chunker      *chunk.Chunker
	embedder     embed.Client
	graph        *graph.Graph
	recall       *recall.Engine
	consolidator *consolidate.Consolidator
	metrics      *metrics.Collector
	tracer       oteltrace.Tracer
	logger       *zap.Logger
}

// Option customizes System construction.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	embedder   embed.Client
	summarizer consolidate.Summarizer
	registerer prometheus.Registerer
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEmbedder replaces the HTTP embedding client, e.g. with the static
// embedder for offline use.
func WithEmbedder(c embed.Client) Option {
	return func(o *options) { o.embedder = c }
}

// WithSummarizer replaces the extractive summarizer used by the dream
// cycle.
func WithSummarizer(s consolidate.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithRegisterer sets the prometheus registerer. Defaults to the global
// one.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New builds a System from configuration: opens the database, migrates
// the schema, connects the optional embedding cache, and wires the
// components. Call Hydrate afterwards to load persisted vectors.
func New(cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid configuration").WithCause(err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		dialector = sqlite.Open(cfg.Database.DSN)
	}

	st, err := store.Open(dialector, cfg.Pool, logger)
	if err != nil {
		return nil, err
	}

	var cacheMgr *cache.Manager
	if cfg.Cache.Addr != "" {
		cacheMgr, err = cache.NewManager(cfg.Cache, logger)
		if err != nil {
			// The cache is an accelerator, not a dependency.
			logger.Warn("embedding cache unavailable, continuing without it", zap.Error(err))
			cacheMgr = nil
		}
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace, o.registerer, logger)

	embedder := o.embedder
	if embedder == nil {
		httpClient, err := embed.NewHTTPClient(cfg.Embedding, cacheMgr, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		if cacheMgr != nil {
			httpClient.ObserveCache(collector)
		}
		embedder = httpClient
	}

	chunker, err := chunk.New(cfg.Chunker, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engine, err := recall.NewEngine(cfg.Recall, st, embedder, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	consolidator, err := consolidate.New(cfg.Consolidation, st, embedder, o.summarizer, engine, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &System{
		config:       cfg,
		store:        st,
		cache:        cacheMgr,
		chunker:      chunker,
		embedder:     embedder,
		graph:        graph.New(st, logger),
		recall:       engine,
		consolidator: consolidator,
		metrics:      collector,
		tracer:       otel.Tracer(tracerName),
		logger:       logger.With(zap.String("component", "engram")),
	}, nil
}

// Store exposes the persistence layer for advanced callers.
func (s *System) Store() *store.Store { return s.store }

// Hydrate loads every persisted embedding into the recall index.
func (s *System) Hydrate(ctx context.Context) error {
	return s.recall.Hydrate(ctx)
}

// Ping verifies the backing services are reachable.
func (s *System) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if s.cache != nil {
		return s.cache.Ping(ctx)
	}
	return nil
}

// Close releases the database and cache connections.
func (s *System) Close() error {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	return s.store.Close()
}

// IngestRequest describes one piece of text to remember.
type IngestRequest struct {
	Owner  string            `json:"owner"`
	Text   string            `json:"text"`
	Source string            `json:"source,omitempty"`
	Role   types.Role        `json:"role,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`

	// Heads lists the embedding namespaces to index the traces under.
	// Defaults to the semantic head; duplicates are ignored.
	Heads []types.Head `json:"heads,omitempty"`

	// Salience defaults to 1 when zero.
	Salience float64 `json:"salience,omitempty"`
}

// Ingest chunks the text, embeds every chunk, and persists one trace per
// chunk. A chunk the backend cannot embed is stored with a zero vector
// and marked degraded rather than dropped.
func (s *System) Ingest(ctx context.Context, req IngestRequest) ([]store.MemoryTrace, error) {
	ctx, span := s.tracer.Start(ctx, "engram.Ingest",
		oteltrace.WithAttributes(attribute.String("owner", req.Owner)))
	defer span.End()

	start := time.Now()
	traces, err := s.ingest(ctx, req)
	if err != nil {
		s.metrics.RecordIngest("error", 0, time.Since(start))
		return nil, err
	}

	s.metrics.RecordIngest("ok", len(traces), time.Since(start))
	span.SetAttributes(attribute.Int("traces", len(traces)))
	return traces, nil
}

func (s *System) ingest(ctx context.Context, req IngestRequest) ([]store.MemoryTrace, error) {
	if strings.TrimSpace(req.Owner) == "" {
		return nil, types.NewError(types.ErrValidation, "owner is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, types.NewError(types.ErrValidation, "text is required")
	}
	role := req.Role
	if role == "" {
		role = types.RoleConversation
	}
	if !role.Valid() {
		return nil, types.NewErrorf(types.ErrValidation, "unknown role %q", role)
	}
	if role == types.RoleSummary {
		return nil, types.NewError(types.ErrValidation, "summary traces are written by the dream cycle only")
	}
	salience := req.Salience
	if salience == 0 {
		salience = 1
	}
	if salience < 0 {
		return nil, types.NewError(types.ErrValidation, "salience must not be negative")
	}

	heads := make([]types.Head, 0, len(req.Heads))
	seen := make(map[types.Head]bool, len(req.Heads))
	for _, h := range req.Heads {
		if !h.Valid() {
			return nil, types.NewErrorf(types.ErrValidation, "unknown head %q", h)
		}
		if !seen[h] {
			seen[h] = true
			heads = append(heads, h)
		}
	}
	if len(heads) == 0 {
		heads = []types.Head{types.HeadSemantic}
	}

	chunks := s.chunker.Split(req.Text)
	if len(chunks) == 0 {
		return nil, types.NewError(types.ErrValidation, "text contains no storable content")
	}

	results, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, err
	}

	traces := make([]store.MemoryTrace, 0, len(chunks))
	for i, content := range chunks {
		res := results[i]
		s.metrics.RecordEmbedding(string(res.Outcome))

		meta := store.Meta{}
		for k, v := range req.Meta {
			meta[k] = v
		}
		if res.Degraded() {
			meta[types.MetaDegraded] = "true"
			s.logger.Warn("storing degraded trace",
				zap.String("owner", req.Owner),
				zap.Error(res.Cause))
		}
		if len(meta) == 0 {
			meta = nil
		}

		trace := store.MemoryTrace{
			Owner:    req.Owner,
			Content:  content,
			Role:     role,
			Source:   req.Source,
			Salience: salience,
			Meta:     meta,
		}
		embeddings := make([]store.MemoryEmbedding, len(heads))
		for j, head := range heads {
			embeddings[j] = store.MemoryEmbedding{
				Head:     head,
				Vector:   store.Vector(res.Vector),
				Degraded: res.Degraded(),
			}
		}
		if err := s.store.CreateTrace(ctx, &trace, embeddings); err != nil {
			return nil, err
		}
		for _, head := range heads {
			s.recall.Observe(req.Owner, head, trace.ID, res.Vector)
		}
		traces = append(traces, trace)
	}
	return traces, nil
}

// RecallOptions tunes one recall query.
type RecallOptions struct {
	// Head selects the embedding namespace; defaults to semantic.
	Head types.Head `json:"head,omitempty"`

	// Limit caps the result count; zero uses the configured default.
	Limit int `json:"limit,omitempty"`
}

// Recall returns the owner's best-matching traces for the query.
func (s *System) Recall(ctx context.Context, owner, query string, opts RecallOptions) ([]recall.Result, error) {
	ctx, span := s.tracer.Start(ctx, "engram.Recall",
		oteltrace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	head := opts.Head
	if head == "" {
		head = types.HeadSemantic
	}

	start := time.Now()
	results, err := s.recall.Recall(ctx, owner, query, head, opts.Limit)
	if err != nil {
		s.metrics.RecordRecall("error", time.Since(start))
		return nil, err
	}

	s.metrics.RecordRecall("ok", time.Since(start))
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// Forget removes a trace, its embeddings, and its edges. The trace stops
// being recallable before Forget returns.
func (s *System) Forget(ctx context.Context, owner, traceID string) error {
	ctx, span := s.tracer.Start(ctx, "engram.Forget",
		oteltrace.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("trace_id", traceID)))
	defer span.End()

	if err := s.store.DeleteTrace(ctx, owner, traceID); err != nil {
		s.metrics.RecordForget("error")
		return err
	}
	s.recall.Forget(owner, traceID)
	s.metrics.RecordForget("ok")
	return nil
}

// Link writes a directed association between two of the owner's traces.
func (s *System) Link(ctx context.Context, owner, srcID, dstID string, edgeType types.EdgeType, weight float64) error {
	ctx, span := s.tracer.Start(ctx, "engram.Link",
		oteltrace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	return s.graph.Link(ctx, owner, srcID, dstID, edgeType, weight)
}

// Neighbors returns the traces associated with the given one, in either
// direction. An empty edgeType matches every type.
func (s *System) Neighbors(ctx context.Context, owner, traceID string, edgeType types.EdgeType, limit int) ([]graph.Neighbor, error) {
	ctx, span := s.tracer.Start(ctx, "engram.Neighbors",
		oteltrace.WithAttributes(attribute.String("owner", owner)))
	defer span.End()

	return s.graph.Neighbors(ctx, owner, traceID, edgeType, limit)
}

// Granularity selects a consolidation period.
type Granularity string

const (
	// GranularityDaily folds one day's raw traces into a daily summary.
	GranularityDaily Granularity = "daily"

	// GranularityWeekly rolls one week's daily summaries up and decays
	// consolidated salience.
	GranularityWeekly Granularity = "weekly"
)

// Consolidate runs one dream cycle for one owner and period. Re-running
// a period is a no-op.
func (s *System) Consolidate(ctx context.Context, owner string, granularity Granularity, at time.Time) (*consolidate.Report, error) {
	ctx, span := s.tracer.Start(ctx, "engram.Consolidate",
		oteltrace.WithAttributes(
			attribute.String("owner", owner),
			attribute.String("granularity", string(granularity))))
	defer span.End()

	start := time.Now()
	var (
		report *consolidate.Report
		err    error
	)
	switch granularity {
	case GranularityDaily:
		report, err = s.consolidator.RunDaily(ctx, owner, at)
	case GranularityWeekly:
		report, err = s.consolidator.RunWeekly(ctx, owner, at)
	default:
		return nil, types.NewErrorf(types.ErrValidation, "unknown granularity %q", granularity)
	}
	if err != nil {
		s.metrics.RecordConsolidation(string(granularity), "error", time.Since(start))
		return nil, err
	}

	s.metrics.RecordConsolidation(string(granularity), string(report.Status), time.Since(start))
	return report, nil
}

// DreamCycle consolidates yesterday for every owner, rolling up the
// previous week as well when at falls on a Monday. Intended to run from
// a scheduler once a day.
func (s *System) DreamCycle(ctx context.Context, at time.Time) error {
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return err
	}

	yesterday := at.UTC().AddDate(0, 0, -1)
	for _, owner := range owners {
		if _, err := s.Consolidate(ctx, owner, GranularityDaily, yesterday); err != nil {
			s.logger.Error("daily consolidation failed",
				zap.String("owner", owner),
				zap.Error(err))
			continue
		}
		if at.UTC().Weekday() == time.Monday {
			if _, err := s.Consolidate(ctx, owner, GranularityWeekly, yesterday); err != nil {
				s.logger.Error("weekly consolidation failed",
					zap.String("owner", owner),
					zap.Error(err))
			}
		}
	}
	return nil
}
