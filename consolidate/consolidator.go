package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luminalab/engram/embed"
	"github.com/luminalab/engram/store"
	"github.com/luminalab/engram/types"
)

// Config tunes the dream cycle.
type Config struct {
	// MinTraces is the smallest batch worth summarizing; smaller windows
	// are skipped and retried next run.
	MinTraces int `yaml:"min_traces" json:"min_traces" env:"MIN_TRACES"`

	// MaxTraces caps how many traces one run consolidates.
	MaxTraces int `yaml:"max_traces" json:"max_traces" env:"MAX_TRACES"`

	// SummarySalience is the initial salience of a new summary trace.
	SummarySalience float64 `yaml:"summary_salience" json:"summary_salience" env:"SUMMARY_SALIENCE"`

	// EdgeWeight is the weight of the summarizes edges a run writes.
	EdgeWeight float64 `yaml:"edge_weight" json:"edge_weight" env:"EDGE_WEIGHT"`

	// DecayFactor multiplies the salience of traces older than
	// RetentionHorizon after a weekly run, in (0, 1].
	DecayFactor float64 `yaml:"decay_factor" json:"decay_factor" env:"DECAY_FACTOR"`

	// RetentionHorizon is the age beyond which weekly runs decay
	// salience. Decay never deletes; only Forget removes data.
	RetentionHorizon time.Duration `yaml:"retention_horizon" json:"retention_horizon" env:"RETENTION_HORIZON"`
}

// DefaultConfig returns the default dream cycle configuration.
func DefaultConfig() Config {
	return Config{
		MinTraces:        3,
		MaxTraces:        200,
		SummarySalience:  1.5,
		EdgeWeight:       1.0,
		DecayFactor:      0.9,
		RetentionHorizon: 30 * 24 * time.Hour,
	}
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.MinTraces < 1 {
		return types.NewErrorf(types.ErrValidation, "min_traces must be at least 1, got %d", c.MinTraces)
	}
	if c.MaxTraces < c.MinTraces {
		return types.NewErrorf(types.ErrValidation, "max_traces must be at least min_traces, got %d", c.MaxTraces)
	}
	if c.SummarySalience < 0 {
		return types.NewError(types.ErrValidation, "summary_salience must not be negative")
	}
	if c.EdgeWeight < 0 || c.EdgeWeight > 1 {
		return types.NewErrorf(types.ErrValidation, "edge_weight must be in [0, 1], got %f", c.EdgeWeight)
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return types.NewErrorf(types.ErrValidation, "decay_factor must be in (0, 1], got %f", c.DecayFactor)
	}
	if c.RetentionHorizon <= 0 {
		return types.NewError(types.ErrValidation, "retention_horizon must be positive")
	}
	return nil
}

// DailyKey is the idempotence key for one owner's daily run.
func DailyKey(owner string, day time.Time) string {
	return fmt.Sprintf("dream:%s:%s", owner, day.UTC().Format("2006-01-02"))
}

// WeeklyKey is the idempotence key for one owner's weekly run, keyed by
// ISO week.
func WeeklyKey(owner string, t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("dream:%s:week:%d-W%02d", owner, year, week)
}

// Status reports what a run did.
type Status string

const (
	// StatusCreated means the run wrote a new summary.
	StatusCreated Status = "created"

	// StatusExists means an earlier run already covered the period.
	StatusExists Status = "exists"

	// StatusSkipped means the window held too few traces.
	StatusSkipped Status = "skipped"
)

// Report describes the outcome of one consolidation run.
type Report struct {
	Status      Status             `json:"status"`
	Summary     *store.MemoryTrace `json:"summary,omitempty"`
	SourceCount int                `json:"source_count"`
}

// Observer is notified of freshly written summary embeddings so a live
// recall index stays current without a rehydrate.
type Observer interface {
	Observe(owner string, head types.Head, traceID string, vec []float32)
}

// Consolidator runs the dream cycle for one store.
type Consolidator struct {
	config     Config
	store      *store.Store
	embedder   embed.Client
	summarizer Summarizer
	observer   Observer
	logger     *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a consolidator. The observer is optional.
func New(config Config, s *store.Store, embedder embed.Client, summarizer Summarizer, observer Observer, logger *zap.Logger) (*Consolidator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if summarizer == nil {
		summarizer = NewExtractiveSummarizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{
		config:     config,
		store:      s,
		embedder:   embedder,
		summarizer: summarizer,
		observer:   observer,
		logger:     logger.With(zap.String("component", "consolidator")),
		now:        time.Now,
	}, nil
}

// RunDaily consolidates one owner's raw traces from the given UTC day
// into a single daily summary. Running the same day twice is a no-op.
func (c *Consolidator) RunDaily(ctx context.Context, owner string, day time.Time) (*Report, error) {
	if owner == "" {
		return nil, types.NewError(types.ErrValidation, "owner is required")
	}

	dayStart := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	key := DailyKey(owner, dayStart)

	if existing, err := c.store.FindSummary(ctx, key); err == nil {
		return &Report{Status: StatusExists, Summary: existing}, nil
	} else if !types.IsNotFound(err) {
		return nil, err
	}

	sources, err := c.store.ListUnconsolidated(ctx, owner, dayStart, dayStart.Add(24*time.Hour), c.config.MaxTraces)
	if err != nil {
		return nil, err
	}

	return c.runOnce(ctx, owner, key, dayStart, sources)
}

// RunWeekly rolls the week's daily summaries into one weekly summary,
// then decays the salience of everything already consolidated. Running
// the same week twice decays nothing further.
func (c *Consolidator) RunWeekly(ctx context.Context, owner string, t time.Time) (*Report, error) {
	if owner == "" {
		return nil, types.NewError(types.ErrValidation, "owner is required")
	}

	key := WeeklyKey(owner, t)
	if existing, err := c.store.FindSummary(ctx, key); err == nil {
		return &Report{Status: StatusExists, Summary: existing}, nil
	} else if !types.IsNotFound(err) {
		return nil, err
	}

	weekStart := startOfISOWeek(t.UTC())
	candidates, err := c.store.ListTraces(ctx, owner, store.ListOptions{
		Role:  types.RoleSummary,
		Since: weekStart,
		Until: weekStart.Add(7 * 24 * time.Hour),
	})
	if err != nil {
		return nil, err
	}

	// Only not-yet-rolled-up daily summaries feed the weekly one.
	sources := make([]store.MemoryTrace, 0, len(candidates))
	for _, tr := range candidates {
		if tr.Consolidated || tr.DreamKey == nil || strings.Contains(*tr.DreamKey, ":week:") {
			continue
		}
		sources = append(sources, tr)
	}

	report, err := c.runOnce(ctx, owner, key, weekStart, sources)
	if err != nil {
		return nil, err
	}

	if report.Status == StatusCreated {
		cutoff := c.now().UTC().Add(-c.config.RetentionHorizon)
		if err := c.store.DecaySalience(ctx, owner, c.config.DecayFactor, cutoff); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// runOnce summarizes, embeds, and atomically writes one summary stamped
// with the start of the period it covers. Nothing is persisted when the
// summarizer or an early step fails.
func (c *Consolidator) runOnce(ctx context.Context, owner, key string, periodStart time.Time, sources []store.MemoryTrace) (*Report, error) {
	if len(sources) < c.config.MinTraces {
		c.logger.Debug("consolidation window below threshold, skipping",
			zap.String("dream_key", key),
			zap.Int("traces", len(sources)),
			zap.Int("min_traces", c.config.MinTraces))
		return &Report{Status: StatusSkipped, SourceCount: len(sources)}, nil
	}

	// A dead summarization backend skips the cycle; the traces stay
	// unconsolidated and the next run picks them up.
	text, err := c.summarizer.Summarize(ctx, sources)
	if err != nil {
		c.logger.Error("summarizer failed, skipping cycle",
			zap.String("dream_key", key),
			zap.Int("traces", len(sources)),
			zap.Error(err))
		return &Report{Status: StatusSkipped, SourceCount: len(sources)}, nil
	}

	res, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	dreamKey := key
	summary := &store.MemoryTrace{
		Owner:     owner,
		Content:   text,
		Role:      types.RoleSummary,
		Source:    "dream_cycle",
		Salience:  c.config.SummarySalience,
		Meta:      store.Meta{types.MetaDreamKey: key},
		DreamKey:  &dreamKey,
		CreatedAt: periodStart,
	}
	if res.Degraded() {
		summary.Meta[types.MetaDegraded] = "true"
	}

	sourceIDs := make([]string, len(sources))
	for i, tr := range sources {
		sourceIDs[i] = tr.ID
	}

	embeddings := []store.MemoryEmbedding{{
		Head:     types.HeadSemantic,
		Vector:   store.Vector(res.Vector),
		Degraded: res.Degraded(),
	}}

	created, result, err := c.store.CreateSummaryIfAbsent(ctx, summary, embeddings, sourceIDs, c.config.EdgeWeight)
	if err != nil {
		return nil, err
	}
	if !created {
		// A concurrent run won the key; nothing of ours was written.
		return &Report{Status: StatusExists, Summary: result}, nil
	}

	if c.observer != nil {
		c.observer.Observe(owner, types.HeadSemantic, result.ID, res.Vector)
	}

	c.logger.Info("consolidation run complete",
		zap.String("dream_key", key),
		zap.String("summary_id", result.ID),
		zap.Int("sources", len(sourceIDs)))

	return &Report{Status: StatusCreated, Summary: result, SourceCount: len(sourceIDs)}, nil
}

// startOfISOWeek returns the UTC midnight of the Monday opening t's ISO
// week.
func startOfISOWeek(t time.Time) time.Time {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return t.AddDate(0, 0, 1-weekday)
}
