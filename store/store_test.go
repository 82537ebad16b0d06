package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"

	"github.com/luminalab/engram/types"
)

// newTestStore opens an in-memory sqlite store. Connections are capped
// at one because each sqlite :memory: connection is its own database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := PoolConfig{MaxIdleConns: 1, MaxOpenConns: 1}
	s, err := Open(sqlite.Open(":memory:"), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkTrace(owner, content string) *MemoryTrace {
	return &MemoryTrace{
		Owner:    owner,
		Content:  content,
		Role:     types.RoleConversation,
		Salience: 1,
	}
}

func TestCreateTrace_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		trace *MemoryTrace
	}{
		{"nil trace", nil},
		{"missing owner", &MemoryTrace{Content: "x", Role: types.RoleConversation}},
		{"missing content", &MemoryTrace{Owner: "alice", Role: types.RoleConversation}},
		{"unknown role", &MemoryTrace{Owner: "alice", Content: "x", Role: "weird"}},
		{"negative salience", &MemoryTrace{Owner: "alice", Content: "x", Role: types.RoleConversation, Salience: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CreateTrace(ctx, tt.trace, nil)
			require.Error(t, err)
			assert.True(t, types.IsValidation(err))
		})
	}
}

func TestCreateTrace_PersistsWithEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trace := mkTrace("alice", "remember the milk")
	embs := []MemoryEmbedding{
		{Head: types.HeadSemantic, Vector: Vector{0.1, 0.2, 0.3}},
		{Head: types.HeadEpisodic, Vector: Vector{0.4, 0.5, 0.6}},
	}
	require.NoError(t, s.CreateTrace(ctx, trace, embs))
	require.NotEmpty(t, trace.ID)

	loaded, err := s.GetTrace(ctx, trace.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Owner)
	assert.Equal(t, "remember the milk", loaded.Content)
	assert.Equal(t, float64(1), loaded.Salience)

	emb, err := s.GetEmbedding(ctx, trace.ID, types.HeadSemantic)
	require.NoError(t, err)
	assert.Equal(t, Vector{0.1, 0.2, 0.3}, emb.Vector)
	assert.False(t, emb.Degraded)
}

func TestGetTrace_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTrace(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestAttachEmbedding_ReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trace := mkTrace("alice", "hello")
	require.NoError(t, s.CreateTrace(ctx, trace, []MemoryEmbedding{
		{Head: types.HeadSemantic, Vector: Vector{1, 0}},
	}))

	require.NoError(t, s.AttachEmbedding(ctx, &MemoryEmbedding{
		TraceID: trace.ID,
		Head:    types.HeadSemantic,
		Vector:  Vector{0, 1},
	}))

	emb, err := s.GetEmbedding(ctx, trace.ID, types.HeadSemantic)
	require.NoError(t, err)
	assert.Equal(t, Vector{0, 1}, emb.Vector)

	var count int64
	require.NoError(t, s.Pool().DB().Model(&MemoryEmbedding{}).
		Where("trace_id = ?", trace.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListTraces_OrderAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tr := mkTrace("alice", "entry")
		tr.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateTrace(ctx, tr, nil))
	}
	other := mkTrace("bob", "not alice's")
	require.NoError(t, s.CreateTrace(ctx, other, nil))

	traces, err := s.ListTraces(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.True(t, traces[0].CreatedAt.After(traces[1].CreatedAt), "newest first")

	windowed, err := s.ListTraces(ctx, "alice", ListOptions{
		Since: base.Add(30 * time.Minute),
		Until: base.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, windowed, 1)

	limited, err := s.ListTraces(ctx, "alice", ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestUpdateSalience(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trace := mkTrace("alice", "important")
	require.NoError(t, s.CreateTrace(ctx, trace, nil))

	require.NoError(t, s.UpdateSalience(ctx, trace.ID, 2.5))
	loaded, err := s.GetTrace(ctx, trace.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.5, loaded.Salience)

	err = s.UpdateSalience(ctx, "no-such-id", 1)
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))

	err = s.UpdateSalience(ctx, trace.ID, -1)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestBoostSalience_ClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trace := mkTrace("alice", "fading")
	trace.Salience = 0.3
	require.NoError(t, s.CreateTrace(ctx, trace, nil))

	require.NoError(t, s.BoostSalience(ctx, []string{trace.ID}, -1))
	loaded, err := s.GetTrace(ctx, trace.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(0), loaded.Salience)
}

func TestDecaySalience_OnlyBeforeCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	fresh := mkTrace("alice", "fresh")
	fresh.CreatedAt = cutoff.Add(time.Hour)
	require.NoError(t, s.CreateTrace(ctx, fresh, nil))

	old := mkTrace("alice", "old")
	old.CreatedAt = cutoff.Add(-time.Hour)
	require.NoError(t, s.CreateTrace(ctx, old, nil))

	otherOwner := mkTrace("bob", "old but not alice's")
	otherOwner.CreatedAt = cutoff.Add(-time.Hour)
	require.NoError(t, s.CreateTrace(ctx, otherOwner, nil))

	require.NoError(t, s.DecaySalience(ctx, "alice", 0.5, cutoff))

	loadedFresh, err := s.GetTrace(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), loadedFresh.Salience)

	loadedOld, err := s.GetTrace(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, loadedOld.Salience)

	loadedOther, err := s.GetTrace(ctx, otherOwner.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), loadedOther.Salience)

	err = s.DecaySalience(ctx, "alice", 1.5, cutoff)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestRemoveEdgesTouching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mkTrace("alice", "a")
	require.NoError(t, s.CreateTrace(ctx, a, nil))
	b := mkTrace("alice", "b")
	require.NoError(t, s.CreateTrace(ctx, b, nil))
	c := mkTrace("alice", "c")
	require.NoError(t, s.CreateTrace(ctx, c, nil))

	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{SrcID: a.ID, DstID: b.ID, Type: types.EdgeRelates, Weight: 0.5}))
	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{SrcID: c.ID, DstID: a.ID, Type: types.EdgeRelates, Weight: 0.5}))
	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{SrcID: b.ID, DstID: c.ID, Type: types.EdgeRelates, Weight: 0.5}))

	require.NoError(t, s.RemoveEdgesTouching(ctx, a.ID))

	edges, err := s.ListEdgesFrom(ctx, b.ID, "")
	require.NoError(t, err)
	require.Len(t, edges, 1, "only the b->c edge survives")
	assert.Equal(t, c.ID, edges[0].DstID)
}

func TestDeleteTrace_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mkTrace("alice", "a")
	require.NoError(t, s.CreateTrace(ctx, a, []MemoryEmbedding{
		{Head: types.HeadSemantic, Vector: Vector{1, 0}},
	}))
	b := mkTrace("alice", "b")
	require.NoError(t, s.CreateTrace(ctx, b, nil))

	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{
		SrcID: a.ID, DstID: b.ID, Type: types.EdgeRelates, Weight: 0.5,
	}))
	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{
		SrcID: b.ID, DstID: a.ID, Type: types.EdgeRelates, Weight: 0.5,
	}))

	require.NoError(t, s.DeleteTrace(ctx, "alice", a.ID))

	_, err := s.GetTrace(ctx, a.ID)
	assert.True(t, types.IsNotFound(err))

	_, err = s.GetEmbedding(ctx, a.ID, types.HeadSemantic)
	assert.True(t, types.IsNotFound(err))

	out, err := s.ListEdgesFrom(ctx, b.ID, "")
	require.NoError(t, err)
	assert.Empty(t, out, "edges into the deleted trace must be gone")

	_, err = s.GetTrace(ctx, b.ID)
	assert.NoError(t, err, "the surviving trace is untouched")
}

func TestDeleteTrace_OwnerMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trace := mkTrace("alice", "private")
	require.NoError(t, s.CreateTrace(ctx, trace, nil))

	err := s.DeleteTrace(ctx, "mallory", trace.ID)
	require.Error(t, err)
	assert.True(t, types.IsForbidden(err))

	_, err = s.GetTrace(ctx, trace.ID)
	assert.NoError(t, err, "a rejected delete must not remove anything")
}

func TestUpsertEdge_ReplacesWeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mkTrace("alice", "a")
	require.NoError(t, s.CreateTrace(ctx, a, nil))
	b := mkTrace("alice", "b")
	require.NoError(t, s.CreateTrace(ctx, b, nil))

	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{
		SrcID: a.ID, DstID: b.ID, Type: types.EdgeRelates, Weight: 0.5,
	}))
	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{
		SrcID: a.ID, DstID: b.ID, Type: types.EdgeRelates, Weight: 0.9,
	}))

	edges, err := s.ListEdgesFrom(ctx, a.ID, "")
	require.NoError(t, err)
	require.Len(t, edges, 1, "same (src, dst, type) must stay one edge")
	assert.Equal(t, 0.9, edges[0].Weight)
}

func TestCreateSummaryIfAbsent_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src1 := mkTrace("alice", "met carol for coffee")
	require.NoError(t, s.CreateTrace(ctx, src1, nil))
	src2 := mkTrace("alice", "discussed the trip")
	require.NoError(t, s.CreateTrace(ctx, src2, nil))

	key := "dream:alice:2026-08-29"
	mkSummary := func() *MemoryTrace {
		k := key
		return &MemoryTrace{
			Owner:    "alice",
			Content:  "met carol, discussed the trip",
			Role:     types.RoleSummary,
			Salience: 1.5,
			DreamKey: &k,
		}
	}

	created, first, err := s.CreateSummaryIfAbsent(ctx, mkSummary(), []MemoryEmbedding{
		{Head: types.HeadSemantic, Vector: Vector{1, 0}},
	}, []string{src1.ID, src2.ID}, 1.0)
	require.NoError(t, err)
	assert.True(t, created)

	created, second, err := s.CreateSummaryIfAbsent(ctx, mkSummary(), nil, []string{src1.ID, src2.ID}, 1.0)
	require.NoError(t, err)
	assert.False(t, created, "second run with the same key must be a no-op")
	assert.Equal(t, first.ID, second.ID)

	var summaryCount int64
	require.NoError(t, s.Pool().DB().Model(&MemoryTrace{}).
		Where("dream_key = ?", key).Count(&summaryCount).Error)
	assert.Equal(t, int64(1), summaryCount)

	edges, err := s.ListEdgesFrom(ctx, first.ID, "")
	require.NoError(t, err)
	assert.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, types.EdgeSummarizes, e.Type)
	}

	for _, id := range []string{src1.ID, src2.ID} {
		loaded, err := s.GetTrace(ctx, id)
		require.NoError(t, err)
		assert.True(t, loaded.Consolidated)
	}
}

func TestCreateSummaryIfAbsent_ConcurrentRunsOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := mkTrace("alice", "met carol for coffee")
	require.NoError(t, s.CreateTrace(ctx, src, nil))

	key := "dream:alice:2026-08-29"
	const runs = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     []error
		wins     int
		resultID = map[string]bool{}
	)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := key
			summary := &MemoryTrace{
				Owner:    "alice",
				Content:  "met carol",
				Role:     types.RoleSummary,
				Salience: 1.5,
				DreamKey: &k,
			}
			created, result, err := s.CreateSummaryIfAbsent(ctx, summary, nil, []string{src.ID}, 1.0)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			resultID[result.ID] = true
			if created {
				wins++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs, "a losing concurrent run must observe the winner, not fail")
	assert.Equal(t, 1, wins, "exactly one concurrent run may create the summary")
	assert.Len(t, resultID, 1, "every run must observe the same summary")

	var summaryCount int64
	require.NoError(t, s.Pool().DB().Model(&MemoryTrace{}).
		Where("dream_key = ?", key).Count(&summaryCount).Error)
	assert.Equal(t, int64(1), summaryCount)
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"postgres duplicate key", errors.New(`ERROR: duplicate key value violates unique constraint "idx_trace_dream_key" (SQLSTATE 23505)`), true},
		{"sqlite unique constraint", errors.New("UNIQUE constraint failed: memory_trace.dream_key"), true},
		{"wrapped in the taxonomy", types.NewError(types.ErrInternalError, "failed to create summary").
			WithCause(errors.New("duplicate key value violates unique constraint")), true},
		{"deadlock is not a duplicate", errors.New("deadlock detected"), false},
		{"plain failure", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestListEdges_TypeFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mkTrace("alice", "a")
	require.NoError(t, s.CreateTrace(ctx, a, nil))
	b := mkTrace("alice", "b")
	require.NoError(t, s.CreateTrace(ctx, b, nil))
	c := mkTrace("alice", "c")
	require.NoError(t, s.CreateTrace(ctx, c, nil))

	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{SrcID: a.ID, DstID: b.ID, Type: types.EdgeRelates, Weight: 0.5}))
	require.NoError(t, s.UpsertEdge(ctx, &MemoryEdge{SrcID: a.ID, DstID: c.ID, Type: types.EdgeSummarizes, Weight: 0.7}))

	all, err := s.ListEdgesFrom(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	summarizing, err := s.ListEdgesFrom(ctx, a.ID, types.EdgeSummarizes)
	require.NoError(t, err)
	require.Len(t, summarizing, 1)
	assert.Equal(t, c.ID, summarizing[0].DstID)

	incoming, err := s.ListEdgesTo(ctx, c.ID, types.EdgeRelates)
	require.NoError(t, err)
	assert.Empty(t, incoming)
}

func TestListUnconsolidated_SkipsSummariesAndConsolidated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)

	pending := mkTrace("alice", "pending")
	pending.CreatedAt = base
	require.NoError(t, s.CreateTrace(ctx, pending, nil))

	done := mkTrace("alice", "already consolidated")
	done.Consolidated = true
	done.CreatedAt = base.Add(time.Minute)
	require.NoError(t, s.CreateTrace(ctx, done, nil))

	summary := mkTrace("alice", "yesterday's summary")
	summary.Role = types.RoleSummary
	summary.CreatedAt = base.Add(2 * time.Minute)
	require.NoError(t, s.CreateTrace(ctx, summary, nil))

	got, err := s.ListUnconsolidated(ctx, "alice", base.Add(-time.Hour), base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)
}

func TestScanEmbeddings_FiltersOwnerAndHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mine := mkTrace("alice", "mine")
	require.NoError(t, s.CreateTrace(ctx, mine, []MemoryEmbedding{
		{Head: types.HeadSemantic, Vector: Vector{1, 0}},
		{Head: types.HeadEpisodic, Vector: Vector{0, 1}},
	}))
	theirs := mkTrace("bob", "theirs")
	require.NoError(t, s.CreateTrace(ctx, theirs, []MemoryEmbedding{
		{Head: types.HeadSemantic, Vector: Vector{0.5, 0.5}},
	}))

	var seen []string
	err := s.ScanEmbeddings(ctx, "alice", types.HeadSemantic, func(traceID string, vec Vector, degraded bool) error {
		seen = append(seen, traceID)
		assert.Equal(t, Vector{1, 0}, vec)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID}, seen)
}

func TestListOwners(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTrace(ctx, mkTrace("alice", "a"), nil))
	require.NoError(t, s.CreateTrace(ctx, mkTrace("alice", "b"), nil))
	require.NoError(t, s.CreateTrace(ctx, mkTrace("bob", "c"), nil))

	owners, err := s.ListOwners(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, owners)
}
