package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/luminalab/engram/types"
)

// Store is the persistence layer for traces, embeddings, and edges.
type Store struct {
	pool   *PoolManager
	logger *zap.Logger
}

// New wraps an existing pool manager.
func New(pool *PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "store")),
	}
}

// Open connects to the database, migrates the schema, and returns a
// ready Store.
func Open(dialector gorm.Dialector, poolConfig PoolConfig, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to open database").WithCause(err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to migrate schema").WithCause(err)
	}
	pool, err := NewPoolManager(db, poolConfig, logger)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to initialize pool").WithCause(err)
	}
	return New(pool, logger), nil
}

// Pool exposes the underlying pool manager.
func (s *Store) Pool() *PoolManager { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the database connections.
func (s *Store) Close() error { return s.pool.Close() }

// validateTrace rejects traces that must never reach the database.
func validateTrace(trace *MemoryTrace) error {
	if trace == nil {
		return types.NewError(types.ErrValidation, "trace cannot be nil")
	}
	if strings.TrimSpace(trace.Owner) == "" {
		return types.NewError(types.ErrValidation, "trace owner is required")
	}
	if strings.TrimSpace(trace.Content) == "" {
		return types.NewError(types.ErrValidation, "trace content is required")
	}
	if !trace.Role.Valid() {
		return types.NewErrorf(types.ErrValidation, "unknown trace role %q", trace.Role)
	}
	if trace.Salience < 0 {
		return types.NewErrorf(types.ErrValidation, "trace salience must not be negative, got %f", trace.Salience)
	}
	return nil
}

// CreateTrace persists a trace and its embeddings atomically. A missing
// ID is generated; a zero CreatedAt becomes now.
func (s *Store) CreateTrace(ctx context.Context, trace *MemoryTrace, embeddings []MemoryEmbedding) error {
	if err := validateTrace(trace); err != nil {
		return err
	}
	if trace.ID == "" {
		trace.ID = uuid.NewString()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}
	for i := range embeddings {
		if !embeddings[i].Head.Valid() {
			return types.NewErrorf(types.ErrValidation, "unknown embedding head %q", embeddings[i].Head)
		}
		embeddings[i].TraceID = trace.ID
	}

	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(trace).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to create trace").WithCause(err)
		}
		if len(embeddings) > 0 {
			if err := tx.Create(&embeddings).Error; err != nil {
				return types.NewError(types.ErrInternalError, "failed to create embeddings").WithCause(err)
			}
		}
		return nil
	})
}

// AttachEmbedding writes or replaces the embedding for (trace, head).
func (s *Store) AttachEmbedding(ctx context.Context, emb *MemoryEmbedding) error {
	if emb == nil || emb.TraceID == "" {
		return types.NewError(types.ErrValidation, "embedding trace_id is required")
	}
	if !emb.Head.Valid() {
		return types.NewErrorf(types.ErrValidation, "unknown embedding head %q", emb.Head)
	}

	err := s.pool.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trace_id"}, {Name: "head"}},
		DoUpdates: clause.AssignmentColumns([]string{"vector", "degraded"}),
	}).Create(emb).Error
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to attach embedding").WithCause(err)
	}
	return nil
}

// GetTrace loads one trace by ID.
func (s *Store) GetTrace(ctx context.Context, id string) (*MemoryTrace, error) {
	var trace MemoryTrace
	err := s.pool.DB().WithContext(ctx).First(&trace, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "trace %s not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to load trace").WithCause(err)
	}
	return &trace, nil
}

// GetTraces loads a batch of traces by ID. Missing IDs are silently
// absent from the result.
func (s *Store) GetTraces(ctx context.Context, ids []string) ([]MemoryTrace, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var traces []MemoryTrace
	err := s.pool.DB().WithContext(ctx).Where("id IN ?", ids).Find(&traces).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to load traces").WithCause(err)
	}
	return traces, nil
}

// GetEmbedding loads the embedding for (trace, head).
func (s *Store) GetEmbedding(ctx context.Context, traceID string, head types.Head) (*MemoryEmbedding, error) {
	var emb MemoryEmbedding
	err := s.pool.DB().WithContext(ctx).
		First(&emb, "trace_id = ? AND head = ?", traceID, head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "embedding for trace %s head %s not found", traceID, head)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to load embedding").WithCause(err)
	}
	return &emb, nil
}

// ListOptions filters ListTraces.
type ListOptions struct {
	Since time.Time
	Until time.Time
	Role  types.Role
	Limit int
}

// ListTraces returns an owner's traces, newest first.
func (s *Store) ListTraces(ctx context.Context, owner string, opts ListOptions) ([]MemoryTrace, error) {
	if owner == "" {
		return nil, types.NewError(types.ErrValidation, "owner is required")
	}

	q := s.pool.DB().WithContext(ctx).Where("owner = ?", owner)
	if !opts.Since.IsZero() {
		q = q.Where("created_at >= ?", opts.Since)
	}
	if !opts.Until.IsZero() {
		q = q.Where("created_at < ?", opts.Until)
	}
	if opts.Role != "" {
		q = q.Where("role = ?", opts.Role)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var traces []MemoryTrace
	if err := q.Order("created_at DESC").Find(&traces).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list traces").WithCause(err)
	}
	return traces, nil
}

// UpdateSalience sets a trace's salience to an absolute value.
func (s *Store) UpdateSalience(ctx context.Context, id string, salience float64) error {
	if salience < 0 {
		return types.NewErrorf(types.ErrValidation, "salience must not be negative, got %f", salience)
	}
	res := s.pool.DB().WithContext(ctx).Model(&MemoryTrace{}).
		Where("id = ?", id).
		Update("salience", salience)
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "failed to update salience").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "trace %s not found", id)
	}
	return nil
}

// BoostSalience adds delta to the salience of the given traces, clamped
// at zero from below.
func (s *Store) BoostSalience(ctx context.Context, ids []string, delta float64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.pool.DB().WithContext(ctx).Model(&MemoryTrace{}).
		Where("id IN ?", ids).
		Update("salience", gorm.Expr("CASE WHEN salience + ? < 0 THEN 0 ELSE salience + ? END", delta, delta)).Error
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to boost salience").WithCause(err)
	}
	return nil
}

// DecaySalience multiplies the salience of an owner's traces created
// before the cutoff by factor in (0, 1]. Decay never deletes anything.
func (s *Store) DecaySalience(ctx context.Context, owner string, factor float64, before time.Time) error {
	if factor <= 0 || factor > 1 {
		return types.NewErrorf(types.ErrValidation, "decay factor must be in (0, 1], got %f", factor)
	}
	err := s.pool.DB().WithContext(ctx).Model(&MemoryTrace{}).
		Where("owner = ? AND created_at < ?", owner, before).
		Update("salience", gorm.Expr("salience * ?", factor)).Error
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to decay salience").WithCause(err)
	}
	return nil
}

// RemoveEdgesTouching deletes every edge incident on the trace in either
// direction. DeleteTrace runs the same statement inside its cascade.
func (s *Store) RemoveEdgesTouching(ctx context.Context, traceID string) error {
	err := s.pool.DB().WithContext(ctx).
		Where("src_id = ? OR dst_id = ?", traceID, traceID).
		Delete(&MemoryEdge{}).Error
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to remove edges").WithCause(err)
	}
	return nil
}

// DeleteTrace removes a trace and everything referencing it: embeddings
// and edges in either direction. The owner must match; a mismatch is
// rejected without revealing whether the trace exists to someone else.
func (s *Store) DeleteTrace(ctx context.Context, owner, id string) error {
	if owner == "" || id == "" {
		return types.NewError(types.ErrValidation, "owner and trace id are required")
	}

	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var trace MemoryTrace
		err := tx.First(&trace, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.NewErrorf(types.ErrNotFound, "trace %s not found", id)
		}
		if err != nil {
			return types.NewError(types.ErrInternalError, "failed to load trace").WithCause(err)
		}
		if trace.Owner != owner {
			return types.NewErrorf(types.ErrForbidden, "trace %s does not belong to owner", id)
		}

		if err := tx.Where("trace_id = ?", id).Delete(&MemoryEmbedding{}).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to delete embeddings").WithCause(err)
		}
		if err := tx.Where("src_id = ? OR dst_id = ?", id, id).Delete(&MemoryEdge{}).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to delete edges").WithCause(err)
		}
		if err := tx.Delete(&MemoryTrace{}, "id = ?", id).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to delete trace").WithCause(err)
		}
		return nil
	})
}

// ListUnconsolidated returns an owner's not-yet-consolidated,
// non-summary traces inside [since, until), oldest first.
func (s *Store) ListUnconsolidated(ctx context.Context, owner string, since, until time.Time, limit int) ([]MemoryTrace, error) {
	if owner == "" {
		return nil, types.NewError(types.ErrValidation, "owner is required")
	}

	q := s.pool.DB().WithContext(ctx).
		Where("owner = ? AND consolidated = ? AND role <> ?", owner, false, types.RoleSummary).
		Where("created_at >= ? AND created_at < ?", since, until).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var traces []MemoryTrace
	if err := q.Find(&traces).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list unconsolidated traces").WithCause(err)
	}
	return traces, nil
}

// FindSummary looks up a summary trace by its idempotence key.
func (s *Store) FindSummary(ctx context.Context, dreamKey string) (*MemoryTrace, error) {
	var trace MemoryTrace
	err := s.pool.DB().WithContext(ctx).First(&trace, "dream_key = ?", dreamKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "summary %s not found", dreamKey)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to load summary").WithCause(err)
	}
	return &trace, nil
}

// ListSummaries returns an owner's summary traces, newest first.
func (s *Store) ListSummaries(ctx context.Context, owner string, limit int) ([]MemoryTrace, error) {
	return s.ListTraces(ctx, owner, ListOptions{Role: types.RoleSummary, Limit: limit})
}

// CreateSummaryIfAbsent atomically creates a summary trace keyed by its
// dream key, attaches its embeddings, links it to its sources with
// summarizes edges, and marks the sources consolidated. If a summary
// with the same key already exists, the existing trace is returned and
// nothing is written.
func (s *Store) CreateSummaryIfAbsent(ctx context.Context, summary *MemoryTrace, embeddings []MemoryEmbedding, sourceIDs []string, edgeWeight float64) (created bool, result *MemoryTrace, err error) {
	if summary == nil || summary.DreamKey == nil || *summary.DreamKey == "" {
		return false, nil, types.NewError(types.ErrValidation, "summary dream_key is required")
	}
	if err := validateTrace(summary); err != nil {
		return false, nil, err
	}
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	for i := range embeddings {
		embeddings[i].TraceID = summary.ID
	}

	txErr := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		var existing MemoryTrace
		lookupErr := tx.First(&existing, "dream_key = ?", *summary.DreamKey).Error
		if lookupErr == nil {
			result = &existing
			return nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return types.NewError(types.ErrInternalError, "failed to check dream key").WithCause(lookupErr)
		}

		if err := tx.Create(summary).Error; err != nil {
			return types.NewError(types.ErrInternalError, "failed to create summary").WithCause(err)
		}
		if len(embeddings) > 0 {
			if err := tx.Create(&embeddings).Error; err != nil {
				return types.NewError(types.ErrInternalError, "failed to create summary embeddings").WithCause(err)
			}
		}

		now := time.Now().UTC()
		for _, src := range sourceIDs {
			edge := MemoryEdge{
				SrcID:     summary.ID,
				DstID:     src,
				Type:      types.EdgeSummarizes,
				Weight:    edgeWeight,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "src_id"}, {Name: "dst_id"}, {Name: "type"}},
				DoUpdates: clause.AssignmentColumns([]string{"weight", "updated_at"}),
			}).Create(&edge).Error; err != nil {
				return types.NewError(types.ErrInternalError, "failed to link summary").WithCause(err)
			}
		}

		if len(sourceIDs) > 0 {
			if err := tx.Model(&MemoryTrace{}).
				Where("id IN ?", sourceIDs).
				Update("consolidated", true).Error; err != nil {
				return types.NewError(types.ErrInternalError, "failed to mark traces consolidated").WithCause(err)
			}
		}

		result = summary
		created = true
		return nil
	})
	if txErr != nil {
		// Under READ COMMITTED a concurrent run can commit the same key
		// after our in-transaction check missed it; the unique dream_key
		// index then rejects our insert. That run won, report its row.
		if isUniqueViolation(txErr) {
			existing, findErr := s.FindSummary(ctx, *summary.DreamKey)
			if findErr == nil {
				return false, existing, nil
			}
			return false, nil, txErr
		}
		return false, nil, txErr
	}
	return created, result, nil
}

// UpsertEdge writes an edge, replacing the weight when the
// (src, dst, type) triple already exists.
func (s *Store) UpsertEdge(ctx context.Context, edge *MemoryEdge) error {
	if edge == nil {
		return types.NewError(types.ErrValidation, "edge cannot be nil")
	}
	now := time.Now().UTC()
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = now
	}
	edge.UpdatedAt = now

	err := s.pool.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "src_id"}, {Name: "dst_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"weight", "updated_at"}),
	}).Create(edge).Error
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to upsert edge").WithCause(err)
	}
	return nil
}

// ListEdgesFrom returns a trace's outgoing edges, heaviest first. An
// empty edgeType matches every type.
func (s *Store) ListEdgesFrom(ctx context.Context, srcID string, edgeType types.EdgeType) ([]MemoryEdge, error) {
	var edges []MemoryEdge
	q := s.pool.DB().WithContext(ctx).Where("src_id = ?", srcID)
	if edgeType != "" {
		q = q.Where("type = ?", edgeType)
	}
	if err := q.Order("weight DESC").Find(&edges).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list edges").WithCause(err)
	}
	return edges, nil
}

// ListEdgesTo returns a trace's incoming edges, heaviest first. An empty
// edgeType matches every type.
func (s *Store) ListEdgesTo(ctx context.Context, dstID string, edgeType types.EdgeType) ([]MemoryEdge, error) {
	var edges []MemoryEdge
	q := s.pool.DB().WithContext(ctx).Where("dst_id = ?", dstID)
	if edgeType != "" {
		q = q.Where("type = ?", edgeType)
	}
	if err := q.Order("weight DESC").Find(&edges).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list edges").WithCause(err)
	}
	return edges, nil
}

// ScanEmbeddings streams every embedding of an owner under one head,
// joined with its trace. Used to hydrate the in-memory index at startup.
func (s *Store) ScanEmbeddings(ctx context.Context, owner string, head types.Head, fn func(traceID string, vec Vector, degraded bool) error) error {
	rows, err := s.pool.DB().WithContext(ctx).
		Model(&MemoryEmbedding{}).
		Select("memory_embedding.trace_id, memory_embedding.vector, memory_embedding.degraded").
		Joins("JOIN memory_trace ON memory_trace.id = memory_embedding.trace_id").
		Where("memory_trace.owner = ? AND memory_embedding.head = ?", owner, head).
		Rows()
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to scan embeddings").WithCause(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			traceID  string
			vec      Vector
			degraded bool
		)
		if err := rows.Scan(&traceID, &vec, &degraded); err != nil {
			return types.NewError(types.ErrInternalError, "failed to scan embedding row").WithCause(err)
		}
		if err := fn(traceID, vec, degraded); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListOwners returns every distinct owner with at least one trace.
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	var owners []string
	err := s.pool.DB().WithContext(ctx).
		Model(&MemoryTrace{}).
		Distinct("owner").
		Pluck("owner", &owners).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to list owners").WithCause(err)
	}
	return owners, nil
}
