// Package graph maintains directed weighted associations between memory
// traces. Edges are identified by (src, dst, type); rewriting an existing
// triple replaces its weight rather than duplicating the edge.
package graph

import (
	"context"

	"go.uber.org/zap"

	"github.com/luminalab/engram/store"
	"github.com/luminalab/engram/types"
)

// Graph validates and persists associations on top of the store.
type Graph struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates an association graph backed by the given store.
func New(s *store.Store, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		store:  s,
		logger: logger.With(zap.String("component", "graph")),
	}
}

// Link writes a directed edge from src to dst. Both endpoints must exist
// and belong to owner; self-loops are rejected.
func (g *Graph) Link(ctx context.Context, owner, srcID, dstID string, edgeType types.EdgeType, weight float64) error {
	if srcID == dstID {
		return types.NewError(types.ErrValidation, "edge endpoints must differ")
	}
	if !edgeType.Valid() {
		return types.NewErrorf(types.ErrValidation, "unknown edge type %q", edgeType)
	}
	if weight < 0 || weight > 1 {
		return types.NewErrorf(types.ErrValidation, "edge weight must be in [0, 1], got %f", weight)
	}

	for _, id := range []string{srcID, dstID} {
		trace, err := g.store.GetTrace(ctx, id)
		if err != nil {
			return err
		}
		if trace.Owner != owner {
			return types.NewErrorf(types.ErrForbidden, "trace %s does not belong to owner", id)
		}
	}

	return g.store.UpsertEdge(ctx, &store.MemoryEdge{
		SrcID:  srcID,
		DstID:  dstID,
		Type:   edgeType,
		Weight: weight,
	})
}

// Detach removes every edge touching the given trace, in both
// directions. The trace itself stays.
func (g *Graph) Detach(ctx context.Context, owner, id string) error {
	trace, err := g.store.GetTrace(ctx, id)
	if err != nil {
		return err
	}
	if trace.Owner != owner {
		return types.NewErrorf(types.ErrForbidden, "trace %s does not belong to owner", id)
	}
	return g.store.RemoveEdgesTouching(ctx, id)
}

// Neighbor is one association endpoint resolved to its trace.
type Neighbor struct {
	Trace  store.MemoryTrace
	Type   types.EdgeType
	Weight float64

	// Outgoing is true when the edge points away from the queried trace.
	Outgoing bool
}

// Neighbors returns the traces connected to id in either direction,
// heaviest edges first per direction. An empty edgeType matches every
// type. Edges whose far endpoint no longer resolves are skipped and
// logged; they are cleanup debt, not an error.
func (g *Graph) Neighbors(ctx context.Context, owner, id string, edgeType types.EdgeType, limit int) ([]Neighbor, error) {
	if edgeType != "" && !edgeType.Valid() {
		return nil, types.NewErrorf(types.ErrValidation, "unknown edge type %q", edgeType)
	}

	origin, err := g.store.GetTrace(ctx, id)
	if err != nil {
		return nil, err
	}
	if origin.Owner != owner {
		return nil, types.NewErrorf(types.ErrForbidden, "trace %s does not belong to owner", id)
	}

	out, err := g.store.ListEdgesFrom(ctx, id, edgeType)
	if err != nil {
		return nil, err
	}
	in, err := g.store.ListEdgesTo(ctx, id, edgeType)
	if err != nil {
		return nil, err
	}

	farIDs := make([]string, 0, len(out)+len(in))
	for _, e := range out {
		farIDs = append(farIDs, e.DstID)
	}
	for _, e := range in {
		farIDs = append(farIDs, e.SrcID)
	}

	traces, err := g.store.GetTraces(ctx, farIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.MemoryTrace, len(traces))
	for _, tr := range traces {
		byID[tr.ID] = tr
	}

	neighbors := make([]Neighbor, 0, len(farIDs))
	appendResolved := func(farID string, edgeType types.EdgeType, weight float64, outgoing bool) {
		trace, ok := byID[farID]
		if !ok {
			g.logger.Warn("edge references missing trace, skipping",
				zap.String("trace_id", farID))
			return
		}
		neighbors = append(neighbors, Neighbor{
			Trace:    trace,
			Type:     edgeType,
			Weight:   weight,
			Outgoing: outgoing,
		})
	}
	for _, e := range out {
		appendResolved(e.DstID, e.Type, e.Weight, true)
	}
	for _, e := range in {
		appendResolved(e.SrcID, e.Type, e.Weight, false)
	}

	if limit > 0 && len(neighbors) > limit {
		neighbors = neighbors[:limit]
	}
	return neighbors, nil
}
