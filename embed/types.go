// Package embed converts text into fixed-dimension vectors via an external
// HTTP backend. Backend failures degrade to labeled zero vectors instead of
// failing the caller, so ingestion never blocks on a transient outage.
package embed

import "context"

// Outcome tags how a Result was produced.
type Outcome string

const (
	// OutcomeComputed marks a vector returned by the backend.
	OutcomeComputed Outcome = "computed"

	// OutcomeDegraded marks a zero-fill placeholder produced after the
	// backend failed or timed out.
	OutcomeDegraded Outcome = "degraded"
)

// Result is a tagged embedding outcome. Degraded results carry a zero
// vector of the configured dimension plus the cause, so downstream ranking
// can discount them.
type Result struct {
	Vector  []float32
	Outcome Outcome
	Cause   error
}

// Degraded reports whether the vector is a zero-fill placeholder.
func (r Result) Degraded() bool {
	return r.Outcome == OutcomeDegraded
}

// Client converts text into fixed-dimension vectors.
type Client interface {
	// Embed returns a vector of exactly Dimension() elements. The error is
	// non-nil only for invalid input or context cancellation; backend
	// failures yield a Degraded result instead.
	Embed(ctx context.Context, text string) (Result, error)

	// EmbedBatch embeds texts preserving input order. Each element is
	// computed independently with bounded concurrency; a per-item failure
	// degrades only that item.
	EmbedBatch(ctx context.Context, texts []string) ([]Result, error)

	// Dimension returns the deployment-wide embedding dimension.
	Dimension() int
}
