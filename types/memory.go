package types

// Head names an embedding namespace. A trace can carry one embedding per
// head, all sharing the deployment-wide dimension.
type Head string

const (
	HeadSemantic Head = "semantic"
	HeadEpisodic Head = "episodic"
)

// Valid reports whether the head belongs to the closed set.
func (h Head) Valid() bool {
	switch h {
	case HeadSemantic, HeadEpisodic:
		return true
	}
	return false
}

// Role tags the origin of a trace.
type Role string

const (
	RoleConversation Role = "conversation"
	RoleDocument     Role = "document"
	RoleSummary      Role = "summary"
)

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleConversation, RoleDocument, RoleSummary:
		return true
	}
	return false
}

// EdgeType tags a directed association between two traces.
type EdgeType string

const (
	EdgeRelates    EdgeType = "relates"
	EdgeSummarizes EdgeType = "summarizes"
)

// Valid reports whether the edge type belongs to the closed set.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeRelates, EdgeSummarizes:
		return true
	}
	return false
}

// Meta keys written by the subsystem itself. Everything else in a trace's
// meta map is opaque caller data.
const (
	MetaDreamKey     = "dream_key"    // idempotence key on summary traces
	MetaConsolidated = "consolidated" // "true" once a trace entered a summary
	MetaDegraded     = "degraded"     // "true" when any embedding was a zero-fill
)
