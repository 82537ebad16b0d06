// Package store persists memory traces, their embeddings, and the
// association edges between them. One Store instance owns one relational
// database; all rows are scoped to an owner and deletes cascade from a
// trace to everything that references it.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luminalab/engram/types"
)

// Vector stores an embedding as a JSON array column. Keeping the vector
// beside the relational row lets trace deletion cascade without a second
// system of record.
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(value any) error {
	if value == nil {
		*v = nil
		return nil
	}
	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("cannot scan %T into Vector", value)
	}
}

// Meta is an opaque key-value bag stored as a JSON column.
type Meta map[string]string

// Value implements driver.Valuer.
func (m Meta) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Meta) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, m)
	case string:
		return json.Unmarshal([]byte(data), m)
	default:
		return fmt.Errorf("cannot scan %T into Meta", value)
	}
}

// MemoryTrace is the atomic unit of memory: one bounded piece of content
// with provenance and a salience weight.
type MemoryTrace struct {
	ID      string     `gorm:"primaryKey;size:36" json:"id"`
	Owner   string     `gorm:"size:128;index:idx_trace_owner_created,priority:1;not null" json:"owner"`
	Content string     `gorm:"type:text;not null" json:"content"`
	Role    types.Role `gorm:"size:32;not null" json:"role"`
	Source  string     `gorm:"size:256" json:"source"`

	// Salience is a non-negative importance weight. It is raised by
	// consolidation and decays over time.
	Salience float64 `gorm:"not null;default:1" json:"salience"`

	Meta Meta `gorm:"type:text" json:"meta,omitempty"`

	// DreamKey is set only on summary traces and makes consolidation runs
	// idempotent. A pointer keeps the unique index from colliding on the
	// many non-summary rows.
	DreamKey *string `gorm:"size:128;uniqueIndex:idx_trace_dream_key" json:"dream_key,omitempty"`

	// Consolidated marks traces already folded into a summary.
	Consolidated bool `gorm:"not null;default:false;index" json:"consolidated"`

	CreatedAt time.Time `gorm:"index:idx_trace_owner_created,priority:2" json:"created_at"`
}

// TableName implements the gorm naming convention.
func (MemoryTrace) TableName() string { return "memory_trace" }

// Degraded reports whether any of the trace's embeddings was a zero-fill
// placeholder at ingest time.
func (t *MemoryTrace) Degraded() bool {
	return t.Meta[types.MetaDegraded] == "true"
}

// MemoryEmbedding is one vector for one trace under one head. A trace
// holds at most one embedding per head.
type MemoryEmbedding struct {
	TraceID string     `gorm:"primaryKey;size:36" json:"trace_id"`
	Head    types.Head `gorm:"primaryKey;size:32" json:"head"`
	Vector  Vector     `gorm:"type:text;not null" json:"vector"`

	// Degraded marks zero-fill placeholders written while the embedding
	// backend was unavailable.
	Degraded bool `gorm:"not null;default:false" json:"degraded"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName implements the gorm naming convention.
func (MemoryEmbedding) TableName() string { return "memory_embedding" }

// MemoryEdge is a directed weighted association between two traces.
// (SrcID, DstID, Type) identifies an edge; writing the same triple again
// replaces the weight.
type MemoryEdge struct {
	SrcID  string         `gorm:"primaryKey;size:36" json:"src_id"`
	DstID  string         `gorm:"primaryKey;size:36" json:"dst_id"`
	Type   types.EdgeType `gorm:"primaryKey;size:32" json:"type"`
	Weight float64        `gorm:"not null" json:"weight"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements the gorm naming convention.
func (MemoryEdge) TableName() string { return "memory_edge" }

// Models lists every store model for schema migration.
func Models() []any {
	return []any{&MemoryTrace{}, &MemoryEmbedding{}, &MemoryEdge{}}
}
