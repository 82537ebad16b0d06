// Package types defines the shared domain vocabulary of the memory
// subsystem: embedding heads, trace roles, edge types, and the structured
// error model used across all components.
package types
