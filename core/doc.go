// Package core defines the shared domain types and contracts of Loom:
// sessions, turns, agent steps, safety assessments, workflow events, and the
// pluggable Capability / Scorer / Store interfaces the rest of the system is
// built against. It has no dependencies on other Loom packages so every layer
// can import it freely.
package core
