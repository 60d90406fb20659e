// Package orchestrator is the façade callers interact with: it validates
// submissions, serializes turns per session, and exposes snapshots and
// cancellation without leaking engine internals.
package orchestrator
