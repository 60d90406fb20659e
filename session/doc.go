// Package session provides the core.Store implementations: an in-memory
// store for tests and single-process setups, and a SQLite store for
// durable deployments. Both are last-writer-wins per session id and archive
// rather than delete; a background sweeper retires inactive sessions.
package session
