// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing callers to plug
// any structured logger. It also offers a contextual LoomLogger with
// session/turn attribution and safety-domain helpers.
package logging
