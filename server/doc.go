// Package server exposes the orchestrator over HTTP: JSON endpoints for
// submitting, inspecting and cancelling turns, and a websocket stream of
// per-session workflow events.
package server
