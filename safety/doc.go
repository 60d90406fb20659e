// Package safety implements the screening pipeline that sits on the critical
// path of every turn: a pluggable risk scorer, a fail-closed wrapper that
// enforces the scoring latency budget, and the interceptor that turns
// assessments into flag/escalate decisions with pinned-session hysteresis.
package safety
