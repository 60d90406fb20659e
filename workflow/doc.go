// Package workflow contains the turn workflow engine: per-turn plan
// construction, the bounded-parallel step executor with retries and
// fallbacks, and the stage state machine with safety gates on input and
// synthesized output.
package workflow
