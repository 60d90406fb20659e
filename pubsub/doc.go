// Package pubsub implements the fan-out event publisher: per-session topics
// with monotonic sequence numbers, a short replay buffer for reconnecting
// observers, and bounded per-subscriber queues that drop slow subscribers
// instead of backpressuring the workflow critical path.
package pubsub
