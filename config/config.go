// Package config provides application configuration parsed from the
// environment. Numeric safety thresholds and retry/backoff constants are
// deliberately configuration inputs, not hard-coded values.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/loomhq/loom/core"
)

// Config holds all tunables of the orchestration core and its HTTP surface.
type Config struct {
	// Addr is the listen address of the command surface.
	Addr string `env:"LOOM_ADDR" envDefault:":8080"`
	// DBPath locates the SQLite session store. Empty selects the
	// in-memory store.
	DBPath string `env:"LOOM_DB_PATH" envDefault:"./data/loom.db"`

	// MaxInputLen bounds accepted turn input length in bytes.
	MaxInputLen int `env:"LOOM_MAX_INPUT_LEN" envDefault:"8192"`
	// DefaultWaitBudget is how long StartTurn waits for a terminal turn
	// when the caller supplies no budget.
	DefaultWaitBudget time.Duration `env:"LOOM_WAIT_BUDGET" envDefault:"30s"`

	// RetryCeiling is the maximum attempts per step, first try included.
	RetryCeiling int `env:"LOOM_RETRY_CEILING" envDefault:"3"`
	// BackoffBase is the initial retry delay; it doubles per attempt.
	BackoffBase time.Duration `env:"LOOM_BACKOFF_BASE" envDefault:"200ms"`
	// BackoffCap bounds the retry delay growth.
	BackoffCap time.Duration `env:"LOOM_BACKOFF_CAP" envDefault:"5s"`

	// StepTimeout is the per-invocation deadline applied when no
	// capability-kind specific timeout is configured.
	StepTimeout time.Duration `env:"LOOM_STEP_TIMEOUT" envDefault:"15s"`
	// StepTimeouts overrides the deadline per capability kind, e.g.
	// "narrator=30s,interpreter=10s". Agent cost profiles differ, so a
	// single global value is wrong for all of them.
	StepTimeouts map[string]time.Duration `env:"LOOM_STEP_TIMEOUTS" envSeparator:"," envKeyValSeparator:"="`
	// TurnCeiling is the wall-clock limit for a whole turn, independent of
	// individual step deadlines.
	TurnCeiling time.Duration `env:"LOOM_TURN_CEILING" envDefault:"60s"`
	// ScoreBudget is the hard latency budget for a single safety scoring call.
	ScoreBudget time.Duration `env:"LOOM_SCORE_BUDGET" envDefault:"1s"`

	// MaxConcurrentSteps bounds capability invocations across all sessions.
	MaxConcurrentSteps int `env:"LOOM_MAX_CONCURRENT_STEPS" envDefault:"32"`
	// MaxSessionSteps bounds concurrent capability invocations per session
	// so one session cannot starve the others.
	MaxSessionSteps int `env:"LOOM_MAX_SESSION_STEPS" envDefault:"4"`

	// FlagThreshold is the risk level at which a session is marked flagged
	// without altering the turn outcome.
	FlagThreshold core.RiskLevel `env:"LOOM_FLAG_THRESHOLD" envDefault:"moderate"`
	// EscalateThreshold is the risk level that forces escalation.
	EscalateThreshold core.RiskLevel `env:"LOOM_ESCALATE_THRESHOLD" envDefault:"high"`

	// ReplayBuffer is how many events per session the publisher retains
	// for reconnecting subscribers.
	ReplayBuffer int `env:"LOOM_REPLAY_BUFFER" envDefault:"50"`
	// SubscriberQueue bounds each subscriber's outbound queue; a slow
	// subscriber is dropped once it fills, never backpressured into the
	// engine.
	SubscriberQueue int `env:"LOOM_SUBSCRIBER_QUEUE" envDefault:"64"`
	// HealthPingInterval paces liveness events on active session topics.
	HealthPingInterval time.Duration `env:"LOOM_HEALTH_PING_INTERVAL" envDefault:"15s"`

	// SessionTTL is the inactivity window after which sessions are archived.
	SessionTTL time.Duration `env:"LOOM_SESSION_TTL" envDefault:"24h"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `env:"LOOM_LOG_LEVEL" envDefault:"info"`
	// LogFormat is json or text.
	LogFormat string `env:"LOOM_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("LOOM_ADDR cannot be empty")
	}
	if c.MaxInputLen <= 0 {
		return fmt.Errorf("LOOM_MAX_INPUT_LEN must be > 0")
	}
	if c.RetryCeiling < 1 {
		return fmt.Errorf("LOOM_RETRY_CEILING must be >= 1")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff base/cap out of order")
	}
	if c.StepTimeout <= 0 || c.TurnCeiling <= 0 || c.ScoreBudget <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	if c.MaxConcurrentSteps < 1 || c.MaxSessionSteps < 1 {
		return fmt.Errorf("concurrency limits must be >= 1")
	}
	if c.MaxSessionSteps > c.MaxConcurrentSteps {
		return fmt.Errorf("LOOM_MAX_SESSION_STEPS cannot exceed LOOM_MAX_CONCURRENT_STEPS")
	}
	if c.EscalateThreshold < c.FlagThreshold {
		return fmt.Errorf("escalate threshold below flag threshold")
	}
	if c.EscalateThreshold < core.RiskModerate {
		return fmt.Errorf("escalate threshold must be at least moderate")
	}
	if c.ReplayBuffer < 0 || c.SubscriberQueue < 1 {
		return fmt.Errorf("event buffer sizes out of range")
	}
	return nil
}

// StepTimeoutFor returns the deadline for a capability kind.
func (c *Config) StepTimeoutFor(kind string) time.Duration {
	if d, ok := c.StepTimeouts[kind]; ok && d > 0 {
		return d
	}
	return c.StepTimeout
}
