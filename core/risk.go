package core

import "fmt"

// RiskLevel is the ordered severity scale produced by safety scoring.
// Ordering is significant: threshold comparisons throughout the safety
// pipeline rely on RiskNone < RiskLow < RiskModerate < RiskHigh < RiskCritical.
type RiskLevel int

const (
	// RiskNone indicates no crisis indicators were detected.
	RiskNone RiskLevel = iota
	// RiskLow indicates mild indicators that require no action.
	RiskLow
	// RiskModerate indicates indicators that flag the session for review
	// without changing the turn's outcome.
	RiskModerate
	// RiskHigh indicates indicators that force escalation of the turn.
	RiskHigh
	// RiskCritical indicates acute crisis indicators; the turn is always
	// escalated regardless of workflow stage.
	RiskCritical
)

var riskNames = [...]string{"none", "low", "moderate", "high", "critical"}

// String returns the lower-case wire name of the level.
func (r RiskLevel) String() string {
	if r < RiskNone || r > RiskCritical {
		return "unknown"
	}
	return riskNames[r]
}

// ParseRiskLevel converts a wire/config name into a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, name := range riskNames {
		if name == s {
			return RiskLevel(i), nil
		}
	}
	return RiskNone, fmt.Errorf("unknown risk level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so risk thresholds can
// be parsed straight from configuration values.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	lvl, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = lvl
	return nil
}

// SafetyStatus is the session-level safety disposition.
type SafetyStatus string

const (
	// SafetyClear means no assessment has flagged the session.
	SafetyClear SafetyStatus = "clear"
	// SafetyFlagged means at least one moderate-or-above assessment was
	// recorded; visible to monitoring collaborators.
	SafetyFlagged SafetyStatus = "flagged"
	// SafetyEscalated means a high/critical assessment forced escalation.
	// Escalated sessions are pinned to conservative scoring until an
	// external reviewer clears them.
	SafetyEscalated SafetyStatus = "escalated"
)

// severityRank orders safety statuses so that a session's status is only ever
// raised, never silently weakened.
func (s SafetyStatus) severityRank() int {
	switch s {
	case SafetyFlagged:
		return 1
	case SafetyEscalated:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s SafetyStatus) AtLeast(other SafetyStatus) bool {
	return s.severityRank() >= other.severityRank()
}
