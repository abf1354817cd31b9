// internal/domain/decision.go
package domain

import "time"

// Action is what should happen to a breached scope.
type Action string

const (
	ActionKeep Action = "KEEP"
	ActionSell Action = "SELL"
)

// DecisionSource tells where a decision came from.
type DecisionSource string

const (
	SourceJudgment DecisionSource = "judgment"
	SourceFailSafe DecisionSource = "fail_safe"
	SourceDisabled DecisionSource = "disabled"
	// SourceLatched marks a scope that is already closing from an earlier cycle.
	SourceLatched DecisionSource = "latched"
)

// Decision is the outcome of an override evaluation.
type Decision struct {
	Action     Action         `json:"action"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale"`
	Source     DecisionSource `json:"source"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// FailSafeSell builds the risk-reducing default decision.
func FailSafeSell(source DecisionSource, rationale string, at time.Time) Decision {
	return Decision{
		Action:     ActionSell,
		Confidence: 1,
		Rationale:  rationale,
		Source:     source,
		DecidedAt:  at,
	}
}
