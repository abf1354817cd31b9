// internal/domain/breach.go
package domain

import (
	"github.com/shopspring/decimal"
)

const globalScope = "global"

// Scope is the unit of risk evaluation: the whole portfolio or one holding.
type Scope struct {
	Mint string // пусто для глобального скоупа
}

// GlobalScope returns the portfolio-wide scope.
func GlobalScope() Scope { return Scope{} }

// PositionScope returns the scope for one mint.
func PositionScope(mint string) Scope { return Scope{Mint: mint} }

// IsGlobal reports whether the scope covers the whole portfolio.
func (s Scope) IsGlobal() bool { return s.Mint == "" }

// Key is a stable identifier used for caches and metric labels.
func (s Scope) Key() string {
	if s.IsGlobal() {
		return globalScope
	}
	return "position:" + s.Mint
}

func (s Scope) String() string { return s.Key() }

// BreachKind classifies which limit was crossed.
type BreachKind string

const (
	BreachMaxLoss        BreachKind = "max_loss"
	BreachMaxGain        BreachKind = "max_gain"
	BreachMinimumBalance BreachKind = "minimum_balance"
)

// ScopeState is the evaluator state of a scope.
type ScopeState string

const (
	StateOK         ScopeState = "OK"
	StateBreached   ScopeState = "BREACHED"
	StateOverridden ScopeState = "OVERRIDDEN"
	StateClosing    ScopeState = "CLOSING"
)

// BreachEvent is produced by the threshold evaluator and consumed in the same cycle.
// Magnitude is the PnL in the unit of the active mode (percent or USD); for a
// minimum-balance breach it is the shortfall in USD.
type BreachEvent struct {
	Scope           Scope           `json:"scope"`
	Kind            BreachKind      `json:"kind"`
	Magnitude       decimal.Decimal `json:"magnitude"`
	StartValueUSD   decimal.Decimal `json:"start_value_usd"`
	CurrentValueUSD decimal.Decimal `json:"current_value_usd"`
	PercentChange   decimal.Decimal `json:"percent_change"`
	Threshold       decimal.Decimal `json:"threshold"`
	Mode            ThresholdMode   `json:"mode"`
	State           ScopeState      `json:"state"`
}

// FailClosed reports whether the breach can never be overridden.
func (b BreachEvent) FailClosed() bool {
	return b.Kind == BreachMinimumBalance
}

// IsLoss reports whether the breach is on the losing side.
func (b BreachEvent) IsLoss() bool {
	return b.Kind == BreachMaxLoss || b.Kind == BreachMinimumBalance
}
