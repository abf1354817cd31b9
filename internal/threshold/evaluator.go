// internal/threshold/evaluator.go
package threshold

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

var (
	ErrUnknownScope      = errors.New("unknown scope")
	ErrInvalidTransition = errors.New("invalid state transition")
)

var hundred = decimal.NewFromInt(100)

// Measurement is the numeric basis of a scope evaluation.
type Measurement struct {
	StartValueUSD   decimal.Decimal `json:"start_value_usd"`
	CurrentValueUSD decimal.Decimal `json:"current_value_usd"`
	ChangeUSD       decimal.Decimal `json:"change_usd"`
	PercentChange   decimal.Decimal `json:"percent_change"`
}

// Evaluation is the result of one pass over a snapshot.
type Evaluation struct {
	Global    Measurement          `json:"global"`
	Breach    *domain.BreachEvent  `json:"breach,omitempty"`
	Positions []domain.BreachEvent `json:"positions,omitempty"`
	// Dropped lists mints whose scopes were removed because the position closed.
	Dropped []string `json:"dropped,omitempty"`
	// BaselineReset is set when the global scope re-entered OK this pass.
	BaselineReset bool `json:"baseline_reset"`
}

// Breached reports whether anything needs a decision.
func (e *Evaluation) Breached() bool {
	return e.Breach != nil || len(e.Positions) > 0
}

// ScopeStatus is a read-only view of one scope for status reporting.
type ScopeStatus struct {
	Scope    string            `json:"scope"`
	State    domain.ScopeState `json:"state"`
	Kind     domain.BreachKind `json:"kind,omitempty"`
	Baseline decimal.Decimal   `json:"baseline_usd"`
}

type scopeState struct {
	state    domain.ScopeState
	kind     domain.BreachKind
	baseline decimal.Decimal
}

// Evaluator tracks breach state for the global scope and for every monitored position.
type Evaluator struct {
	cfg    domain.ThresholdConfig
	logger *zap.Logger

	mu        sync.Mutex
	global    *scopeState
	positions map[string]*scopeState
}

// NewEvaluator создаёт оценщик. Нулевой startBalance означает, что базой станет
// итог первого снимка.
func NewEvaluator(cfg domain.ThresholdConfig, startBalance decimal.Decimal, logger *zap.Logger) *Evaluator {
	e := &Evaluator{
		cfg:       cfg,
		logger:    logger.Named("threshold"),
		positions: make(map[string]*scopeState),
	}
	if startBalance.IsPositive() {
		e.global = &scopeState{state: domain.StateOK, baseline: startBalance}
	}
	return e
}

// Evaluate computes breach status for every scope against one snapshot.
func (e *Evaluator) Evaluate(snap *domain.PortfolioSnapshot) *Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := &Evaluation{}

	if e.global == nil {
		e.global = &scopeState{state: domain.StateOK, baseline: snap.TotalValueUSD}
		e.logger.Info("📍 Global baseline established",
			zap.String("start_balance_usd", snap.TotalValueUSD.StringFixed(2)))
	}

	if e.global.state == domain.StateClosing && len(snap.Positions) == 0 {
		e.logger.Info("♻️ Portfolio flat after close-all, resetting baseline",
			zap.String("previous_baseline_usd", e.global.baseline.StringFixed(2)),
			zap.String("new_baseline_usd", snap.TotalValueUSD.StringFixed(2)))
		e.global = &scopeState{state: domain.StateOK, baseline: snap.TotalValueUSD}
		out.BaselineReset = true
	}

	out.Global = measure(e.global.baseline, snap.TotalValueUSD)
	minBreach := e.belowMinimum(snap.TotalValueUSD)

	if minBreach {
		e.global.state = domain.StateClosing
		e.global.kind = domain.BreachMinimumBalance
		ev := e.event(domain.GlobalScope(), e.global, out.Global, e.cfg.MinimumBalanceUSD)
		ev.Magnitude = e.cfg.MinimumBalanceUSD.Sub(snap.TotalValueUSD)
		out.Breach = &ev
		e.logBreach(ev)
	} else if ev, ok := e.check(domain.GlobalScope(), e.global, out.Global, e.cfg.MaxLossGlobal, e.cfg.MaxGainGlobal); ok {
		out.Breach = &ev
	}

	for _, mint := range snap.Mints() {
		pos := snap.Positions[mint]
		st, ok := e.positions[mint]
		if !ok {
			baseline := pos.EntryValueUSD
			if !baseline.IsPositive() {
				baseline = pos.CurrentValueUSD
			}
			st = &scopeState{state: domain.StateOK, baseline: baseline}
			e.positions[mint] = st
			e.logger.Debug("Position baseline established",
				zap.String("mint", mint),
				zap.String("start_value_usd", baseline.StringFixed(2)))
		}

		m := measure(st.baseline, pos.CurrentValueUSD)
		scope := domain.PositionScope(mint)

		if minBreach {
			st.state = domain.StateClosing
			st.kind = domain.BreachMinimumBalance
			ev := e.event(scope, st, m, e.cfg.MinimumBalanceUSD)
			ev.Magnitude = e.cfg.MinimumBalanceUSD.Sub(snap.TotalValueUSD)
			out.Positions = append(out.Positions, ev)
			continue
		}
		if ev, ok := e.check(scope, st, m, e.cfg.MaxLossPerPosition, e.cfg.MaxGainPerPosition); ok {
			out.Positions = append(out.Positions, ev)
		}
	}

	for mint := range e.positions {
		if _, ok := snap.Positions[mint]; !ok {
			delete(e.positions, mint)
			out.Dropped = append(out.Dropped, mint)
		}
	}
	sort.Strings(out.Dropped)

	return out
}

// check evaluates PnL thresholds for one scope. Latched scopes keep reporting
// their original kind with fresh numbers until the baseline is reset.
func (e *Evaluator) check(scope domain.Scope, st *scopeState, m Measurement, maxLoss, maxGain decimal.Decimal) (domain.BreachEvent, bool) {
	if st.state != domain.StateOK {
		threshold := maxLoss
		if st.kind == domain.BreachMaxGain {
			threshold = maxGain
		} else if st.kind == domain.BreachMinimumBalance {
			threshold = e.cfg.MinimumBalanceUSD
		}
		return e.event(scope, st, m, threshold), true
	}

	kind, threshold, ok := e.crossed(m, maxLoss, maxGain)
	if !ok {
		return domain.BreachEvent{}, false
	}

	st.state = domain.StateBreached
	st.kind = kind
	ev := e.event(scope, st, m, threshold)
	e.logBreach(ev)
	return ev, true
}

// crossed applies the inclusive boundary convention for the active mode.
// A non-positive limit disables its side.
func (e *Evaluator) crossed(m Measurement, maxLoss, maxGain decimal.Decimal) (domain.BreachKind, decimal.Decimal, bool) {
	value := m.ChangeUSD
	if e.cfg.Mode == domain.ModePercentage {
		if !m.StartValueUSD.IsPositive() {
			return "", decimal.Zero, false
		}
		value = m.PercentChange
	}

	switch {
	case maxLoss.IsPositive() && value.LessThanOrEqual(maxLoss.Neg()):
		return domain.BreachMaxLoss, maxLoss, true
	case maxGain.IsPositive() && value.GreaterThanOrEqual(maxGain):
		return domain.BreachMaxGain, maxGain, true
	}
	return "", decimal.Zero, false
}

func (e *Evaluator) belowMinimum(total decimal.Decimal) bool {
	return e.cfg.MinimumBalanceUSD.IsPositive() && total.LessThan(e.cfg.MinimumBalanceUSD)
}

func (e *Evaluator) event(scope domain.Scope, st *scopeState, m Measurement, threshold decimal.Decimal) domain.BreachEvent {
	magnitude := m.ChangeUSD
	if e.cfg.Mode == domain.ModePercentage {
		magnitude = m.PercentChange
	}
	return domain.BreachEvent{
		Scope:           scope,
		Kind:            st.kind,
		Magnitude:       magnitude,
		StartValueUSD:   m.StartValueUSD,
		CurrentValueUSD: m.CurrentValueUSD,
		PercentChange:   m.PercentChange,
		Threshold:       threshold,
		Mode:            e.cfg.Mode,
		State:           st.state,
	}
}

func (e *Evaluator) logBreach(ev domain.BreachEvent) {
	e.logger.Warn("🚨 Risk limit breached",
		zap.String("scope", ev.Scope.Key()),
		zap.String("kind", string(ev.Kind)),
		zap.String("mode", string(ev.Mode)),
		zap.String("start_value_usd", ev.StartValueUSD.StringFixed(2)),
		zap.String("current_value_usd", ev.CurrentValueUSD.StringFixed(2)),
		zap.String("percent_change", ev.PercentChange.StringFixed(2)),
		zap.String("threshold", ev.Threshold.String()),
		zap.String("state", string(ev.State)))
}

// Apply records the decision taken for a breached scope.
// Keep moves BREACHED to OVERRIDDEN, Sell moves BREACHED or OVERRIDDEN to CLOSING.
// A CLOSING scope stays CLOSING until its baseline resets.
func (e *Evaluator) Apply(scope domain.Scope, action domain.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.lookup(scope)
	if st == nil {
		return ErrUnknownScope
	}

	switch st.state {
	case domain.StateOK:
		return ErrInvalidTransition
	case domain.StateClosing:
		if action == domain.ActionKeep {
			return ErrInvalidTransition
		}
		return nil
	}

	if action == domain.ActionKeep {
		st.state = domain.StateOverridden
	} else {
		st.state = domain.StateClosing
	}
	return nil
}

// State returns the current state of a scope.
func (e *Evaluator) State(scope domain.Scope) (domain.ScopeState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.lookup(scope)
	if st == nil {
		return "", false
	}
	return st.state, true
}

// Status lists all scopes, global first.
func (e *Evaluator) Status() []ScopeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ScopeStatus
	if e.global != nil {
		out = append(out, ScopeStatus{
			Scope:    domain.GlobalScope().Key(),
			State:    e.global.state,
			Kind:     e.global.kind,
			Baseline: e.global.baseline,
		})
	}
	mints := make([]string, 0, len(e.positions))
	for mint := range e.positions {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	for _, mint := range mints {
		st := e.positions[mint]
		out = append(out, ScopeStatus{
			Scope:    domain.PositionScope(mint).Key(),
			State:    st.state,
			Kind:     st.kind,
			Baseline: st.baseline,
		})
	}
	return out
}

func (e *Evaluator) lookup(scope domain.Scope) *scopeState {
	if scope.IsGlobal() {
		return e.global
	}
	return e.positions[scope.Mint]
}

func measure(start, current decimal.Decimal) Measurement {
	m := Measurement{
		StartValueUSD:   start,
		CurrentValueUSD: current,
		ChangeUSD:       current.Sub(start),
	}
	if start.IsPositive() {
		m.PercentChange = m.ChangeUSD.Div(start).Mul(hundred)
	}
	return m
}
