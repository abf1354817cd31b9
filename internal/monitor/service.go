// internal/monitor/service.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
	"github.com/rovshanmuradov/solana-riskguard/internal/ledger"
	"github.com/rovshanmuradov/solana-riskguard/internal/override"
	"github.com/rovshanmuradov/solana-riskguard/internal/threshold"
	"github.com/rovshanmuradov/solana-riskguard/internal/unwind"
	"github.com/rovshanmuradov/solana-riskguard/internal/utils/logger"
	"github.com/rovshanmuradov/solana-riskguard/internal/utils/metrics"
)

const (
	DefaultCycleInterval = 15 * time.Minute
	DefaultErrorBackoff  = time.Minute
)

var ErrCycleInProgress = errors.New("monitor cycle already in progress")

// Stage is the position of the loop inside one cycle.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageValuating  Stage = "valuating"
	StageEvaluating Stage = "evaluating"
	StageConsulting Stage = "consulting"
	StageUnwinding  Stage = "unwinding"
	StageLogging    Stage = "logging"
	StageSleeping   Stage = "sleeping"
)

// Valuator produces the snapshot of one cycle.
type Valuator interface {
	Valuate(ctx context.Context) (*domain.PortfolioSnapshot, error)
}

// Evaluator tracks breach state across cycles.
type Evaluator interface {
	Evaluate(snap *domain.PortfolioSnapshot) *threshold.Evaluation
	Apply(scope domain.Scope, action domain.Action) error
}

// OverrideController resolves a breach into a decision.
type OverrideController interface {
	Evaluate(ctx context.Context, breach domain.BreachEvent, bctx override.Context) domain.Decision
	Forget(scope domain.Scope)
}

// Unwinder liquidates one position.
type Unwinder interface {
	Unwind(ctx context.Context, mint string) (*unwind.Result, error)
}

// Config задаёт расписание цикла.
type Config struct {
	CycleInterval time.Duration
	ErrorBackoff  time.Duration
}

// Deps are the collaborators of the loop. Metrics is optional.
type Deps struct {
	Valuator  Valuator
	Evaluator Evaluator
	Override  OverrideController
	Unwinder  Unwinder
	Ledger    ledger.Ledger
	Metrics   *metrics.Collector
}

// ScopeDecision pairs a breach with the decision taken for it.
type ScopeDecision struct {
	Scope    string             `json:"scope"`
	Breach   domain.BreachEvent `json:"breach"`
	Decision domain.Decision    `json:"decision"`
}

// UnwindOutcome is the result of one liquidation attempted during a cycle.
type UnwindOutcome struct {
	Mint   string         `json:"mint"`
	Result *unwind.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// CycleReport описывает один завершённый цикл.
type CycleReport struct {
	ID            uuid.UUID                 `json:"id"`
	StartedAt     time.Time                 `json:"started_at"`
	FinishedAt    time.Time                 `json:"finished_at"`
	Snapshot      *domain.PortfolioSnapshot `json:"snapshot,omitempty"`
	Evaluation    *threshold.Evaluation     `json:"evaluation,omitempty"`
	Decisions     []ScopeDecision           `json:"decisions,omitempty"`
	Unwinds       []UnwindOutcome           `json:"unwinds,omitempty"`
	LedgerWritten bool                      `json:"ledger_written"`
	Error         string                    `json:"error,omitempty"`
}

// Duration returns how long the cycle took.
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Service is the risk monitor loop. Cycles never overlap.
type Service struct {
	cfg  Config
	deps Deps

	log    *logger.Logger
	logger *zap.Logger
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error

	running sync.Mutex

	mu    sync.RWMutex
	stage Stage
	last  *CycleReport
	hooks []func(*CycleReport)
}

// NewService создаёт цикл мониторинга рисков.
func NewService(cfg Config, deps Deps, log *logger.Logger) *Service {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	named := log.Child("monitor")
	return &Service{
		cfg:    cfg,
		deps:   deps,
		log:    named,
		logger: named.Logger,
		now:    time.Now,
		wait:   waitContext,
		stage:  StageIdle,
	}
}

// OnReport registers a callback invoked after every cycle.
func (s *Service) OnReport(fn func(*CycleReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Stage returns the current stage of the loop.
func (s *Service) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// LastReport returns the report of the most recent cycle, or nil.
func (s *Service) LastReport() *CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Service) setStage(st Stage) {
	s.mu.Lock()
	s.stage = st
	s.mu.Unlock()
}

// Run executes cycles until ctx is cancelled. A started cycle always runs to
// completion; cancellation is observed only while sleeping.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("🛡️ Risk monitor started",
		zap.Duration("cycle_interval", s.cfg.CycleInterval),
		zap.Duration("error_backoff", s.cfg.ErrorBackoff))

	for {
		if ctx.Err() != nil {
			break
		}

		delay := s.cfg.CycleInterval
		if err := s.safeCycle(context.WithoutCancel(ctx)); err != nil {
			if errors.Is(err, ErrCycleInProgress) {
				s.logger.Info("Skipping tick, previous cycle still running")
			} else {
				delay = s.cfg.ErrorBackoff
				s.logger.Error("Cycle failed, backing off",
					zap.Duration("backoff", delay),
					zap.Error(err))
			}
		}

		s.setStage(StageSleeping)
		if err := s.wait(ctx, delay); err != nil {
			break
		}
	}

	s.setStage(StageIdle)
	s.logger.Info("Risk monitor stopped")
	return nil
}

func (s *Service) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in monitor cycle", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic in cycle: %v", r)
		}
	}()
	_, err = s.RunCycle(ctx)
	return err
}

// RunCycle performs one full valuation, evaluation, decision, unwind and ledger
// pass. It returns ErrCycleInProgress if another cycle is running.
func (s *Service) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !s.running.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer s.running.Unlock()
	defer s.setStage(StageIdle)

	id, log := s.log.WithCycle()
	report := &CycleReport{ID: id, StartedAt: s.now()}

	result := "ok"
	err := s.cycle(ctx, report, log)
	if err != nil {
		report.Error = err.Error()
		result = "error"
		var verr *domain.ValuationError
		if errors.As(err, &verr) {
			result = "valuation_error"
		}
	}
	report.FinishedAt = s.now()
	s.deps.Metrics.RecordCycle(result, report.Duration())

	log.Info("Cycle finished",
		zap.String("result", result),
		zap.Duration("duration", report.Duration()),
		zap.Int("decisions", len(report.Decisions)),
		zap.Int("unwinds", len(report.Unwinds)))

	s.mu.Lock()
	s.last = report
	hooks := append(([]func(*CycleReport))(nil), s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(report)
	}

	return report, err
}

func (s *Service) cycle(ctx context.Context, report *CycleReport, log *logger.Logger) error {
	s.setStage(StageValuating)
	done := log.TrackPerformance("valuate")
	snap, err := s.deps.Valuator.Valuate(ctx)
	done()
	if err != nil {
		return fmt.Errorf("valuation: %w", err)
	}
	report.Snapshot = snap
	s.deps.Metrics.SetPortfolio(snap)

	s.setStage(StageEvaluating)
	eval := s.deps.Evaluator.Evaluate(snap)
	report.Evaluation = eval
	s.forgetStale(eval)

	if eval.Breached() {
		s.setStage(StageConsulting)
		sell := s.decideAll(ctx, snap, eval, report, log)

		if len(sell) > 0 {
			s.setStage(StageUnwinding)
			s.unwindAll(ctx, sell, report, log)
		}
	} else {
		log.Info("No limits breached",
			zap.String("total_usd", snap.TotalValueUSD.StringFixed(2)),
			zap.String("start_usd", eval.Global.StartValueUSD.StringFixed(2)),
			zap.String("percent_change", eval.Global.PercentChange.StringFixed(2)))
	}

	s.setStage(StageLogging)
	written, err := s.deps.Ledger.Record(ctx, snap.Timestamp, snap.TotalValueUSD)
	if err != nil {
		log.Error("Failed to record balance", zap.Error(err))
	}
	if written {
		report.LedgerWritten = true
		s.deps.Metrics.RecordLedgerWrite()
		log.Info("📒 Balance recorded", zap.String("total_usd", snap.TotalValueUSD.StringFixed(2)))
	}
	return nil
}

func (s *Service) forgetStale(eval *threshold.Evaluation) {
	for _, mint := range eval.Dropped {
		s.deps.Override.Forget(domain.PositionScope(mint))
	}
	if eval.BaselineReset {
		s.deps.Override.Forget(domain.GlobalScope())
	}
}

// decideAll resolves every breach of the cycle and returns the mints to sell in
// order. A global Sell covers every position in the snapshot.
func (s *Service) decideAll(ctx context.Context, snap *domain.PortfolioSnapshot, eval *threshold.Evaluation, report *CycleReport, log *logger.Logger) []string {
	selling := make(map[string]struct{})

	if eval.Breach != nil {
		d := s.decide(ctx, *eval.Breach, snap, report, log)
		if d.Action == domain.ActionSell {
			for _, mint := range snap.Mints() {
				selling[mint] = struct{}{}
			}
			log.Warn("Global sell covers all positions", zap.Int("positions", len(selling)))
		}
	}

	for _, breach := range eval.Positions {
		mint := breach.Scope.Mint
		if _, ok := selling[mint]; ok {
			if err := s.deps.Evaluator.Apply(breach.Scope, domain.ActionSell); err != nil {
				log.Warn("Failed to mark position closing", zap.String("mint", mint), zap.Error(err))
			}
			continue
		}
		if d := s.decide(ctx, breach, snap, report, log); d.Action == domain.ActionSell {
			selling[mint] = struct{}{}
		}
	}

	mints := make([]string, 0, len(selling))
	for mint := range selling {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints
}

func (s *Service) decide(ctx context.Context, breach domain.BreachEvent, snap *domain.PortfolioSnapshot, report *CycleReport, cycleLog *logger.Logger) domain.Decision {
	s.deps.Metrics.RecordBreach(breach)
	log := cycleLog.WithScope(breach.Scope)

	var d domain.Decision
	if breach.State == domain.StateClosing && !breach.FailClosed() {
		d = domain.FailSafeSell(domain.SourceLatched, "scope already closing, continuing liquidation", s.now())
	} else {
		d = s.deps.Override.Evaluate(ctx, breach, override.Context{Snapshot: snap, Market: marketData(snap)})
	}

	if err := s.deps.Evaluator.Apply(breach.Scope, d.Action); err != nil {
		log.Warn("Failed to apply decision",
			zap.String("action", string(d.Action)),
			zap.Error(err))
	}

	s.deps.Metrics.RecordDecision(d)
	report.Decisions = append(report.Decisions, ScopeDecision{
		Scope:    breach.Scope.Key(),
		Breach:   breach,
		Decision: d,
	})

	log.Info(fmt.Sprintf("🧭 Decision for %s: %s", breach.Scope.Key(), d.Action),
		zap.String("kind", string(breach.Kind)),
		zap.String("source", string(d.Source)),
		zap.Float64("confidence", d.Confidence),
		zap.String("current_value_usd", breach.CurrentValueUSD.StringFixed(2)),
		zap.String("threshold", breach.Threshold.String()),
		zap.String("percent_change", breach.PercentChange.StringFixed(2)))
	return d
}

// unwindAll liquidates positions one after another; a failure on one mint is
// recorded and the next mint is still processed.
func (s *Service) unwindAll(ctx context.Context, mints []string, report *CycleReport, cycleLog *logger.Logger) {
	for _, mint := range mints {
		log := cycleLog.WithScope(domain.PositionScope(mint))
		res, err := s.deps.Unwinder.Unwind(ctx, mint)
		outcome := UnwindOutcome{Mint: mint, Result: res}

		if res != nil {
			for _, o := range res.Orders {
				s.deps.Metrics.RecordOrder(o.Error == "")
			}
		}

		var stalled *domain.LiquidationStalledError
		switch {
		case errors.As(err, &stalled):
			outcome.Error = err.Error()
			s.deps.Metrics.RecordUnwind("stalled")
			log.Error("🔻 Liquidation stalled, will retry next cycle",
				zap.Int("passes", stalled.Passes),
				zap.String("remaining_usd", stalled.RemainingValue.StringFixed(2)))
		case err != nil:
			outcome.Error = err.Error()
			s.deps.Metrics.RecordUnwind("error")
			log.Error("🔻 Unwind failed", zap.Error(err))
		default:
			s.deps.Metrics.RecordUnwind("closed")
		}

		report.Unwinds = append(report.Unwinds, outcome)
	}
}

// marketData summarises the cycle's quotes for the judgment service.
func marketData(snap *domain.PortfolioSnapshot) map[string]string {
	market := make(map[string]string, len(snap.Positions)+1)
	for mint, p := range snap.Positions {
		if p.PriceUSD.IsPositive() {
			market[mint+" quote"] = "price $" + p.PriceUSD.String()
		} else {
			market[mint+" quote"] = "no quote, valued at $0"
		}
	}
	if snap.ReserveValueUSD.IsPositive() {
		market["reserves"] = "$" + snap.ReserveValueUSD.StringFixed(2) + " in stable and native reserves"
	}
	return market
}

func waitContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
