package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
	"github.com/rovshanmuradov/solana-riskguard/internal/override"
	"github.com/rovshanmuradov/solana-riskguard/internal/threshold"
	"github.com/rovshanmuradov/solana-riskguard/internal/unwind"
	"github.com/rovshanmuradov/solana-riskguard/internal/utils/logger"
)

const (
	bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	wif  = "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type MockValuator struct {
	mock.Mock
}

func (m *MockValuator) Valuate(ctx context.Context) (*domain.PortfolioSnapshot, error) {
	args := m.Called(ctx)
	snap, _ := args.Get(0).(*domain.PortfolioSnapshot)
	return snap, args.Error(1)
}

type MockOverride struct {
	mock.Mock
}

func (m *MockOverride) Evaluate(ctx context.Context, breach domain.BreachEvent, bctx override.Context) domain.Decision {
	args := m.Called(ctx, breach, bctx)
	return args.Get(0).(domain.Decision)
}

func (m *MockOverride) Forget(scope domain.Scope) {
	m.Called(scope)
}

type MockUnwinder struct {
	mock.Mock
}

func (m *MockUnwinder) Unwind(ctx context.Context, mint string) (*unwind.Result, error) {
	args := m.Called(ctx, mint)
	res, _ := args.Get(0).(*unwind.Result)
	return res, args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Record(ctx context.Context, at time.Time, totalUSD decimal.Decimal) (bool, error) {
	args := m.Called(ctx, at, totalUSD)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) Last() (time.Time, bool) { return time.Time{}, false }

func (m *MockLedger) Close() error { return nil }

// judgeFunc adapts a function to override.JudgmentService.
type judgeFunc func(ctx context.Context, req override.Request) (string, error)

func (f judgeFunc) Consult(ctx context.Context, req override.Request) (string, error) {
	return f(ctx, req)
}

func thresholds() domain.ThresholdConfig {
	return domain.ThresholdConfig{
		Mode:               domain.ModePercentage,
		MaxLossGlobal:      d(5),
		MaxGainGlobal:      d(30),
		MaxLossPerPosition: d(50),
		MaxGainPerPosition: d(50),
		MinimumBalanceUSD:  d(50),
	}
}

func snapshot(positions ...domain.Position) *domain.PortfolioSnapshot {
	snap := &domain.PortfolioSnapshot{
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Positions: make(map[string]domain.Position),
	}
	for _, p := range positions {
		snap.Positions[p.Mint] = p
		snap.TotalValueUSD = snap.TotalValueUSD.Add(p.CurrentValueUSD)
	}
	return snap
}

func position(mint string, entry, current float64) domain.Position {
	return domain.Position{Mint: mint, Amount: d(1000), Decimals: 6, EntryValueUSD: d(entry), CurrentValueUSD: d(current)}
}

type fixture struct {
	valuator  *MockValuator
	evaluator *threshold.Evaluator
	unwinder  *MockUnwinder
	ledger    *MockLedger
	service   *Service
}

func newFixture(t *testing.T, ctrl OverrideController) *fixture {
	t.Helper()
	zl := zaptest.NewLogger(t)
	f := &fixture{
		valuator:  new(MockValuator),
		evaluator: threshold.NewEvaluator(thresholds(), d(1000), zl),
		unwinder:  new(MockUnwinder),
		ledger:    new(MockLedger),
	}
	f.service = NewService(Config{}, Deps{
		Valuator:  f.valuator,
		Evaluator: f.evaluator,
		Override:  ctrl,
		Unwinder:  f.unwinder,
		Ledger:    f.ledger,
	}, logger.Wrap(zl))
	return f
}

func disabledController(t *testing.T) *override.Controller {
	return override.NewController(override.Config{UseAIConfirmation: false}, nil, zaptest.NewLogger(t))
}

func closed(mint string) *unwind.Result {
	return &unwind.Result{Mint: mint, Closed: true, Passes: 1}
}

func TestRunCycleWithoutBreachOnlyRecordsBalance(t *testing.T) {
	ctrl := new(MockOverride)
	f := newFixture(t, ctrl)
	snap := snapshot(position(bonk, 500, 490), position(wif, 500, 500))
	f.valuator.On("Valuate", mock.Anything).Return(snap, nil)
	f.ledger.On("Record", mock.Anything, snap.Timestamp, snap.TotalValueUSD).Return(true, nil)

	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, report.LedgerWritten)
	assert.Empty(t, report.Decisions)
	assert.Empty(t, report.Unwinds)
	assert.False(t, report.Evaluation.Breached())
	ctrl.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything)
	f.unwinder.AssertNotCalled(t, "Unwind", mock.Anything, mock.Anything)
	assert.Equal(t, StageIdle, f.service.Stage())
	assert.Same(t, report, f.service.LastReport())
}

func TestRunCycleGlobalLossSellsEveryPosition(t *testing.T) {
	f := newFixture(t, disabledController(t))
	// 1000 -> 940 is -6% against a 5% limit; positions stay inside their own limits
	snap := snapshot(position(bonk, 530, 500), position(wif, 470, 440))
	f.valuator.On("Valuate", mock.Anything).Return(snap, nil)
	f.unwinder.On("Unwind", mock.Anything, bonk).Return(closed(bonk), nil)
	f.unwinder.On("Unwind", mock.Anything, wif).Return(closed(wif), nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	require.NotNil(t, report.Evaluation.Breach)
	assert.Equal(t, domain.BreachMaxLoss, report.Evaluation.Breach.Kind)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, domain.ActionSell, report.Decisions[0].Decision.Action)
	assert.Equal(t, domain.SourceDisabled, report.Decisions[0].Decision.Source)

	require.Len(t, report.Unwinds, 2)
	assert.Equal(t, bonk, report.Unwinds[0].Mint)
	assert.Equal(t, wif, report.Unwinds[1].Mint)

	state, ok := f.evaluator.State(domain.GlobalScope())
	require.True(t, ok)
	assert.Equal(t, domain.StateClosing, state)
}

func TestRunCycleMinimumBalanceClosesWithoutConsultation(t *testing.T) {
	consulted := 0
	judge := judgeFunc(func(context.Context, override.Request) (string, error) {
		consulted++
		return "OVERRIDE", nil
	})
	ctrl := override.NewController(override.Config{UseAIConfirmation: true}, judge, zaptest.NewLogger(t))
	f := newFixture(t, ctrl)

	snap := snapshot(position(bonk, 40, 40))
	f.valuator.On("Valuate", mock.Anything).Return(snap, nil)
	f.unwinder.On("Unwind", mock.Anything, bonk).Return(closed(bonk), nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, consulted)
	assert.Equal(t, domain.BreachMinimumBalance, report.Evaluation.Breach.Kind)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, domain.SourceFailSafe, report.Decisions[0].Decision.Source)
	require.Len(t, report.Unwinds, 1)

	state, _ := f.evaluator.State(domain.PositionScope(bonk))
	assert.Equal(t, domain.StateClosing, state)
}

func TestRunCyclePositionKeepIsNotUnwound(t *testing.T) {
	ctrl := new(MockOverride)
	ctrl.On("Evaluate", mock.Anything, mock.MatchedBy(func(b domain.BreachEvent) bool {
		return b.Scope == domain.PositionScope(bonk)
	}), mock.Anything).Return(domain.Decision{Action: domain.ActionKeep, Confidence: 0.8, Source: domain.SourceJudgment})
	f := newFixture(t, ctrl)

	// 50 -> 77 is +54% against a 50% per-position limit
	snap := snapshot(position(bonk, 50, 77), position(wif, 950, 950))
	f.valuator.On("Valuate", mock.Anything).Return(snap, nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Nil(t, report.Evaluation.Breach)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, domain.BreachMaxGain, report.Decisions[0].Breach.Kind)
	assert.Empty(t, report.Unwinds)

	state, _ := f.evaluator.State(domain.PositionScope(bonk))
	assert.Equal(t, domain.StateOverridden, state)
}

func TestRunCycleKeepRationaleMentioningSellIsKept(t *testing.T) {
	var got override.Request
	judge := judgeFunc(func(_ context.Context, req override.Request) (string, error) {
		got = req
		return "KEEP: momentum intact, no reason to sell yet", nil
	})
	ctrl := override.NewController(override.Config{UseAIConfirmation: true}, judge, zaptest.NewLogger(t))
	f := newFixture(t, ctrl)

	pumped := position(bonk, 50, 77)
	pumped.PriceUSD = d(0.077)
	snap := snapshot(pumped, position(wif, 950, 950))
	f.valuator.On("Valuate", mock.Anything).Return(snap, nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Decisions, 1)
	assert.Equal(t, domain.ActionKeep, report.Decisions[0].Decision.Action)
	assert.Empty(t, report.Unwinds)
	assert.Equal(t, "price $0.077", got.Market[bonk+" quote"])
	assert.Equal(t, "no quote, valued at $0", got.Market[wif+" quote"])
}

func TestRunCycleClosingScopeIsLatched(t *testing.T) {
	ctrl := new(MockOverride)
	ctrl.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).
		Return(domain.Decision{Action: domain.ActionSell, Source: domain.SourceJudgment}).Once()
	f := newFixture(t, ctrl)

	snap := snapshot(position(bonk, 900, 900))
	f.valuator.On("Valuate", mock.Anything).Return(snap, nil)
	stalled := &domain.LiquidationStalledError{Mint: bonk, Passes: unwind.DefaultMaxPasses, RemainingValue: d(900)}
	f.unwinder.On("Unwind", mock.Anything, bonk).Return(&unwind.Result{Mint: bonk, Passes: unwind.DefaultMaxPasses}, stalled)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	first, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Unwinds, 1)
	assert.Contains(t, first.Unwinds[0].Error, "stalled")

	second, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, second.Decisions, 1)
	assert.Equal(t, domain.SourceLatched, second.Decisions[0].Decision.Source)
	assert.Equal(t, domain.ActionSell, second.Decisions[0].Decision.Action)

	ctrl.AssertNumberOfCalls(t, "Evaluate", 1)
	f.unwinder.AssertNumberOfCalls(t, "Unwind", 2)
}

func TestRunCycleUnwindErrorDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t, disabledController(t))
	snap := snapshot(position(bonk, 530, 500), position(wif, 470, 440))
	f.valuator.On("Valuate", mock.Anything).Return(snap, nil)
	f.unwinder.On("Unwind", mock.Anything, bonk).Return(&unwind.Result{Mint: bonk}, errors.New("initial read: rpc down"))
	f.unwinder.On("Unwind", mock.Anything, wif).Return(closed(wif), nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Unwinds, 2)
	assert.Contains(t, report.Unwinds[0].Error, "rpc down")
	assert.Empty(t, report.Unwinds[1].Error)
	assert.True(t, report.Unwinds[1].Result.Closed)
	assert.True(t, report.LedgerWritten)
}

func TestRunCycleValuationErrorSkipsCycle(t *testing.T) {
	ctrl := new(MockOverride)
	f := newFixture(t, ctrl)
	verr := &domain.ValuationError{Stage: "price", Attempts: 3, Err: errors.New("connection refused")}
	f.valuator.On("Valuate", mock.Anything).Return(nil, verr)

	report, err := f.service.RunCycle(context.Background())

	var got *domain.ValuationError
	require.ErrorAs(t, err, &got)
	assert.Nil(t, report.Snapshot)
	assert.NotEmpty(t, report.Error)
	f.ledger.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything)
	assert.Same(t, report, f.service.LastReport())
}

func TestRunCycleLedgerErrorIsNotFatal(t *testing.T) {
	f := newFixture(t, new(MockOverride))
	f.valuator.On("Valuate", mock.Anything).Return(snapshot(position(bonk, 1000, 1000)), nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("disk full"))

	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.LedgerWritten)
	assert.Empty(t, report.Error)
}

func TestRunCycleForgetsDroppedScopes(t *testing.T) {
	ctrl := new(MockOverride)
	ctrl.On("Forget", domain.PositionScope(wif)).Once()
	f := newFixture(t, ctrl)

	f.valuator.On("Valuate", mock.Anything).Return(snapshot(position(bonk, 500, 500), position(wif, 500, 500)), nil).Once()
	f.valuator.On("Valuate", mock.Anything).Return(snapshot(position(bonk, 1000, 1000)), nil).Once()
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	_, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{wif}, report.Evaluation.Dropped)
	ctrl.AssertExpectations(t)
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	f := newFixture(t, new(MockOverride))
	entered := make(chan struct{})
	release := make(chan struct{})
	f.valuator.On("Valuate", mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(snapshot(position(bonk, 1000, 1000)), nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.service.RunCycle(context.Background())
		assert.NoError(t, err)
	}()

	<-entered
	assert.Equal(t, StageValuating, f.service.Stage())
	_, err := f.service.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	wg.Wait()
}

func TestRunCycleInvokesReportHooks(t *testing.T) {
	f := newFixture(t, new(MockOverride))
	f.valuator.On("Valuate", mock.Anything).Return(snapshot(position(bonk, 1000, 1000)), nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	var got *CycleReport
	f.service.OnReport(func(r *CycleReport) { got = r })

	report, err := f.service.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Same(t, report, got)
	assert.NotEqual(t, report.ID.String(), "00000000-0000-0000-0000-000000000000")
}

// waitRecorder stands in for the inter-cycle sleep and cancels after n waits.
type waitRecorder struct {
	waits  []time.Duration
	n      int
	cancel context.CancelFunc
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	if len(w.waits) >= w.n {
		w.cancel()
	}
	return ctx.Err()
}

func TestRunBacksOffAfterFailedCycle(t *testing.T) {
	f := newFixture(t, new(MockOverride))
	f.valuator.On("Valuate", mock.Anything).Return(nil, &domain.ValuationError{Stage: "holdings", Err: errors.New("down")}).Once()
	f.valuator.On("Valuate", mock.Anything).Return(snapshot(position(bonk, 1000, 1000)), nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &waitRecorder{n: 2, cancel: cancel}
	f.service.wait = rec.wait

	require.NoError(t, f.service.Run(ctx))
	assert.Equal(t, []time.Duration{DefaultErrorBackoff, DefaultCycleInterval}, rec.waits)
	f.valuator.AssertNumberOfCalls(t, "Valuate", 2)
}

func TestRunSurvivesPanickingCycle(t *testing.T) {
	f := newFixture(t, new(MockOverride))
	f.valuator.On("Valuate", mock.Anything).Run(func(mock.Arguments) {
		panic("nil snapshot")
	}).Return(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &waitRecorder{n: 1, cancel: cancel}
	f.service.wait = rec.wait

	require.NoError(t, f.service.Run(ctx))
	assert.Equal(t, []time.Duration{DefaultErrorBackoff}, rec.waits)
}

func TestRunNotStartedWhenContextDone(t *testing.T) {
	f := newFixture(t, new(MockOverride))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.service.Run(ctx))
	f.valuator.AssertNotCalled(t, "Valuate", mock.Anything)
}
