package override

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

type MockJudge struct {
	mock.Mock
}

func (m *MockJudge) Consult(ctx context.Context, req Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController(t *testing.T, enabled bool, judge JudgmentService) (*Controller, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := NewController(Config{UseAIConfirmation: enabled, CacheTTL: 15 * time.Minute}, judge, zaptest.NewLogger(t))
	c.now = clock.now
	return c, clock
}

func lossBreach(scope domain.Scope) domain.BreachEvent {
	return domain.BreachEvent{
		Scope:           scope,
		Kind:            domain.BreachMaxLoss,
		StartValueUSD:   decimal.NewFromInt(1000),
		CurrentValueUSD: decimal.NewFromInt(940),
		PercentChange:   decimal.NewFromInt(-6),
		Threshold:       decimal.NewFromInt(5),
		Mode:            domain.ModePercentage,
		State:           domain.StateBreached,
	}
}

func TestDisabledNeverConsults(t *testing.T) {
	judge := new(MockJudge)
	c, _ := newTestController(t, false, judge)

	for _, scope := range []domain.Scope{domain.GlobalScope(), domain.PositionScope("A")} {
		d := c.Evaluate(context.Background(), lossBreach(scope), Context{})
		assert.Equal(t, domain.ActionSell, d.Action)
		assert.Equal(t, domain.SourceDisabled, d.Source)
	}
	judge.AssertNotCalled(t, "Consult", mock.Anything, mock.Anything)
}

func TestNilJudgeDisablesConfirmation(t *testing.T) {
	c, _ := newTestController(t, true, nil)
	d := c.Evaluate(context.Background(), lossBreach(domain.GlobalScope()), Context{})
	assert.Equal(t, domain.ActionSell, d.Action)
}

func TestMinimumBalanceIsFailClosed(t *testing.T) {
	judge := new(MockJudge)
	c, _ := newTestController(t, true, judge)

	breach := lossBreach(domain.GlobalScope())
	breach.Kind = domain.BreachMinimumBalance
	d := c.Evaluate(context.Background(), breach, Context{})

	assert.Equal(t, domain.ActionSell, d.Action)
	assert.Equal(t, domain.SourceFailSafe, d.Source)
	judge.AssertNotCalled(t, "Consult", mock.Anything, mock.Anything)
}

func TestCachedWithinTTL(t *testing.T) {
	judge := new(MockJudge)
	judge.On("Consult", mock.Anything, mock.Anything).Return("OVERRIDE\nconfidence 93%", nil).Once()
	c, clock := newTestController(t, true, judge)

	ctx := context.Background()
	first := c.Evaluate(ctx, lossBreach(domain.GlobalScope()), Context{})
	clock.advance(14 * time.Minute)
	second := c.Evaluate(ctx, lossBreach(domain.GlobalScope()), Context{})

	assert.Equal(t, domain.ActionKeep, first.Action)
	assert.InDelta(t, 0.93, first.Confidence, 1e-9)
	assert.Equal(t, first, second)
	judge.AssertNumberOfCalls(t, "Consult", 1)
}

func TestReconsultsAfterTTL(t *testing.T) {
	judge := new(MockJudge)
	judge.On("Consult", mock.Anything, mock.Anything).Return("OVERRIDE", nil).Once()
	judge.On("Consult", mock.Anything, mock.Anything).Return("RESPECT_LIMIT", nil).Once()
	c, clock := newTestController(t, true, judge)

	ctx := context.Background()
	assert.Equal(t, domain.ActionKeep, c.Evaluate(ctx, lossBreach(domain.GlobalScope()), Context{}).Action)
	clock.advance(15 * time.Minute)
	assert.Equal(t, domain.ActionSell, c.Evaluate(ctx, lossBreach(domain.GlobalScope()), Context{}).Action)
	judge.AssertNumberOfCalls(t, "Consult", 2)
}

func TestCacheIsPerScope(t *testing.T) {
	judge := new(MockJudge)
	judge.On("Consult", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return r.Breach.Scope.IsGlobal()
	})).Return("OVERRIDE", nil)
	judge.On("Consult", mock.Anything, mock.MatchedBy(func(r Request) bool {
		return !r.Breach.Scope.IsGlobal()
	})).Return("SELL", nil)
	c, _ := newTestController(t, true, judge)

	ctx := context.Background()
	assert.Equal(t, domain.ActionKeep, c.Evaluate(ctx, lossBreach(domain.GlobalScope()), Context{}).Action)
	assert.Equal(t, domain.ActionSell, c.Evaluate(ctx, lossBreach(domain.PositionScope("A")), Context{}).Action)
	judge.AssertNumberOfCalls(t, "Consult", 2)
}

func TestErrorAndUnparseableDefaultToSell(t *testing.T) {
	judge := new(MockJudge)
	judge.On("Consult", mock.Anything, mock.Anything).Return("", errors.New("503 overloaded")).Once()
	judge.On("Consult", mock.Anything, mock.Anything).Return("hmm, not sure", nil).Once()
	c, clock := newTestController(t, true, judge)

	ctx := context.Background()
	d := c.Evaluate(ctx, lossBreach(domain.GlobalScope()), Context{})
	assert.Equal(t, domain.ActionSell, d.Action)
	assert.Equal(t, domain.SourceFailSafe, d.Source)
	assert.Contains(t, d.Rationale, "503")

	clock.advance(16 * time.Minute)
	d = c.Evaluate(ctx, lossBreach(domain.GlobalScope()), Context{})
	assert.Equal(t, domain.ActionSell, d.Action)
	assert.Equal(t, domain.SourceFailSafe, d.Source)
}

func TestForgetClearsCache(t *testing.T) {
	judge := new(MockJudge)
	judge.On("Consult", mock.Anything, mock.Anything).Return("KEEP", nil)
	c, _ := newTestController(t, true, judge)

	ctx := context.Background()
	scope := domain.PositionScope("A")
	c.Evaluate(ctx, lossBreach(scope), Context{})
	c.Forget(scope)
	c.Evaluate(ctx, lossBreach(scope), Context{})
	judge.AssertNumberOfCalls(t, "Consult", 2)
}

func TestRequestCarriesContext(t *testing.T) {
	judge := new(MockJudge)
	var got Request
	judge.On("Consult", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(1).(Request)
	}).Return("KEEP", nil)
	c, _ := newTestController(t, true, judge)

	snap := &domain.PortfolioSnapshot{
		TotalValueUSD: decimal.NewFromInt(940),
		Positions: map[string]domain.Position{
			"A": {Mint: "A", CurrentValueUSD: decimal.NewFromInt(10)},
			"B": {Mint: "B", CurrentValueUSD: decimal.NewFromInt(20)},
		},
	}
	c.Evaluate(context.Background(), lossBreach(domain.PositionScope("B")), Context{Snapshot: snap})

	require.Len(t, got.Positions, 1)
	assert.Equal(t, "B", got.Positions[0].Mint)
	assert.Equal(t, PositionMarkers, got.Markers)
	assert.InDelta(t, LossKeepConfidence, got.MinKeepConfidence, 1e-9)
	assert.True(t, decimal.NewFromInt(940).Equal(got.PortfolioValueUSD))
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "KEEP", truncate("KEEP", 10))

	cut := truncate("KEEP: рост продолжается", 8)
	assert.True(t, utf8.ValidString(cut))
	assert.Equal(t, "KEEP: ро…", cut)
}
