// internal/override/controller.go
package override

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

const (
	DefaultCacheTTL = 15 * time.Minute
	// LossKeepConfidence is the confidence the judgment service is asked to
	// reach before keeping a losing position.
	LossKeepConfidence = 0.90
)

var ErrUnparseableVerdict = errors.New("reply contains no verdict marker")

// JudgmentService is the external capability consulted on a breach.
type JudgmentService interface {
	Consult(ctx context.Context, req Request) (string, error)
}

// Request is the structured context handed to the judgment service.
type Request struct {
	Breach            domain.BreachEvent `json:"breach"`
	Markers           Markers            `json:"markers"`
	MinKeepConfidence float64            `json:"min_keep_confidence,omitempty"`
	PortfolioValueUSD decimal.Decimal    `json:"portfolio_value_usd"`
	Positions         []domain.Position  `json:"positions"`
	Market            map[string]string  `json:"market,omitempty"`
	RequestedAt       time.Time          `json:"requested_at"`
}

// Context is what the caller knows about the portfolio when asking for a decision.
type Context struct {
	Snapshot *domain.PortfolioSnapshot
	Market   map[string]string
}

// Config управляет поведением контроллера.
type Config struct {
	UseAIConfirmation bool
	CacheTTL          time.Duration
}

type cachedDecision struct {
	decision domain.Decision
	at       time.Time
}

// Controller decides KEEP or SELL for breached scopes.
type Controller struct {
	cfg    Config
	judge  JudgmentService
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedDecision
}

// NewController создаёт контроллер. judge может быть nil, если подтверждение выключено.
func NewController(cfg Config, judge JudgmentService, logger *zap.Logger) *Controller {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if judge == nil {
		cfg.UseAIConfirmation = false
	}
	return &Controller{
		cfg:    cfg,
		judge:  judge,
		logger: logger.Named("override"),
		now:    time.Now,
		cache:  make(map[string]cachedDecision),
	}
}

// Evaluate returns the decision for one breach. It consults the judgment
// service at most once per scope within the cache TTL and falls back to Sell
// on any failure.
func (c *Controller) Evaluate(ctx context.Context, breach domain.BreachEvent, bctx Context) domain.Decision {
	scope := breach.Scope
	log := c.logger.With(
		zap.String("scope", scope.Key()),
		zap.String("kind", string(breach.Kind)))

	if breach.FailClosed() {
		d := domain.FailSafeSell(domain.SourceFailSafe, "minimum balance breached, override not permitted", c.now())
		log.Warn("🧭 Fail-closed breach, selling without consultation",
			zap.String("current_value_usd", breach.CurrentValueUSD.StringFixed(2)),
			zap.String("threshold_usd", breach.Threshold.StringFixed(2)))
		return d
	}

	if !c.cfg.UseAIConfirmation {
		d := domain.FailSafeSell(domain.SourceDisabled, "judgment confirmation disabled", c.now())
		log.Info("🧭 Confirmation disabled, selling")
		return d
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if hit, ok := c.cache[scope.Key()]; ok && c.now().Sub(hit.at) < c.cfg.CacheTTL {
		log.Info("🧭 Reusing cached decision",
			zap.String("action", string(hit.decision.Action)),
			zap.Duration("age", c.now().Sub(hit.at)))
		return hit.decision
	}

	d := c.consult(ctx, breach, bctx, log)
	c.cache[scope.Key()] = cachedDecision{decision: d, at: c.now()}
	return d
}

func (c *Controller) consult(ctx context.Context, breach domain.BreachEvent, bctx Context, log *zap.Logger) domain.Decision {
	markers := MarkersFor(breach.Scope)
	req := Request{
		Breach:      breach,
		Markers:     markers,
		Market:      bctx.Market,
		RequestedAt: c.now(),
	}
	if breach.IsLoss() {
		req.MinKeepConfidence = LossKeepConfidence
	}
	if snap := bctx.Snapshot; snap != nil {
		req.PortfolioValueUSD = snap.TotalValueUSD
		for _, mint := range snap.Mints() {
			p := snap.Positions[mint]
			if breach.Scope.IsGlobal() || mint == breach.Scope.Mint {
				req.Positions = append(req.Positions, p)
			}
		}
	}

	log.Info("🤖 Consulting judgment service",
		zap.String("current_value_usd", breach.CurrentValueUSD.StringFixed(2)),
		zap.String("start_value_usd", breach.StartValueUSD.StringFixed(2)),
		zap.String("percent_change", breach.PercentChange.StringFixed(2)))

	reply, err := c.judge.Consult(ctx, req)
	if err != nil {
		cerr := &domain.ConsultationError{Scope: breach.Scope, Err: err}
		log.Error("Judgment consultation failed, defaulting to sell", zap.Error(cerr))
		return domain.FailSafeSell(domain.SourceFailSafe, cerr.Error(), c.now())
	}

	verdict := ParseVerdict(reply, markers)
	if verdict == VerdictUnparseable {
		cerr := &domain.ConsultationError{Scope: breach.Scope, Err: ErrUnparseableVerdict}
		log.Warn("Judgment reply unparseable, defaulting to sell",
			zap.String("reply", truncate(reply, 200)))
		return domain.FailSafeSell(domain.SourceFailSafe, cerr.Error(), c.now())
	}

	confidence, _ := ParseConfidence(reply)
	d := domain.Decision{
		Action:     domain.ActionSell,
		Confidence: confidence,
		Rationale:  truncate(reply, 1000),
		Source:     domain.SourceJudgment,
		DecidedAt:  c.now(),
	}
	if verdict == VerdictKeep {
		d.Action = domain.ActionKeep
	}

	log.Info(fmt.Sprintf("🧭 Judgment verdict: %s", verdict),
		zap.Float64("confidence", confidence))
	return d
}

// Forget drops the cached decision of a scope, e.g. after its baseline reset.
func (c *Controller) Forget(scope domain.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, scope.Key())
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
