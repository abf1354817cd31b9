// internal/portfolio/valuator.go
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

const (
	DefaultAttempts        = 3
	DefaultInitialInterval = 500 * time.Millisecond
)

// Holding is a raw token balance without a price.
type Holding struct {
	Mint     string
	Amount   decimal.Decimal
	Decimals uint8
}

// HoldingsSource reads wallet balances. Holding must return
// domain.ErrPositionNotFound when the wallet has no account or a zero balance.
type HoldingsSource interface {
	Holdings(ctx context.Context, walletID string) ([]Holding, error)
	Holding(ctx context.Context, walletID, mint string) (Holding, error)
}

// PriceSource returns USD prices. Mints without a quote are omitted from the result.
type PriceSource interface {
	Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error)
}

// Config описывает, какие токены считаются рисковыми.
type Config struct {
	WalletID string
	// Monitored lists at-risk mints. Empty means every non-excluded holding.
	Monitored []string
	// Excluded mints are valued into the total but never sold.
	Excluded []string
	// EntryValues optionally pins a cost basis per mint in USD.
	EntryValues     map[string]decimal.Decimal
	Attempts        int
	InitialInterval time.Duration
}

// Valuator turns holdings and prices into a PortfolioSnapshot.
type Valuator struct {
	cfg       Config
	holdings  HoldingsSource
	prices    PriceSource
	logger    *zap.Logger
	now       func() time.Time
	monitored map[string]struct{}
	excluded  map[string]struct{}
}

// NewValuator создаёт оценщик портфеля.
func NewValuator(cfg Config, holdings HoldingsSource, prices PriceSource, logger *zap.Logger) *Valuator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	return &Valuator{
		cfg:       cfg,
		holdings:  holdings,
		prices:    prices,
		logger:    logger.Named("valuator"),
		now:       time.Now,
		monitored: toSet(cfg.Monitored),
		excluded:  toSet(cfg.Excluded),
	}
}

// Valuate builds a fresh snapshot. Any unrecoverable read yields a
// *domain.ValuationError and no snapshot.
func (v *Valuator) Valuate(ctx context.Context) (*domain.PortfolioSnapshot, error) {
	holdings, err := retry(ctx, v, "holdings", "", func() ([]Holding, error) {
		return v.holdings.Holdings(ctx, v.cfg.WalletID)
	})
	if err != nil {
		return nil, err
	}

	var tracked []Holding
	for _, h := range holdings {
		if !h.Amount.IsPositive() {
			continue
		}
		if v.isExcluded(h.Mint) || v.isMonitored(h.Mint) {
			tracked = append(tracked, h)
		}
	}

	mints := make([]string, 0, len(tracked))
	for _, h := range tracked {
		mints = append(mints, h.Mint)
	}

	prices := map[string]decimal.Decimal{}
	if len(mints) > 0 {
		prices, err = retry(ctx, v, "price", "", func() (map[string]decimal.Decimal, error) {
			return v.prices.Prices(ctx, mints)
		})
		if err != nil {
			return nil, err
		}
	}

	snap := &domain.PortfolioSnapshot{
		Timestamp: v.now().UTC(),
		Positions: make(map[string]domain.Position),
		Reserves:  make(map[string]domain.Position),
	}
	for _, h := range tracked {
		p := v.position(h, prices)
		snap.TotalValueUSD = snap.TotalValueUSD.Add(p.CurrentValueUSD)
		if v.isExcluded(h.Mint) {
			snap.ReserveValueUSD = snap.ReserveValueUSD.Add(p.CurrentValueUSD)
			snap.Reserves[h.Mint] = p
			continue
		}
		snap.Positions[h.Mint] = p
	}

	v.logger.Info("📊 Portfolio valued",
		zap.String("total_usd", snap.TotalValueUSD.StringFixed(2)),
		zap.String("reserve_usd", snap.ReserveValueUSD.StringFixed(2)),
		zap.Int("positions", len(snap.Positions)))

	return snap, nil
}

// Position re-reads a single holding. A closed position yields
// domain.ErrPositionNotFound, a read failure a *domain.ValuationError.
// A held token without a quote is returned with its amount and
// domain.ErrPriceUnavailable; its value is unknown, not zero.
func (v *Valuator) Position(ctx context.Context, mint string) (domain.Position, error) {
	h, err := retry(ctx, v, "holdings", mint, func() (Holding, error) {
		return v.holdings.Holding(ctx, v.cfg.WalletID, mint)
	})
	if err != nil {
		return domain.Position{}, err
	}
	if !h.Amount.IsPositive() {
		return domain.Position{}, domain.ErrPositionNotFound
	}

	prices, err := retry(ctx, v, "price", mint, func() (map[string]decimal.Decimal, error) {
		return v.prices.Prices(ctx, []string{mint})
	})
	if err != nil {
		return domain.Position{}, err
	}
	if _, ok := prices[mint]; !ok {
		v.logger.Warn("No price quote for held position",
			zap.String("mint", mint),
			zap.String("amount", h.Amount.String()))
		return domain.Position{Mint: mint, Amount: h.Amount, Decimals: h.Decimals, EntryValueUSD: v.cfg.EntryValues[mint]},
			fmt.Errorf("%s: %w", mint, domain.ErrPriceUnavailable)
	}
	return v.position(h, prices), nil
}

func (v *Valuator) position(h Holding, prices map[string]decimal.Decimal) domain.Position {
	price, ok := prices[h.Mint]
	if !ok {
		v.logger.Warn("No price quote, valuing holding at zero",
			zap.String("mint", h.Mint),
			zap.String("amount", h.Amount.String()))
	}
	return domain.Position{
		Mint:            h.Mint,
		Amount:          h.Amount,
		Decimals:        h.Decimals,
		PriceUSD:        price,
		EntryValueUSD:   v.cfg.EntryValues[h.Mint],
		CurrentValueUSD: h.Amount.Mul(price),
	}
}

func (v *Valuator) isExcluded(mint string) bool {
	_, ok := v.excluded[mint]
	return ok
}

func (v *Valuator) isMonitored(mint string) bool {
	if len(v.monitored) == 0 {
		return !v.isExcluded(mint)
	}
	_, ok := v.monitored[mint]
	return ok
}

// retry runs op with exponential backoff bounded by the attempt budget.
// ErrPositionNotFound is passed through untouched, other failures become
// *domain.ValuationError.
func retry[T any](ctx context.Context, v *Valuator, stage, mint string, op func() (T, error)) (T, error) {
	attempts := 0
	wrapped := func() (T, error) {
		attempts++
		res, err := op()
		if errors.Is(err, domain.ErrPositionNotFound) {
			return res, backoff.Permanent(err)
		}
		if err != nil {
			v.logger.Debug("Valuation read failed",
				zap.String("stage", stage),
				zap.String("mint", mint),
				zap.Int("attempt", attempts),
				zap.Error(err))
		}
		return res, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = v.cfg.InitialInterval

	res, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(v.cfg.Attempts)),
	)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, domain.ErrPositionNotFound) {
		return res, domain.ErrPositionNotFound
	}

	var zero T
	return zero, &domain.ValuationError{Stage: stage, Mint: mint, Attempts: attempts, Err: err}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
