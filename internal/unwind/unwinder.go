// internal/unwind/unwinder.go
package unwind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

// Defaults follow the liquidation discipline the desk has always used.
const (
	DefaultChunks      = 3
	DefaultChunkPause  = 2 * time.Second
	DefaultRetryDelay  = 3 * time.Second
	DefaultSettleDelay = 5 * time.Second
	DefaultMaxPasses   = 5
)

// DefaultClosureFloorUSD is the value at or below which a position counts as closed.
var DefaultClosureFloorUSD = decimal.NewFromFloat(0.10)

// PositionReader re-reads one position. It returns domain.ErrPositionNotFound
// once the wallet no longer holds the token.
type PositionReader interface {
	Position(ctx context.Context, mint string) (domain.Position, error)
}

// ExecutionClient submits a market sell of amount (in token units) and
// returns the transaction id.
type ExecutionClient interface {
	Sell(ctx context.Context, mint string, amount decimal.Decimal, decimals uint8, slippageBps int) (string, error)
}

// Config задаёт параметры ликвидации.
type Config struct {
	ClosureFloorUSD decimal.Decimal
	Chunks          int
	ChunkPause      time.Duration
	RetryDelay      time.Duration
	SettleDelay     time.Duration
	MaxPasses       int
	SlippageBps     int
}

func (c *Config) applyDefaults() {
	if !c.ClosureFloorUSD.IsPositive() {
		c.ClosureFloorUSD = DefaultClosureFloorUSD
	}
	if c.Chunks <= 0 {
		c.Chunks = DefaultChunks
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = DefaultMaxPasses
	}
}

// Order is one submitted chunk.
type Order struct {
	Pass     int             `json:"pass"`
	Amount   decimal.Decimal `json:"amount"`
	TxID     string          `json:"tx_id,omitempty"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
}

// Result is the outcome of one unwind.
type Result struct {
	Mint          string          `json:"mint"`
	Closed        bool            `json:"closed"`
	FinalValueUSD decimal.Decimal `json:"final_value_usd"`
	Passes        int             `json:"passes"`
	Orders        []Order         `json:"orders,omitempty"`
}

// FailedOrders counts chunks that never executed.
func (r *Result) FailedOrders() int {
	n := 0
	for _, o := range r.Orders {
		if o.Error != "" {
			n++
		}
	}
	return n
}

// state is the transient bookkeeping of one unwind.
type state struct {
	remainingAmount   decimal.Decimal
	remainingValueUSD decimal.Decimal
	decimals          uint8
	priced            bool // false while the token has no quote
	attempt           int
}

// Unwinder liquidates a position in chunks until it is gone or the pass cap is hit.
type Unwinder struct {
	cfg      Config
	reader   PositionReader
	executor ExecutionClient
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewUnwinder создаёт ликвидатор позиций.
func NewUnwinder(cfg Config, reader PositionReader, executor ExecutionClient, logger *zap.Logger) *Unwinder {
	cfg.applyDefaults()
	return &Unwinder{
		cfg:      cfg,
		reader:   reader,
		executor: executor,
		logger:   logger.Named("unwinder"),
		sleep:    sleepContext,
	}
}

// Unwind sells the whole position of mint. Every outer pass is sized to the entire
// remaining amount; chunking only spreads price impact. When the pass cap is
// exhausted it returns a *domain.LiquidationStalledError together with the result.
func (u *Unwinder) Unwind(ctx context.Context, mint string) (*Result, error) {
	log := u.logger.With(zap.String("mint", mint))
	res := &Result{Mint: mint}

	pos, err := u.reader.Position(ctx, mint)
	if errors.Is(err, domain.ErrPositionNotFound) {
		log.Info("Position already closed, nothing to unwind")
		res.Closed = true
		return res, nil
	}
	unpriced := errors.Is(err, domain.ErrPriceUnavailable)
	if err != nil && !unpriced {
		return res, fmt.Errorf("initial read of %s: %w", mint, err)
	}

	st := &state{
		remainingAmount:   pos.Amount,
		remainingValueUSD: pos.CurrentValueUSD,
		decimals:          pos.Decimals,
		priced:            !unpriced,
	}
	if unpriced {
		log.Warn("No price for position, selling by amount",
			zap.String("amount", st.remainingAmount.String()))
	}
	res.FinalValueUSD = st.remainingValueUSD

	if u.belowFloor(st) {
		log.Info("Position below closure floor, treating as closed",
			zap.String("value_usd", st.remainingValueUSD.StringFixed(4)))
		res.Closed = true
		return res, nil
	}

	log.Warn("🔻 Starting unwind",
		zap.String("amount", st.remainingAmount.String()),
		zap.String("value_usd", st.remainingValueUSD.StringFixed(2)),
		zap.Int("chunks", u.cfg.Chunks),
		zap.Int("max_passes", u.cfg.MaxPasses))

	for st.attempt < u.cfg.MaxPasses {
		st.attempt++
		res.Passes = st.attempt

		u.sellPass(ctx, mint, st, res, log)

		if err := u.sleep(ctx, u.cfg.SettleDelay); err != nil {
			return res, err
		}

		closed, err := u.reread(ctx, mint, st, log)
		res.FinalValueUSD = st.remainingValueUSD
		if err != nil {
			return res, err
		}
		if closed {
			res.Closed = true
			log.Info("✅ Position closed",
				zap.Int("passes", res.Passes),
				zap.Int("orders", len(res.Orders)),
				zap.Int("failed_orders", res.FailedOrders()))
			return res, nil
		}

		log.Info("Position still open after pass",
			zap.Int("pass", st.attempt),
			zap.String("remaining_amount", st.remainingAmount.String()),
			zap.String("remaining_usd", st.remainingValueUSD.StringFixed(2)))
	}

	stalled := &domain.LiquidationStalledError{
		Mint:           mint,
		Passes:         res.Passes,
		RemainingValue: st.remainingValueUSD,
	}
	log.Error("Liquidation stalled", zap.Error(stalled))
	return res, stalled
}

// sellPass submits the remaining amount as equal chunks; the last chunk absorbs
// the rounding remainder so the pass covers the full position.
func (u *Unwinder) sellPass(ctx context.Context, mint string, st *state, res *Result, log *zap.Logger) {
	if !st.remainingAmount.IsPositive() {
		log.Debug("Skipping sells, no confirmed amount for this pass", zap.Int("pass", st.attempt))
		return
	}

	chunks := splitChunks(st.remainingAmount, u.cfg.Chunks, st.decimals)
	for i, amount := range chunks {
		if i > 0 {
			if err := u.sleep(ctx, u.cfg.ChunkPause); err != nil {
				return
			}
		}
		order := u.submit(ctx, mint, amount, st, log)
		order.Pass = st.attempt
		res.Orders = append(res.Orders, order)
	}
}

// submit sends one chunk and retries it once after a fixed delay.
func (u *Unwinder) submit(ctx context.Context, mint string, amount decimal.Decimal, st *state, log *zap.Logger) Order {
	order := Order{Amount: amount}
	var lastErr error
	for order.Attempts < 2 {
		if order.Attempts > 0 {
			if err := u.sleep(ctx, u.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		order.Attempts++
		txID, err := u.executor.Sell(ctx, mint, amount, st.decimals, u.cfg.SlippageBps)
		if err == nil {
			order.TxID = txID
			log.Info("💸 Sell chunk submitted",
				zap.Int("pass", st.attempt),
				zap.String("amount", amount.String()),
				zap.String("tx", txID),
				zap.Int("attempt", order.Attempts))
			return order
		}
		lastErr = err
		log.Warn("Sell chunk failed",
			zap.Int("pass", st.attempt),
			zap.String("amount", amount.String()),
			zap.Int("attempt", order.Attempts),
			zap.Error(err))
	}

	execErr := &domain.ExecutionError{Mint: mint, Amount: amount, Attempts: order.Attempts, Err: lastErr}
	order.Error = execErr.Error()
	log.Error("Sell chunk abandoned, continuing", zap.Error(execErr))
	return order
}

// reread refreshes the state after settlement. A read failure keeps the last
// value but zeroes the amount so the next pass re-reads before selling.
func (u *Unwinder) reread(ctx context.Context, mint string, st *state, log *zap.Logger) (bool, error) {
	pos, err := u.reader.Position(ctx, mint)
	switch {
	case errors.Is(err, domain.ErrPositionNotFound):
		st.remainingAmount = decimal.Zero
		st.remainingValueUSD = decimal.Zero
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, domain.ErrPriceUnavailable):
		log.Warn("Re-read has no price, position stays open", zap.String("amount", pos.Amount.String()))
		st.remainingAmount = pos.Amount
		st.decimals = pos.Decimals
		st.priced = false
		return false, nil
	case err != nil:
		log.Warn("Re-read failed, will retry next pass", zap.Error(err))
		st.remainingAmount = decimal.Zero
		return false, nil
	}

	st.remainingAmount = pos.Amount
	st.remainingValueUSD = pos.CurrentValueUSD
	st.decimals = pos.Decimals
	st.priced = true
	return u.belowFloor(st), nil
}

func (u *Unwinder) belowFloor(st *state) bool {
	return st.priced && st.remainingValueUSD.LessThanOrEqual(u.cfg.ClosureFloorUSD)
}

// splitChunks divides amount into n parts truncated to the token precision.
func splitChunks(amount decimal.Decimal, n int, decimals uint8) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{amount}
	}
	part := amount.Div(decimal.NewFromInt(int64(n))).Truncate(int32(decimals))
	if !part.IsPositive() {
		return []decimal.Decimal{amount}
	}
	chunks := make([]decimal.Decimal, 0, n)
	rest := amount
	for i := 0; i < n-1; i++ {
		chunks = append(chunks, part)
		rest = rest.Sub(part)
	}
	return append(chunks, rest)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
