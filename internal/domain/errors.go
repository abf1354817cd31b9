// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionNotFound means the wallet holds no such token. It is a
	// terminal answer, not a transient failure. ErrPriceUnavailable means the
	// token is held but has no quote.
	ErrPositionNotFound   = errors.New("position not found")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrLiquidationStalled = errors.New("liquidation stalled")
)

// ValuationError means holdings or prices could not be read within the retry budget.
type ValuationError struct {
	Stage    string // holdings | price
	Mint     string
	Attempts int
	Err      error
}

func (e *ValuationError) Error() string {
	if e.Mint != "" {
		return fmt.Sprintf("valuation failed at %s for %s after %d attempts: %v", e.Stage, e.Mint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("valuation failed at %s after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *ValuationError) Unwrap() error { return e.Err }

// ConsultationError wraps a judgment service failure or an unusable answer.
type ConsultationError struct {
	Scope Scope
	Err   error
}

func (e *ConsultationError) Error() string {
	return fmt.Sprintf("consultation for %s failed: %v", e.Scope, e.Err)
}

func (e *ConsultationError) Unwrap() error { return e.Err }

// ExecutionError is a sell order that failed after its retry.
type ExecutionError struct {
	Mint     string
	Amount   decimal.Decimal
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("sell %s of %s failed after %d attempts: %v", e.Amount, e.Mint, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// LiquidationStalledError is returned when an unwind hits its pass cap.
type LiquidationStalledError struct {
	Mint           string
	Passes         int
	RemainingValue decimal.Decimal
}

func (e *LiquidationStalledError) Error() string {
	return fmt.Sprintf("liquidation of %s stalled after %d passes, %s USD remaining", e.Mint, e.Passes, e.RemainingValue.StringFixed(2))
}

func (e *LiquidationStalledError) Unwrap() error { return ErrLiquidationStalled }
