// internal/domain/thresholds.go
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ThresholdMode selects how PnL is measured against limits.
type ThresholdMode string

const (
	ModePercentage  ThresholdMode = "percentage"
	ModeAbsoluteUSD ThresholdMode = "absolute_usd"
)

// ThresholdConfig holds the risk limits. In percentage mode the Max* values are
// percents (5 means 5%), in absolute mode they are USD amounts.
type ThresholdConfig struct {
	Mode               ThresholdMode
	MaxLossGlobal      decimal.Decimal
	MaxGainGlobal      decimal.Decimal
	MaxLossPerPosition decimal.Decimal
	MaxGainPerPosition decimal.Decimal
	MinimumBalanceUSD  decimal.Decimal
}

// Validate проверяет согласованность лимитов.
func (c ThresholdConfig) Validate() error {
	if c.Mode != ModePercentage && c.Mode != ModeAbsoluteUSD {
		return fmt.Errorf("unknown threshold mode %q", c.Mode)
	}
	limits := map[string]decimal.Decimal{
		"max_loss_global":       c.MaxLossGlobal,
		"max_gain_global":       c.MaxGainGlobal,
		"max_loss_per_position": c.MaxLossPerPosition,
		"max_gain_per_position": c.MaxGainPerPosition,
	}
	for name, v := range limits {
		if !v.IsPositive() {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if c.MinimumBalanceUSD.IsNegative() {
		return fmt.Errorf("minimum_balance_usd must not be negative, got %s", c.MinimumBalanceUSD)
	}
	return nil
}
