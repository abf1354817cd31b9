// internal/domain/position.go
package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Position описывает одну позицию кошелька в момент оценки.
type Position struct {
	Mint            string          `json:"mint"`
	Amount          decimal.Decimal `json:"amount"`
	Decimals        uint8           `json:"decimals"`
	PriceUSD        decimal.Decimal `json:"price_usd"`
	EntryValueUSD   decimal.Decimal `json:"entry_value_usd"`
	CurrentValueUSD decimal.Decimal `json:"current_value_usd"`
}

// Closed reports whether the position holds nothing and must leave monitoring.
func (p Position) Closed() bool {
	return !p.Amount.IsPositive()
}

// PortfolioSnapshot is the single source of numbers for one evaluation pass.
// It is built once per cycle and must not be mutated afterwards.
type PortfolioSnapshot struct {
	Timestamp       time.Time           `json:"timestamp"`
	TotalValueUSD   decimal.Decimal     `json:"total_value_usd"`
	ReserveValueUSD decimal.Decimal     `json:"reserve_value_usd"`
	Positions       map[string]Position `json:"positions"`
	Reserves        map[string]Position `json:"reserves"`
}

// AtRiskValueUSD возвращает стоимость позиций, которые могут быть проданы.
func (s *PortfolioSnapshot) AtRiskValueUSD() decimal.Decimal {
	return s.TotalValueUSD.Sub(s.ReserveValueUSD)
}

// Mints returns the monitored mints in a stable order.
func (s *PortfolioSnapshot) Mints() []string {
	mints := make([]string, 0, len(s.Positions))
	for mint := range s.Positions {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints
}

// Position возвращает позицию по mint и флаг её наличия.
func (s *PortfolioSnapshot) Position(mint string) (Position, bool) {
	p, ok := s.Positions[mint]
	return p, ok
}
