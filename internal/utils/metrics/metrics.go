// internal/utils/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

// RecordCycle записывает результат и длительность цикла мониторинга
func (c *Collector) RecordCycle(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(duration.Seconds())
}

// SetPortfolio обновляет стоимость портфеля из последнего снимка
func (c *Collector) SetPortfolio(snap *domain.PortfolioSnapshot) {
	if c == nil {
		return
	}
	total, _ := snap.TotalValueUSD.Float64()
	reserve, _ := snap.ReserveValueUSD.Float64()
	c.portfolioValue.WithLabelValues("total").Set(total)
	c.portfolioValue.WithLabelValues("reserve").Set(reserve)
	c.portfolioValue.WithLabelValues("at_risk").Set(total - reserve)
}

// RecordBreach считает события пробоя лимитов
func (c *Collector) RecordBreach(ev domain.BreachEvent) {
	if c == nil {
		return
	}
	scope := "position"
	if ev.Scope.IsGlobal() {
		scope = "global"
	}
	c.breaches.WithLabelValues(scope, string(ev.Kind), string(ev.State)).Inc()
}

// RecordDecision считает решения по пробоям
func (c *Collector) RecordDecision(d domain.Decision) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(string(d.Action), string(d.Source)).Inc()
}

// RecordOrder считает отправленные части ликвидации
func (c *Collector) RecordOrder(success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	c.orders.WithLabelValues(result).Inc()
}

// RecordUnwind считает исходы ликвидации: closed, stalled или error
func (c *Collector) RecordUnwind(result string) {
	if c == nil {
		return
	}
	c.unwinds.WithLabelValues(result).Inc()
}

// RecordLedgerWrite считает строки, добавленные в журнал баланса
func (c *Collector) RecordLedgerWrite() {
	if c == nil {
		return
	}
	c.ledgerWrites.Inc()
}

// RecordRPCLatency записывает метрики исходящего запроса
func (c *Collector) RecordRPCLatency(method string, duration time.Duration) {
	if c == nil {
		return
	}
	c.rpcLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordJudgment записывает время ответа сервиса оценки
func (c *Collector) RecordJudgment(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.judgmentLatency.WithLabelValues(status).Observe(duration.Seconds())
}
