// internal/utils/metrics/collector.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "riskguard"

// MetricType представляет тип метрики
type MetricType string

const (
	CycleCounterType    MetricType = "cycles_total"
	CycleDurationType   MetricType = "cycle_duration"
	PortfolioValueType  MetricType = "portfolio_value"
	BreachCounterType   MetricType = "breaches_total"
	DecisionCounterType MetricType = "decisions_total"
	OrderCounterType    MetricType = "orders_total"
	UnwindCounterType   MetricType = "unwinds_total"
	LedgerWriteType     MetricType = "ledger_writes_total"
	RPCLatencyType      MetricType = "rpc_latency"
	JudgmentLatencyType MetricType = "judgment_latency"
)

// Collector управляет набором метрик риск-монитора. Nil-коллектор ничего не делает.
type Collector struct {
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	portfolioValue  *prometheus.GaugeVec
	breaches        *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	orders          *prometheus.CounterVec
	unwinds         *prometheus.CounterVec
	ledgerWrites    prometheus.Counter
	rpcLatency      *prometheus.HistogramVec
	judgmentLatency *prometheus.HistogramVec
}

// NewCollector создает коллектор и регистрирует метрики в reg.
// nil reg означает prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Monitor cycles by result",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of one monitor cycle",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		portfolioValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "portfolio_value_usd",
				Help:      "Portfolio value from the last snapshot",
			},
			[]string{"part"},
		),
		breaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaches_total",
				Help:      "Breach events by scope type and kind",
			},
			[]string{"scope", "kind", "state"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Override decisions by action and source",
			},
			[]string{"action", "source"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sell_orders_total",
				Help:      "Submitted sell chunks by result",
			},
			[]string{"result"},
		),
		unwinds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unwinds_total",
				Help:      "Unwind outcomes",
			},
			[]string{"result"},
		),
		ledgerWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_writes_total",
				Help:      "Rows appended to the balance ledger",
			},
		),
		rpcLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_latency_seconds",
				Help:      "Outbound request latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"method"},
		),
		judgmentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "judgment_latency_seconds",
				Help:      "Judgment service round trip in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"status"},
		),
	}
	c.initializeMetrics(reg)
	return c
}

func (c *Collector) initializeMetrics(reg prometheus.Registerer) {
	metricsMap := map[MetricType]prometheus.Collector{
		CycleCounterType:    c.cycles,
		CycleDurationType:   c.cycleDuration,
		PortfolioValueType:  c.portfolioValue,
		BreachCounterType:   c.breaches,
		DecisionCounterType: c.decisions,
		OrderCounterType:    c.orders,
		UnwindCounterType:   c.unwinds,
		LedgerWriteType:     c.ledgerWrites,
		RPCLatencyType:      c.rpcLatency,
		JudgmentLatencyType: c.judgmentLatency,
	}

	for _, metric := range metricsMap {
		reg.MustRegister(metric)
	}
}
