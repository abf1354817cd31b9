// internal/ledger/csv.go
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-riskguard/internal/logger"
)

// DefaultCSVPath is where the balance log lives unless configured otherwise.
const DefaultCSVPath = "data/portfolio_balance.csv"

var csvHeader = []string{"timestamp", "balance"}

// legacy rows were written without a zone
var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05"}

// CSVLedger appends balance rows to a CSV file.
type CSVLedger struct {
	path   string
	writer *logger.SafeCSVWriter
	gate   *gate
	logger *zap.Logger
}

var _ Ledger = (*CSVLedger)(nil)

// NewCSVLedger opens (or creates) the ledger file and recovers the last timestamp.
func NewCSVLedger(path string, interval time.Duration, log *zap.Logger) (*CSVLedger, error) {
	if path == "" {
		path = DefaultCSVPath
	}
	log = log.Named("ledger")

	g := newGate(interval)
	last, err := logger.ReadLastRecord(path)
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		ts, err := parseTimestamp(last[0])
		if err != nil {
			return nil, fmt.Errorf("ledger %s: %w", path, err)
		}
		g.commit(ts)
		log.Info("📒 Ledger resumed", zap.String("path", path), zap.Time("last_entry", ts))
	}

	w, err := logger.NewSafeCSVWriter(path, csvHeader, 30*time.Second, log)
	if err != nil {
		return nil, err
	}

	return &CSVLedger{path: path, writer: w, gate: g, logger: log}, nil
}

// Record appends a row if the logging interval has elapsed since the last one.
func (l *CSVLedger) Record(_ context.Context, at time.Time, totalUSD decimal.Decimal) (bool, error) {
	at = at.UTC().Truncate(time.Second)
	if !l.gate.due(at) {
		return false, nil
	}

	if err := l.writer.AppendDurable([]string{at.Format(time.RFC3339), totalUSD.StringFixed(2)}); err != nil {
		return false, fmt.Errorf("append balance: %w", err)
	}
	l.gate.commit(at)

	l.logger.Info("📒 Balance recorded",
		zap.Time("timestamp", at),
		zap.String("balance_usd", totalUSD.StringFixed(2)))
	return true, nil
}

func (l *CSVLedger) Last() (time.Time, bool) { return l.gate.lastWrite() }

func (l *CSVLedger) Close() error { return l.writer.Close() }

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
