// internal/ledger/ledger.go
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultInterval = 12 * time.Hour

// Ledger is an append-only series of portfolio balances.
// Record reports whether a row was actually written.
type Ledger interface {
	Record(ctx context.Context, at time.Time, totalUSD decimal.Decimal) (bool, error)
	Last() (time.Time, bool)
	Close() error
}

// gate allows at most one row per interval and never lets time go backwards.
type gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	hasLast  bool
}

func newGate(interval time.Duration) *gate {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &gate{interval: interval}
}

// due reports whether a row at `at` may be written. The caller must commit on success.
func (g *gate) due(at time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasLast {
		return true
	}
	if at.Before(g.last) {
		return false
	}
	return at.Sub(g.last) >= g.interval
}

func (g *gate) commit(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = at
	g.hasLast = true
}

func (g *gate) lastWrite() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.hasLast
}
