// Package report renders a finished monitor cycle as a console box.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
	"github.com/rovshanmuradov/solana-riskguard/internal/monitor"
)

// Renderer formats cycle reports.
type Renderer struct {
	styles Styles
}

// NewRenderer creates a renderer with the default palette.
func NewRenderer() *Renderer {
	return &Renderer{styles: NewStyles(DefaultPalette())}
}

// Render returns the summary of one cycle.
func (r *Renderer) Render(rep *monitor.CycleReport) string {
	if rep == nil {
		return ""
	}
	s := r.styles
	var lines []string

	lines = append(lines, s.Title.Render(fmt.Sprintf("🛡️ Risk cycle %s", shortID(rep.ID.String())))+
		"  "+s.Neutral.Render(rep.FinishedAt.Format("2006-01-02 15:04:05")+" · "+rep.Duration().Round(time.Millisecond).String()))

	if rep.Error != "" {
		lines = append(lines, row(s, "Error", s.Error.Render(rep.Error)))
		return s.Container.Render(strings.Join(lines, "\n"))
	}

	if snap := rep.Snapshot; snap != nil {
		lines = append(lines,
			row(s, "Total", s.Value.Render("$"+snap.TotalValueUSD.StringFixed(2))),
			row(s, "At risk", s.Value.Render("$"+snap.AtRiskValueUSD().StringFixed(2))),
			row(s, "Reserves", s.Value.Render("$"+snap.ReserveValueUSD.StringFixed(2))),
		)
	}

	if ev := rep.Evaluation; ev != nil {
		g := ev.Global
		lines = append(lines, row(s, "PnL", r.pnl(g.ChangeUSD, g.PercentChange)+
			s.Neutral.Render(" from $"+g.StartValueUSD.StringFixed(2))))
	}

	if rep.Snapshot != nil && len(rep.Snapshot.Positions) > 0 {
		lines = append(lines, "", s.Title.Render("Positions"))
		mints := make([]string, 0, len(rep.Snapshot.Positions))
		for m := range rep.Snapshot.Positions {
			mints = append(mints, m)
		}
		sort.Strings(mints)
		for _, m := range mints {
			p := rep.Snapshot.Positions[m]
			line := fmt.Sprintf("%s  $%s", shortID(m), p.CurrentValueUSD.StringFixed(2))
			if p.EntryValueUSD.IsPositive() {
				change := p.CurrentValueUSD.Sub(p.EntryValueUSD)
				pct := change.Div(p.EntryValueUSD).Mul(decimal.NewFromInt(100))
				line += "  " + r.pnl(change, pct)
			}
			lines = append(lines, "  "+s.Value.Render(line))
		}
	}

	if len(rep.Decisions) > 0 {
		lines = append(lines, "", s.Title.Render("Decisions"))
		for _, d := range rep.Decisions {
			action := s.Keep.Render(string(d.Decision.Action))
			if d.Decision.Action == domain.ActionSell {
				action = s.Sell.Render(string(d.Decision.Action))
			}
			lines = append(lines, fmt.Sprintf("  %s %s %s",
				s.Value.Render(shortID(d.Scope)),
				action,
				s.Neutral.Render(fmt.Sprintf("%s · %s", d.Breach.Kind, d.Decision.Source))))
		}
	}

	if len(rep.Unwinds) > 0 {
		lines = append(lines, "", s.Title.Render("Unwinds"))
		for _, u := range rep.Unwinds {
			switch {
			case u.Error != "":
				lines = append(lines, "  "+s.Error.Render(fmt.Sprintf("%s failed: %s", shortID(u.Mint), u.Error)))
			case u.Result != nil && u.Result.Closed:
				lines = append(lines, "  "+s.Positive.Render(fmt.Sprintf("%s closed in %d pass(es), %d order(s)",
					shortID(u.Mint), u.Result.Passes, len(u.Result.Orders))))
			case u.Result != nil:
				lines = append(lines, "  "+s.Warning.Render(fmt.Sprintf("%s open, $%s left",
					shortID(u.Mint), u.Result.FinalValueUSD.StringFixed(2))))
			}
		}
	}

	ledger := s.Neutral.Render("skipped")
	if rep.LedgerWritten {
		ledger = s.Positive.Render("written")
	}
	lines = append(lines, "", row(s, "Ledger", ledger))

	return s.Container.Render(strings.Join(lines, "\n"))
}

// Print writes the summary followed by a newline.
func (r *Renderer) Print(w io.Writer, rep *monitor.CycleReport) {
	if out := r.Render(rep); out != "" {
		fmt.Fprintln(w, out)
	}
}

func (r *Renderer) pnl(change, pct decimal.Decimal) string {
	text := fmt.Sprintf("%s$%s (%s%%)", sign(change), change.Abs().StringFixed(2), signed(pct))
	switch {
	case change.IsPositive():
		return r.styles.Positive.Render("↗ " + text)
	case change.IsNegative():
		return r.styles.Negative.Render("↘ " + text)
	default:
		return r.styles.Neutral.Render("→ " + text)
	}
}

func row(s Styles, label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, s.Label.Render(label), value)
}

func sign(d decimal.Decimal) string {
	switch {
	case d.IsPositive():
		return "+"
	case d.IsNegative():
		return "-"
	}
	return ""
}

func signed(d decimal.Decimal) string {
	return sign(d) + d.Abs().StringFixed(2)
}

func shortID(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:4] + "…" + s[len(s)-4:]
}
