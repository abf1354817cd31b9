// internal/judgment/prompt.go
package judgment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
	"github.com/rovshanmuradov/solana-riskguard/internal/override"
)

// BuildPrompt renders the breach context as plain text. The reply is expected
// to begin with one of the two markers carried in the request.
func BuildPrompt(req override.Request) string {
	var b strings.Builder
	br := req.Breach

	b.WriteString("You are the risk manager of an automated Solana portfolio.\n\n")
	fmt.Fprintf(&b, "A %s limit was hit on %s.\n", kindLabel(br.Kind), scopeLabel(br.Scope))
	fmt.Fprintf(&b, "Start value: $%s\n", br.StartValueUSD.StringFixed(2))
	fmt.Fprintf(&b, "Current value: $%s\n", br.CurrentValueUSD.StringFixed(2))
	fmt.Fprintf(&b, "Change: $%s (%s%%)\n",
		br.CurrentValueUSD.Sub(br.StartValueUSD).StringFixed(2),
		br.PercentChange.StringFixed(2))
	fmt.Fprintf(&b, "Limit: %s %s\n", br.Threshold.String(), modeUnit(br.Mode))
	fmt.Fprintf(&b, "Portfolio value: $%s\n\n", req.PortfolioValueUSD.StringFixed(2))

	if len(req.Positions) > 0 {
		b.WriteString("Positions:\n")
		for _, p := range req.Positions {
			fmt.Fprintf(&b, "- %s: %s tokens, $%s (entry $%s)\n",
				p.Mint, p.Amount.String(), p.CurrentValueUSD.StringFixed(2), p.EntryValueUSD.StringFixed(2))
		}
		b.WriteString("\n")
	}

	if len(req.Market) > 0 {
		b.WriteString("Market data:\n")
		keys := make([]string, 0, len(req.Market))
		for k := range req.Market {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s:\n%s\n", k, req.Market[k])
		}
		b.WriteString("\n")
	}

	if br.IsLoss() {
		b.WriteString("This is a loss limit. Be extremely conservative and keep only on strong reversal signals.\n")
		if req.MinKeepConfidence > 0 {
			fmt.Fprintf(&b, "Keeping requires at least %.0f%% confidence. State your confidence as a percentage.\n",
				req.MinKeepConfidence*100)
		}
	} else {
		b.WriteString("This is a gain limit. Keep only if momentum is likely to continue.\n")
	}

	fmt.Fprintf(&b, "\nRespond with either:\n%s: <reason>\nor\n%s: <reason>\n",
		req.Markers.Keep, req.Markers.Sell)
	return b.String()
}

func kindLabel(k domain.BreachKind) string {
	switch k {
	case domain.BreachMaxLoss:
		return "max loss"
	case domain.BreachMaxGain:
		return "max gain"
	case domain.BreachMinimumBalance:
		return "minimum balance"
	default:
		return string(k)
	}
}

func scopeLabel(s domain.Scope) string {
	if s.IsGlobal() {
		return "the whole portfolio"
	}
	return "position " + s.Mint
}

func modeUnit(m domain.ThresholdMode) string {
	if m == domain.ModePercentage {
		return "%"
	}
	return "USD"
}
