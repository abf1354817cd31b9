// internal/override/verdict.go
package override

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

// Verdict is the narrow result of reading a judgment reply.
type Verdict int

const (
	VerdictUnparseable Verdict = iota
	VerdictKeep
	VerdictSell
)

func (v Verdict) String() string {
	switch v {
	case VerdictKeep:
		return "KEEP"
	case VerdictSell:
		return "SELL"
	default:
		return "UNPARSEABLE"
	}
}

// Markers is a pair of disjoint literal tokens the reply must contain.
type Markers struct {
	Keep string
	Sell string
}

var (
	// GlobalMarkers используются для пробоя лимита всего портфеля.
	GlobalMarkers = Markers{Keep: "OVERRIDE", Sell: "RESPECT_LIMIT"}
	// PositionMarkers используются для пробоя лимита отдельной позиции.
	PositionMarkers = Markers{Keep: "KEEP", Sell: "SELL"}
)

// MarkersFor picks the marker pair for a scope.
func MarkersFor(scope domain.Scope) Markers {
	if scope.IsGlobal() {
		return GlobalMarkers
	}
	return PositionMarkers
}

var (
	tokenRe      = regexp.MustCompile(`[A-Za-z_]+`)
	confidenceRe = regexp.MustCompile(`(?i)confidence[^0-9]{0,20}([0-9]+(?:\.[0-9]+)?)\s*(%?)`)
)

// ParseVerdict scans the reply for whole-word literal markers. Matching is
// case-sensitive: "sell" in a rationale is prose, SELL is a verdict. A token
// matches a marker exactly or as a prefix followed by an underscore, so
// OVERRIDE_LIMIT reads as OVERRIDE. The sell marker wins when both are present.
func ParseVerdict(text string, m Markers) Verdict {
	keep, sell := false, false
	for _, tok := range tokenRe.FindAllString(text, -1) {
		switch {
		case matchesMarker(tok, m.Sell):
			sell = true
		case matchesMarker(tok, m.Keep):
			keep = true
		}
	}
	switch {
	case sell:
		return VerdictSell
	case keep:
		return VerdictKeep
	default:
		return VerdictUnparseable
	}
}

func matchesMarker(tok, marker string) bool {
	return tok == marker || strings.HasPrefix(tok, marker+"_")
}

// ParseConfidence extracts a stated confidence as a fraction in [0,1].
// It returns false when the reply states none.
func ParseConfidence(text string) (float64, bool) {
	match := confidenceRe.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	if match[2] == "%" || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}
