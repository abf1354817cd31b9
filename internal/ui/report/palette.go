package report

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	Cyan    = lipgloss.Color("#00E5FF") // Primary highlight
	Magenta = lipgloss.Color("#FF1B6B") // Accent
	Yellow  = lipgloss.Color("#FFB500") // Warnings
	Green   = lipgloss.Color("#2AFFAA") // Positive PnL / success
	Red     = lipgloss.Color("#FF5555") // Negative PnL / errors
	Blue    = lipgloss.Color("#3B82F6") // Info

	Base01 = lipgloss.Color("#6C7280") // Muted text
	Base2  = lipgloss.Color("#ECEFF4") // Primary text
	Base1  = lipgloss.Color("#B4BCC8") // Secondary text
)

// Palette provides a centralized color management
type Palette struct {
	Primary lipgloss.Color
	Accent  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Warning lipgloss.Color
	Info    lipgloss.Color

	Text          lipgloss.Color
	TextMuted     lipgloss.Color
	TextSecondary lipgloss.Color

	Keep    lipgloss.Color
	Sell    lipgloss.Color
	Closing lipgloss.Color
}

// DefaultPalette returns the default color palette
func DefaultPalette() Palette {
	return Palette{
		Primary: Cyan,
		Accent:  Magenta,
		Success: Green,
		Error:   Red,
		Warning: Yellow,
		Info:    Blue,

		Text:          Base2,
		TextMuted:     Base01,
		TextSecondary: Base1,

		Keep:    Green,
		Sell:    Red,
		Closing: Yellow,
	}
}

// Styles are the lipgloss styles used by the cycle summary.
type Styles struct {
	Container lipgloss.Style
	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Positive  lipgloss.Style
	Negative  lipgloss.Style
	Neutral   lipgloss.Style
	Keep      lipgloss.Style
	Sell      lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
}

// NewStyles creates summary styles with the given palette
func NewStyles(palette Palette) Styles {
	return Styles{
		Container: lipgloss.NewStyle().
			Foreground(palette.Text).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(palette.Primary).
			Padding(0, 2),

		Title: lipgloss.NewStyle().
			Foreground(palette.Primary).
			Bold(true),

		Label: lipgloss.NewStyle().
			Foreground(palette.TextMuted).
			Width(12),

		Value: lipgloss.NewStyle().
			Foreground(palette.TextSecondary),

		Positive: lipgloss.NewStyle().
			Foreground(palette.Success).
			Bold(true),

		Negative: lipgloss.NewStyle().
			Foreground(palette.Error).
			Bold(true),

		Neutral: lipgloss.NewStyle().
			Foreground(palette.TextMuted),

		Keep: lipgloss.NewStyle().
			Foreground(palette.Keep).
			Bold(true),

		Sell: lipgloss.NewStyle().
			Foreground(palette.Sell).
			Bold(true),

		Warning: lipgloss.NewStyle().
			Foreground(palette.Closing),

		Error: lipgloss.NewStyle().
			Foreground(palette.Error),
	}
}
