package termview

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/signalsfoundry/weathermap/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Background(lipgloss.Color("#1E1E2E")).
			Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#CDD6F4")).
			Background(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6C7086")).
				Background(lipgloss.Color("#313244")).
				Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#89B4FA"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C7086"))

	staleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C7086")).
			Italic(true)

	downStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F38BA8")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F38BA8"))

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#89B4FA"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CDD6F4")).
			Background(lipgloss.Color("#1E1E2E"))
)

// severity palette, coolest first
var severity = []lipgloss.Style{
	lipgloss.NewStyle().Foreground(lipgloss.Color("#94E2D5")),
	lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1")),
	lipgloss.NewStyle().Foreground(lipgloss.Color("#F9E2AF")),
	lipgloss.NewStyle().Foreground(lipgloss.Color("#FAB387")),
	lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8")).Bold(true),
}

var namedSeverity = map[core.Band]int{
	"optic-dark":      4,
	"optic-critical":  4,
	"optic-low":       3,
	"optic-marginal":  2,
	"optic-fair":      1,
	"optic-good":      1,
	"optic-strong":    0,
	"optic-hot":       3,
	"health-clean":    1,
	"health-trace":    2,
	"health-minor":    2,
	"health-major":    3,
	"health-severe":   4,
	"health-critical": 4,
}

// bandStyle picks the colour a band is drawn in.
func bandStyle(b core.Band) lipgloss.Style {
	switch {
	case b == "" || b == core.BandUnknown:
		return dimStyle
	case b.IsOverride():
		return downStyle
	case strings.HasPrefix(string(b), "util-"):
		pct, err := strconv.ParseFloat(strings.TrimPrefix(string(b), "util-"), 64)
		if err != nil {
			return dimStyle
		}
		switch {
		case pct < 10:
			return severity[0]
		case pct < 40:
			return severity[1]
		case pct < 70:
			return severity[2]
		case pct < 85:
			return severity[3]
		default:
			return severity[4]
		}
	}
	if i, ok := namedSeverity[b]; ok {
		return severity[i]
	}
	return dimStyle
}
