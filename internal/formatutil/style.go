// Package formatutil holds the terminal styles of the command line tool.
package formatutil

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Styles used by the command line output. Color is disabled by NO_COLOR or
// when stdout is not a terminal; Init must be called before use.
var (
	Header  lipgloss.Style
	Name    lipgloss.Style
	Number  lipgloss.Style
	Faint   lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
)

// Plain reports whether output should be rendered without color.
func Plain() bool {
	return os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd()))
}

// Init initializes the styles.
func Init() {
	if Plain() {
		reset := lipgloss.NewStyle()
		Header = lipgloss.NewStyle().Bold(true)
		Name = reset
		Number = reset
		Faint = reset
		Warning = reset
		Error = reset
		return
	}

	blue := lipgloss.AdaptiveColor{Light: "#3366cc", Dark: "#8fb3ff"}
	lav := lipgloss.AdaptiveColor{Light: "#6d5fa6", Dark: "#b7a9ff"}
	gold := lipgloss.AdaptiveColor{Light: "#b58b00", Dark: "#ffd666"}
	gray := lipgloss.AdaptiveColor{Light: "#6b6f76", Dark: "#9aa0aa"}
	rose := lipgloss.AdaptiveColor{Light: "#ad5d7d", Dark: "#ffb3c9"}

	Header = lipgloss.NewStyle().Foreground(blue).Bold(true)
	Name = lipgloss.NewStyle().Foreground(lav)
	Number = lipgloss.NewStyle().Foreground(gold).Bold(true)
	Faint = lipgloss.NewStyle().Foreground(gray)
	Warning = lipgloss.NewStyle().Foreground(gold).Bold(true)
	Error = lipgloss.NewStyle().Foreground(rose).Bold(true)
}
