// Package ui holds terminal styles shared by CLI commands.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#7FD37F"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#F5C26B"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#FF7A7A"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#7AB8FF"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6B6B6B", Dark: "#8A8A8A"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	LabelStyle  = lipgloss.NewStyle().Foreground(ColorMuted).Width(22)
	PanelStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorMuted).
			Padding(0, 1)
)

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }

// Field is one label/value row of a panel.
type Field struct {
	Label string
	Value any
}

// RenderPanel draws a bordered block with a title and aligned rows.
func RenderPanel(title string, fields ...Field) string {
	lines := []string{HeaderStyle.Render(title)}
	for _, f := range fields {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			LabelStyle.Render(f.Label),
			fmt.Sprint(f.Value),
		))
	}
	return PanelStyle.Render(strings.Join(lines, "\n"))
}

// Init picks the color profile for out. Output is plain when noColor is
// set, NO_COLOR is in the environment, or out is not a terminal.
func Init(out *os.File, noColor bool) {
	if noColor || termenv.EnvNoColor() || !IsTerminal(out) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}
