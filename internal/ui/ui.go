// Package ui renders CLI output.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#02A35D", Dark: "#02BF87"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C27A00", Dark: "#F2B33D"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D4213D", Dark: "#ED567A"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8A8A8A", Dark: "#6C6C6C"})
	headStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	if !ColorEnabled() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// ColorEnabled reports whether stdout should receive colored output.
func ColorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if !IsTerminal() {
		return false
	}
	return termenv.NewOutput(os.Stdout).Profile != termenv.Ascii
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsInteractive reports whether both stdin and stdout are terminals.
func IsInteractive() bool {
	return IsTerminal() && term.IsTerminal(int(os.Stdin.Fd()))
}

// Width returns the terminal width, or 80 when unknown.
func Width() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// RenderAccent highlights s.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as an error.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeading renders a section heading.
func RenderHeading(s string) string { return headStyle.Render(s) }

// Truncate shortens s to at most n runes, ending with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

// Ago formats t relative to now ("just now", "5m ago", "3h ago", "2d ago").
func Ago(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

// Tags formats tags as "#a #b".
func Tags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = "#" + t
	}
	return strings.Join(out, " ")
}
