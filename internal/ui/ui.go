// Package ui provides terminal styling for binder CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "42"})
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "214"})
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "124", Dark: "196"})

	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "25", Dark: "39"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "243", Dark: "245"})
)

// RenderPass styles text for successful outcomes.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles text for recoverable problems.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles text for failures.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent styles text for headings and highlights.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted styles de-emphasized detail text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderStatus picks a style for a run status string.
func RenderStatus(status string) string {
	switch status {
	case "completed":
		return RenderPass(status)
	case "failed":
		return RenderFail(status)
	case "running":
		return RenderAccent(status)
	default:
		return RenderMuted(status)
	}
}
