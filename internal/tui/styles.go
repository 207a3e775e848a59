package tui

import "github.com/charmbracelet/lipgloss"

// Styles contains all lipgloss styles for the TUI
type Styles struct {
	// Header styling
	Title lipgloss.Style
	Timer lipgloss.Style
	Addr  lipgloss.Style

	// Task styling
	TaskActive lipgloss.Style
	TaskName   lipgloss.Style
	TaskStatus lipgloss.Style
	TaskMeta   lipgloss.Style

	// Phase icons and text
	PhaseIcon lipgloss.Style
	PhaseText lipgloss.Style

	// Footer styling
	Footer    lipgloss.Style
	FooterKey lipgloss.Style

	// Status counts
	StatusActive lipgloss.Style
	StatusMerged lipgloss.Style
	StatusFailed lipgloss.Style

	// Event log styling
	LogTitle lipgloss.Style
	LogLine  lipgloss.Style
}

// DefaultStyles returns the default TUI styles
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Timer: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Addr:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),

		TaskActive: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		TaskName:   lipgloss.NewStyle().Bold(true),
		TaskStatus: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		TaskMeta:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),

		PhaseIcon: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		PhaseText: lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Italic(true),

		Footer:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1),
		FooterKey: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),

		StatusActive: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		StatusMerged: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		StatusFailed: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),

		LogTitle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Bold(true),
		LogLine:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// Icons used in the TUI
const (
	IconActive  = "●"
	IconDone    = "✓"
	IconFailed  = "✗"
	IconModel   = "🤖"
	IconVerify  = "🧪"
	IconFix     = "🔧"
	IconPR      = "📝"
	IconWaiting = "⏳"
)
