package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// eventLogTail is how many recent events the log pane shows.
const eventLogTail = 8

// View implements tea.Model
func (m *Model) View() string {
	if m.Done || m.Quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.renderTasks())
	b.WriteString(m.renderStatusLine())
	b.WriteString("\n")
	b.WriteString(m.renderEventLog())
	b.WriteString(m.renderFooter())

	return b.String()
}

// renderHeader renders the title line with timer and controller address
func (m *Model) renderHeader() string {
	elapsed := time.Since(m.StartTime).Round(time.Second)
	timer := fmt.Sprintf("[%s]", formatDuration(elapsed))
	addr := fmt.Sprintf("Controller: %s", m.Addr)

	return fmt.Sprintf("%s  %s  %s",
		m.Styles.Title.Render("Drover Watch"),
		m.Styles.Timer.Render(timer),
		m.Styles.Addr.Render(addr),
	)
}

// renderTasks renders the list of live tasks
func (m *Model) renderTasks() string {
	if len(m.Tasks) == 0 {
		return "  No active tasks\n\n"
	}

	var b strings.Builder

	// Sort tasks by ID for stable display
	ids := make([]string, 0, len(m.Tasks))
	for id := range m.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		b.WriteString(m.renderTask(m.Tasks[id]))
		b.WriteString("\n")
	}

	return b.String()
}

// renderTask renders a single live task
func (m *Model) renderTask(t *TaskState) string {
	var b strings.Builder

	// Task header: ● t-42 [mutating] 3 turns | PR #17
	icon := m.Styles.TaskActive.Render(IconActive)
	name := m.Styles.TaskName.Render(t.ID)
	status := m.Styles.TaskStatus.Render("[" + t.Status + "]")

	meta := fmt.Sprintf("%d turns", t.Turns)
	if t.PR > 0 {
		meta += fmt.Sprintf(" | PR #%d", t.PR)
	}

	fmt.Fprintf(&b, "  %s %s %s %s\n", icon, name, status, m.Styles.TaskMeta.Render(meta))

	// Phase line: 🧪 running verification
	if t.Phase != "" {
		phaseIcon := m.Styles.PhaseIcon.Render(t.PhaseIcon)
		phaseText := m.Styles.PhaseText.Render(t.Phase)
		fmt.Fprintf(&b, "      %s %s\n", phaseIcon, phaseText)
	}

	return b.String()
}

// renderStatusLine renders the summary status line
func (m *Model) renderStatusLine() string {
	active := m.Styles.StatusActive.Render(fmt.Sprintf("%d active", len(m.Tasks)))
	merged := m.Styles.StatusMerged.Render(fmt.Sprintf("%d merged", m.Merged))
	failed := m.Styles.StatusFailed.Render(fmt.Sprintf("%d failed", m.Failed))

	return fmt.Sprintf("  Tasks: %s | %s | %s", active, merged, failed)
}

// renderEventLog renders the tail of the event log
func (m *Model) renderEventLog() string {
	if len(m.LogLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.Styles.LogTitle.Render("  Recent events"))
	b.WriteString("\n")

	lines := m.LogLines
	if len(lines) > eventLogTail {
		lines = lines[len(lines)-eventLogTail:]
	}
	for _, line := range lines {
		b.WriteString(m.Styles.LogLine.Render("  " + line))
		b.WriteString("\n")
	}

	return b.String()
}

// renderFooter renders the help text
func (m *Model) renderFooter() string {
	key := m.Styles.FooterKey.Render("q")
	return m.Styles.Footer.Render(fmt.Sprintf("  Press %s to quit", key))
}

// formatDuration formats a duration as HH:MM:SS
func formatDuration(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
