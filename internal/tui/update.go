package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case TickMsg:
		// Continue ticking for timer updates
		return m, tickCmd()

	case StreamClosedMsg:
		m.Done = true
		if msg.Err != nil {
			m.StreamErr = msg.Err.Error()
		}
		return m, tea.Quit

	case TaskStartedMsg:
		m.Tasks[msg.TaskID] = &TaskState{
			ID:        msg.TaskID,
			Status:    "created",
			Phase:     "provisioning workspace",
			PhaseIcon: IconWaiting,
		}

	case TaskStatusMsg:
		if msg.To == "failed" {
			delete(m.Tasks, msg.TaskID)
			m.Failed++
			break
		}
		t, ok := m.Tasks[msg.TaskID]
		if !ok {
			// Stream joined mid-run; adopt the task.
			t = &TaskState{ID: msg.TaskID}
			m.Tasks[msg.TaskID] = t
		}
		t.Status = msg.To

	case TaskPhaseMsg:
		t, ok := m.Tasks[msg.TaskID]
		if !ok {
			t = &TaskState{ID: msg.TaskID, Status: "running"}
			m.Tasks[msg.TaskID] = t
		}
		t.Phase = msg.Phase
		t.PhaseIcon = msg.Icon
		if msg.Turn {
			t.Turns++
		}

	case TaskGoneMsg:
		delete(m.Tasks, msg.TaskID)

	case PROpenedMsg:
		if t, ok := m.Tasks[msg.TaskID]; ok {
			t.PR = msg.Number
			t.Phase = fmt.Sprintf("pull request #%d open", msg.Number)
			t.PhaseIcon = IconPR
		}

	case MergeExecutedMsg:
		for id, t := range m.Tasks {
			if t.PR == msg.Number {
				delete(m.Tasks, id)
				break
			}
		}
		m.Merged++

	case EventLineMsg:
		m.LogLines = append(m.LogLines, msg.Line)
		if m.LogLimit > 0 && len(m.LogLines) > m.LogLimit {
			m.LogLines = m.LogLines[len(m.LogLines)-m.LogLimit:]
		}
	}

	return m, nil
}
