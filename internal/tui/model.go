// Package tui renders a live task board over a controller's event
// stream: one entry per active task, lifecycle counters, and a short
// event log.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// TaskState tracks one live task on the board.
type TaskState struct {
	ID        string
	Status    string
	Phase     string
	PhaseIcon string
	Turns     int
	PR        int
}

// Model is the bubbletea model for the watch view.
type Model struct {
	// Configuration
	Addr   string
	Styles Styles

	// State
	Tasks     map[string]*TaskState
	Merged    int
	Failed    int
	StartTime time.Time
	LogLines  []string
	LogLimit  int
	Width     int
	Height    int

	// Control
	Quitting  bool
	Done      bool
	StreamErr string
}

// NewModel creates a watch model for the controller at addr.
func NewModel(addr string) *Model {
	return &Model{
		Addr:      addr,
		Styles:    DefaultStyles(),
		Tasks:     make(map[string]*TaskState),
		StartTime: time.Now(),
		LogLimit:  500,
	}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg is sent every second to update the timer
type TickMsg time.Time

// tickCmd returns a command that sends TickMsg every second
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// StreamClosedMsg reports the event stream ending.
type StreamClosedMsg struct {
	Err error
}

// TaskStartedMsg adds a task to the board.
type TaskStartedMsg struct {
	TaskID string
}

// TaskStatusMsg moves a task through its lifecycle.
type TaskStatusMsg struct {
	TaskID string
	To     string
}

// TaskPhaseMsg updates a task's activity line.
type TaskPhaseMsg struct {
	TaskID string
	Phase  string
	Icon   string
	Turn   bool // counts as a model turn
}

// TaskGoneMsg drops a destroyed task from the board.
type TaskGoneMsg struct {
	TaskID string
}

// PROpenedMsg records the task's pull request number.
type PROpenedMsg struct {
	TaskID string
	Number int
}

// MergeExecutedMsg retires the task holding the merged PR.
type MergeExecutedMsg struct {
	Number int
}

// EventLineMsg appends one line to the event log.
type EventLineMsg struct {
	Line string
}
