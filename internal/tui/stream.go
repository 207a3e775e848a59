package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/droverhq/drover/internal/events"
)

// Stream feeds controller events into the bubbletea program.
type Stream struct {
	program *tea.Program
}

// NewStream creates a stream bound to the given program.
func NewStream(program *tea.Program) *Stream {
	return &Stream{program: program}
}

// Handler returns the per-event callback for the event stream. Every
// event lands in the log pane; mapped events also update the board.
func (s *Stream) Handler() func(events.Event) {
	return func(e events.Event) {
		s.program.Send(EventLineMsg{Line: eventLine(e)})
		if msg := eventToMsg(e); msg != nil {
			s.program.Send(msg)
		}
	}
}

// SendClosed reports the stream ending, quitting the program.
func (s *Stream) SendClosed(err error) {
	s.program.Send(StreamClosedMsg{Err: err})
}

// eventToMsg converts a controller event to a board update. Payload
// numbers arrive as float64 after the JSON round trip.
func eventToMsg(e events.Event) tea.Msg {
	switch e.Type {
	case events.TaskCreated:
		return TaskStartedMsg{TaskID: e.Task}

	case events.TaskStatus:
		return TaskStatusMsg{TaskID: e.Task, To: payloadString(e.Payload, "to")}

	case events.TaskDestroyed:
		return TaskGoneMsg{TaskID: e.Task}

	case events.WorkspaceReady:
		return TaskPhaseMsg{TaskID: e.Task, Phase: "workspace ready", Icon: IconWaiting}

	case events.TurnStarted:
		return TaskPhaseMsg{TaskID: e.Task, Phase: "model turn running", Icon: IconModel, Turn: true}

	case events.TurnTimeout:
		return TaskPhaseMsg{TaskID: e.Task, Phase: "turn timed out", Icon: IconFailed}

	case events.TurnBlocked:
		return TaskPhaseMsg{TaskID: e.Task, Phase: "turn blocked", Icon: IconFailed}

	case events.VerifyStarted:
		return TaskPhaseMsg{TaskID: e.Task, Phase: "running verification", Icon: IconVerify}

	case events.VerifyPassed:
		return TaskPhaseMsg{TaskID: e.Task, Phase: "verification green", Icon: IconDone}

	case events.VerifyFailed:
		failures := payloadInt(e.Payload, "failures")
		return TaskPhaseMsg{
			TaskID: e.Task,
			Phase:  fmt.Sprintf("verification failed (%d failing)", failures),
			Icon:   IconFailed,
		}

	case events.FixIteration:
		iteration := payloadInt(e.Payload, "iteration")
		failures := payloadInt(e.Payload, "failures")
		return TaskPhaseMsg{
			TaskID: e.Task,
			Phase:  fmt.Sprintf("fix iteration %d (%d failing)", iteration, failures),
			Icon:   IconFix,
		}

	case events.PROpened:
		number := 0
		if e.PR != nil {
			number = *e.PR
		}
		return PROpenedMsg{TaskID: e.Task, Number: number}

	case events.MergeExecuted:
		if e.PR == nil {
			return nil
		}
		return MergeExecutedMsg{Number: *e.PR}

	default:
		return nil
	}
}

// eventLine renders one event-log row.
func eventLine(e events.Event) string {
	return e.Time.Format("15:04:05") + " " + e.String()
}

func payloadString(payload any, key string) string {
	if m, ok := payload.(map[string]any); ok {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}

func payloadInt(payload any, key string) int {
	m, ok := payload.(map[string]any)
	if !ok {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
