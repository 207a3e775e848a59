package cli

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/droverhq/drover/internal/client"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/tui"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	Addr  string
	Token string
	NoTUI bool
}

// NewWatchCmd creates the watch command.
func NewWatchCmd(app *App) *cobra.Command {
	var opts WatchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live controller events",
		Long: `Watch attaches to a running controller's event stream. On a TTY it
renders a live task board; otherwise it prints one line per event.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.WatchEvents(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Controller address (default localhost:8080, or DROVER_ADDR)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Bearer token (or DROVER_TOKEN)")
	cmd.Flags().BoolVar(&opts.NoTUI, "no-tui", false, "Plain line output even on a TTY")
	return cmd
}

// WatchEvents attaches to the controller's event stream and renders it
// until the stream ends or the user quits.
func (a *App) WatchEvents(ctx context.Context, opts WatchOptions) error {
	addr, token := resolveEndpoint(opts.Addr, opts.Token)
	c := client.New(addr, token)

	if opts.NoTUI || !term.IsTerminal(int(os.Stdout.Fd())) {
		return c.Watch(ctx, func(e events.Event) {
			line := e.Time.Format("15:04:05") + " " + e.String()
			if e.Error != "" {
				line += " error=" + e.Error
			}
			fmt.Println(line)
		})
	}

	model := tui.NewModel(addr)
	program := tea.NewProgram(model)
	stream := tui.NewStream(program)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		err := c.Watch(ctx, stream.Handler())
		if ctx.Err() == nil {
			stream.SendClosed(err)
		}
	}()

	if _, err := program.Run(); err != nil {
		return err
	}
	if model.StreamErr != "" {
		return fmt.Errorf("event stream: %s", model.StreamErr)
	}
	return nil
}
