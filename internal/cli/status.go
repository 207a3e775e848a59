package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/client"
	"github.com/droverhq/drover/internal/dashboard"
)

// clientTimeout bounds one-shot calls against the controller.
const clientTimeout = 10 * time.Second

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	Addr  string
	Token string
	JSON  bool
}

// NewStatusCmd creates the status command.
func NewStatusCmd(app *App) *cobra.Command {
	var opts StatusOptions
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show controller status",
		Long:  `Fetch the dashboard snapshot from a running controller and render it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ShowStatus(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Controller address (default localhost:8080, or DROVER_ADDR)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Bearer token (or DROVER_TOKEN)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON instead of formatted text")
	return cmd
}

// ShowStatus fetches the dashboard snapshot and renders it.
func (a *App) ShowStatus(ctx context.Context, opts StatusOptions) error {
	addr, token := resolveEndpoint(opts.Addr, opts.Token)
	c := client.New(addr, token)

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	snap, err := c.Dashboard(ctx)
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprint(os.Stdout, formatStatusOutput(snap, addr))
	return nil
}

// formatStatusOutput produces the full status display.
func formatStatusOutput(snap dashboard.Snapshot, addr string) string {
	var b strings.Builder

	separator := strings.Repeat("═", 63)
	thin := strings.Repeat("─", 63)

	b.WriteString(separator + "\n")
	b.WriteString("Drover Controller Status\n")
	b.WriteString(fmt.Sprintf("Controller: %s | Generated: %s\n",
		addr, snap.GeneratedAt.Local().Format("15:04:05")))
	b.WriteString(separator + "\n\n")

	b.WriteString(fmt.Sprintf("Tasks: %d\n", snap.Tasks.Total))
	for _, status := range sortedKeys(snap.Tasks.ByStatus) {
		b.WriteString(fmt.Sprintf("  %-12s %d\n", status, snap.Tasks.ByStatus[status]))
	}
	b.WriteString("\n")

	if len(snap.Runs) > 0 {
		b.WriteString("Autonomous runs:\n")
		for _, run := range snap.Runs {
			line := fmt.Sprintf("  %-16s %-10s task=%s", run.ID, run.Status, run.TaskID)
			if run.Quality != nil {
				line += fmt.Sprintf(" quality=%.2f", *run.Quality)
			}
			if run.Error != "" {
				line += " error=" + run.Error
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("Merge queue: %d total | %d ready | %d blocked\n",
		snap.MergeQueue.Total, snap.MergeQueue.Ready, snap.MergeQueue.Blocked))
	for _, e := range snap.MergeQueue.Entries {
		line := fmt.Sprintf("  #%-5d %-24s priority=%d", e.PRNumber, e.Branch, e.Priority)
		if e.Blocked {
			line += " blocked: " + e.BlockedReason
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")

	if snap.Scheduler.Started {
		b.WriteString("Scheduler: running\n")
	} else {
		b.WriteString("Scheduler: stopped\n")
	}
	for _, j := range snap.Scheduler.Jobs {
		state := "on"
		if !j.Enabled {
			state = "off"
		}
		line := fmt.Sprintf("  %-20s %-3s runs=%d failures=%d", j.Name, state, j.Runs, j.Failures)
		if !j.NextRun.IsZero() {
			line += " next=" + j.NextRun.Local().Format("15:04:05")
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")

	if len(snap.Alerts.Recent) > 0 {
		b.WriteString("Recent alerts:\n")
		for _, r := range snap.Alerts.Recent {
			b.WriteString(fmt.Sprintf("  [%s] %s (%s)\n",
				r.Severity, r.Title, r.At.Local().Format("15:04:05")))
		}
		b.WriteString("\n")
	}

	if len(snap.Quality) > 0 {
		b.WriteString("Quality scores:\n")
		for _, q := range snap.Quality {
			b.WriteString(fmt.Sprintf("  %-16s %.2f\n", q.TaskID, q.Score))
		}
		b.WriteString("\n")
	}

	if len(snap.Errors) > 0 {
		b.WriteString("Degraded sections:\n")
		for _, e := range snap.Errors {
			b.WriteString("  " + e + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(thin + "\n")
	b.WriteString(fmt.Sprintf(" Tasks: %d | Runs: %d | Queue: %d | Alerts: %d\n",
		snap.Tasks.Total, len(snap.Runs), snap.MergeQueue.Total, len(snap.Alerts.Recent)))
	b.WriteString(separator + "\n")

	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
