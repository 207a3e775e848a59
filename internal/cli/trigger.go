package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/client"
)

// TriggerOptions holds flags for the trigger command.
type TriggerOptions struct {
	Addr  string
	Token string
}

// NewTriggerCmd creates the trigger command.
func NewTriggerCmd(app *App) *cobra.Command {
	var opts TriggerOptions
	cmd := &cobra.Command{
		Use:   "trigger <job>",
		Short: "Fire a scheduled job now",
		Long: `Trigger asks the controller to run one scheduled job immediately:
quality-scan, architecture-sweep, doc-gardening, or gc-sweep.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.TriggerJob(cmd.Context(), opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Controller address (default localhost:8080, or DROVER_ADDR)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Bearer token (or DROVER_TOKEN)")
	return cmd
}

// TriggerJob submits the job and prints the async ack.
func (a *App) TriggerJob(ctx context.Context, opts TriggerOptions, job string) error {
	addr, token := resolveEndpoint(opts.Addr, opts.Token)
	c := client.New(addr, token)

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	ack, err := c.Trigger(ctx, job)
	if err != nil {
		return err
	}
	fmt.Printf("%s accepted (job %s)\n", job, ack.JobID)
	return nil
}
