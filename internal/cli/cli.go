// Package cli implements the drover command tree. serve runs the
// controller in the foreground; status, watch, and trigger talk to a
// running controller over its HTTP surface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// App is the CLI application: the root command plus version metadata
// injected at build time.
type App struct {
	rootCmd *cobra.Command

	verbose bool

	version string
	commit  string
	date    string
}

// New creates the application with every command registered.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion records build metadata for the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

// setupRootCmd configures the root Cobra command.
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "drover",
		Short: "Coding-agent fleet controller",
		Long: `Drover drives coding-agent tasks end to end: isolated workspaces,
model turns, verification and fix loops, pull requests, and merges,
with an HTTP surface for RPC, chat tools, webhooks, and live events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output")

	a.rootCmd.AddCommand(
		NewServeCmd(a),
		NewStatusCmd(a),
		NewWatchCmd(a),
		NewTriggerCmd(a),
		NewVersionCmd(a),
	)
}

// resolveEndpoint applies environment fallbacks for the client flags.
// DROVER_ADDR and DROVER_TOKEN fill whatever the flags leave empty.
func resolveEndpoint(addr, token string) (string, string) {
	if addr == "" {
		addr = os.Getenv("DROVER_ADDR")
	}
	if addr == "" {
		addr = "localhost:8080"
	}
	if token == "" {
		token = os.Getenv("DROVER_TOKEN")
	}
	return addr, token
}
