package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/droverhq/drover/internal/telemetry"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// Validate checks every section. Returns nil if valid, or joined
// errors for all validation failures.
func (c *Config) Validate() error {
	return errors.Join(
		c.Server.Validate(),
		c.State.Validate(),
		c.Workspaces.Validate(),
		c.Model.Validate(),
		c.GitHub.Validate(),
		c.Alerts.Validate(),
		c.Scheduler.Validate(),
		c.Compaction.Validate(),
		c.Automerge.Validate(),
		validateTelemetry(c.Telemetry),
	)
}

func (c *ServerConfig) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, &ValidationError{
			Field:   "server.addr",
			Value:   c.Addr,
			Message: "must not be empty",
		})
	}

	return errors.Join(errs...)
}

func (c *StateConfig) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, &ValidationError{
			Field:   "state.dir",
			Value:   c.Dir,
			Message: "must not be empty",
		})
	}

	return errors.Join(errs...)
}

func (c *WorkspacesConfig) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, &ValidationError{
			Field:   "workspaces.root",
			Value:   c.Root,
			Message: "must not be empty",
		})
	}

	if c.DefaultBranch == "" {
		errs = append(errs, &ValidationError{
			Field:   "workspaces.default_branch",
			Value:   c.DefaultBranch,
			Message: "must not be empty",
		})
	}

	if len(c.VerifyCommand) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "workspaces.verify_command",
			Value:   c.VerifyCommand,
			Message: "must name a command",
		})
	}

	return errors.Join(errs...)
}

func (c *ModelConfig) Validate() error {
	var errs []error

	if len(c.Command) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "model.command",
			Value:   c.Command,
			Message: "must name a command",
		})
	}

	if c.MaxTurnsPerTask < 1 {
		errs = append(errs, &ValidationError{
			Field:   "model.max_turns_per_task",
			Value:   c.MaxTurnsPerTask,
			Message: "must be at least 1",
		})
	}

	// TurnTimeout must be a valid Go duration string.
	if d, err := time.ParseDuration(c.TurnTimeout); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "model.turn_timeout",
			Value:   c.TurnTimeout,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	} else if d <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "model.turn_timeout",
			Value:   c.TurnTimeout,
			Message: "must be positive",
		})
	}

	if c.FixMaxIterations < 1 {
		errs = append(errs, &ValidationError{
			Field:   "model.fix_max_iterations",
			Value:   c.FixMaxIterations,
			Message: "must be at least 1",
		})
	}

	return errors.Join(errs...)
}

func (c *GitHubConfig) Validate() error {
	var errs []error

	// Owner and repo are optional (PR operations fail at call time
	// without them) but must come as a pair.
	if (c.Owner == "") != (c.Repo == "") {
		errs = append(errs, &ValidationError{
			Field:   "github",
			Value:   fmt.Sprintf("owner=%q repo=%q", c.Owner, c.Repo),
			Message: "owner and repo must be set together",
		})
	}

	if c.PRBase == "" {
		errs = append(errs, &ValidationError{
			Field:   "github.pr_base",
			Value:   c.PRBase,
			Message: "must not be empty",
		})
	}

	return errors.Join(errs...)
}

func (c *AlertsConfig) Validate() error {
	var errs []error

	if c.HistoryCap < 0 {
		errs = append(errs, &ValidationError{
			Field:   "alerts.history_cap",
			Value:   c.HistoryCap,
			Message: "must be non-negative",
		})
	}

	return errors.Join(errs...)
}

func (c *SchedulerConfig) Validate() error {
	var errs []error

	if c.HistoryCap < 0 {
		errs = append(errs, &ValidationError{
			Field:   "scheduler.history_cap",
			Value:   c.HistoryCap,
			Message: "must be non-negative",
		})
	}

	return errors.Join(errs...)
}

func (c *CompactionConfig) Validate() error {
	var errs []error

	switch c.Strategy {
	case "auto", "turn-interval", "token-threshold":
	default:
		errs = append(errs, &ValidationError{
			Field:   "compaction.strategy",
			Value:   c.Strategy,
			Message: "must be one of: auto, turn-interval, token-threshold",
		})
	}

	if c.TurnInterval < 1 {
		errs = append(errs, &ValidationError{
			Field:   "compaction.turn_interval",
			Value:   c.TurnInterval,
			Message: "must be at least 1",
		})
	}

	if c.TokenThreshold < 1 {
		errs = append(errs, &ValidationError{
			Field:   "compaction.token_threshold",
			Value:   c.TokenThreshold,
			Message: "must be at least 1",
		})
	}

	if c.ContextWindow < 1 {
		errs = append(errs, &ValidationError{
			Field:   "compaction.context_window",
			Value:   c.ContextWindow,
			Message: "must be at least 1",
		})
	}

	if c.AutoPercent < 1 || c.AutoPercent > 100 {
		errs = append(errs, &ValidationError{
			Field:   "compaction.auto_percent",
			Value:   c.AutoPercent,
			Message: "must be between 1 and 100",
		})
	}

	return errors.Join(errs...)
}

func (c *AutomergeConfig) Validate() error {
	var errs []error

	switch c.Strategy {
	case "squash", "merge", "rebase":
	default:
		errs = append(errs, &ValidationError{
			Field:   "automerge.strategy",
			Value:   c.Strategy,
			Message: "must be one of: squash, merge, rebase",
		})
	}

	if c.MaxLinesChanged < 0 {
		errs = append(errs, &ValidationError{
			Field:   "automerge.max_lines_changed",
			Value:   c.MaxLinesChanged,
			Message: "must be non-negative",
		})
	}

	return errors.Join(errs...)
}

// validateTelemetry checks the embedded telemetry section. The
// telemetry package applies its own defaults, so empty values pass.
func validateTelemetry(c telemetry.Config) error {
	var errs []error

	switch c.Exporter {
	case "", telemetry.ExporterStdout, telemetry.ExporterOTLP:
	default:
		errs = append(errs, &ValidationError{
			Field:   "telemetry.exporter",
			Value:   c.Exporter,
			Message: "must be one of: stdout, otlp",
		})
	}

	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "telemetry.sample_rate",
			Value:   c.SampleRate,
			Message: "must be between 0 and 1",
		})
	}

	return errors.Join(errs...)
}
