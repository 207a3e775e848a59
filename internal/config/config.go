// Package config loads and validates the controller configuration:
// defaults, then the YAML file, then environment overrides, then
// per-section validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/telemetry"
)

// Config holds all controller settings. It is immutable after Load.
type Config struct {
	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// State locates the persistent state directory.
	State StateConfig `yaml:"state"`

	// Workspaces configures task workspace provisioning.
	Workspaces WorkspacesConfig `yaml:"workspaces"`

	// Model configures the model process and turn budgets.
	Model ModelConfig `yaml:"model"`

	// GitHub identifies the repository and PR conventions.
	GitHub GitHubConfig `yaml:"github"`

	// Alerts configures the alert channels.
	Alerts AlertsConfig `yaml:"alerts"`

	// Scheduler configures the background job loop.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Compaction configures thread compaction triggers.
	Compaction CompactionConfig `yaml:"compaction"`

	// Automerge seeds the merge policy applied at startup.
	Automerge AutomergeConfig `yaml:"automerge"`

	// Telemetry configures tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Addr is the TCP listen address.
	Addr string `yaml:"addr"`

	// Token is the shared bearer for the RPC, chat-tool, dashboard,
	// and event-stream endpoints. Empty leaves them open.
	// DROVER_TOKEN overrides.
	Token string `yaml:"token"`

	// Issuer is the external base URL advertised in the OAuth
	// discovery documents. Empty disables the OAuth endpoints.
	Issuer string `yaml:"issuer"`
}

// StateConfig locates persistent state.
type StateConfig struct {
	// Dir is the directory holding the per-subsystem JSON files.
	Dir string `yaml:"dir"`
}

// WorkspacesConfig controls workspace provisioning and command
// execution.
type WorkspacesConfig struct {
	// Root is the directory task workspaces live under.
	// WORKSPACES_ROOT overrides, then GPC_WORKSPACES_ROOT.
	Root string `yaml:"root"`

	// Upstream is the clone URL for the shared bare repository.
	// Empty initializes a fresh bare repo instead.
	Upstream string `yaml:"upstream"`

	// DefaultBranch is the branch workspaces start from.
	DefaultBranch string `yaml:"default_branch"`

	// ShellEnabled gates workspace command execution.
	// SHELL_TOOL_ENABLED=false turns it off.
	ShellEnabled bool `yaml:"shell_enabled"`

	// VerifyCommand is the verification argv run in workspaces.
	VerifyCommand []string `yaml:"verify_command"`
}

// ModelConfig controls the model process and turn budgets.
type ModelConfig struct {
	// Command is the model process argv, e.g. ["codex-agent","--stdio"].
	Command []string `yaml:"command"`

	// MaxTurnsPerTask is the per-task turn budget.
	MaxTurnsPerTask int `yaml:"max_turns_per_task"`

	// TurnTimeout is the hard per-turn deadline as a Go duration.
	TurnTimeout string `yaml:"turn_timeout"`

	// FixMaxIterations bounds the verify-fix loop.
	FixMaxIterations int `yaml:"fix_max_iterations"`
}

// TurnTimeoutDuration parses the turn timeout.
func (c *ModelConfig) TurnTimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(c.TurnTimeout)
}

// GitHubConfig identifies the repository and the PR conventions.
type GitHubConfig struct {
	// Owner is the GitHub organization or user.
	Owner string `yaml:"owner"`

	// Repo is the repository name.
	Repo string `yaml:"repo"`

	// PRBase is the branch pull requests target.
	PRBase string `yaml:"pr_base"`

	// BranchPrefix, when set, prefixes task and run branch names.
	// Empty names task branches after their task id.
	BranchPrefix string `yaml:"branch_prefix"`

	// DraftPRs opens pull requests as drafts.
	DraftPRs bool `yaml:"draft_prs"`

	// WebhookSecret, when set, makes webhook signatures mandatory.
	// GITHUB_WEBHOOK_SECRET overrides.
	WebhookSecret string `yaml:"webhook_secret"`
}

// AlertsConfig selects alert channels.
type AlertsConfig struct {
	// Console enables the stderr channel.
	Console bool `yaml:"console"`

	// SlackWebhookURL enables the manager channel when non-empty.
	// SLACK_WEBHOOK_URL overrides.
	SlackWebhookURL string `yaml:"slack_webhook_url"`

	// WebhookURL enables the generic webhook channel when non-empty.
	WebhookURL string `yaml:"webhook_url"`

	// HistoryCap bounds the persisted alert history.
	HistoryCap int `yaml:"history_cap"`
}

// SchedulerConfig controls the background job loop.
type SchedulerConfig struct {
	// Disabled lists job names that never fire.
	Disabled []string `yaml:"disabled"`

	// HistoryCap bounds the persisted run log.
	HistoryCap int `yaml:"history_cap"`
}

// CompactionConfig controls thread compaction triggers.
type CompactionConfig struct {
	// Strategy selects the trigger: auto, turn-interval, or
	// token-threshold.
	Strategy string `yaml:"strategy"`

	// TurnInterval is N for the turn-interval strategy.
	TurnInterval int `yaml:"turn_interval"`

	// TokenThreshold is the ceiling for token-threshold.
	TokenThreshold int `yaml:"token_threshold"`

	// ContextWindow is the model window size in tokens.
	ContextWindow int `yaml:"context_window"`

	// AutoPercent is the window percentage for auto.
	AutoPercent int `yaml:"auto_percent"`
}

// AutomergeConfig seeds the merge policy at startup. Runtime state
// lives in automerge-policy.json; this section wins at boot.
type AutomergeConfig struct {
	// Enabled turns automerge evaluation on.
	Enabled bool `yaml:"enabled"`

	// Strategy is the merge method: squash, merge, or rebase.
	Strategy string `yaml:"strategy"`

	// MaxLinesChanged rejects PRs with larger diffs.
	MaxLinesChanged int `yaml:"max_lines_changed"`

	// PrefixWhitelist lists title prefixes eligible for automerge.
	PrefixWhitelist []string `yaml:"prefix_whitelist"`

	// NeverAutomerge lists title prefixes that always need a human.
	NeverAutomerge []string `yaml:"never_automerge"`
}

// Load reads the config file at path, applies environment overrides,
// and validates. A missing file is not an error: defaults plus
// environment apply. Empty path reads DefaultPath.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
