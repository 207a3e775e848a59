package config

import "os"

// envOverrides maps environment variables to config field setters.
// Entries apply in order, so WORKSPACES_ROOT wins over the legacy
// GPC_WORKSPACES_ROOT when both are set. GITHUB_TOKEN is deliberately
// absent: the host client reads it per request so late exports work.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "GPC_WORKSPACES_ROOT",
		apply: func(c *Config, v string) {
			c.Workspaces.Root = v
		},
	},
	{
		envVar: "WORKSPACES_ROOT",
		apply: func(c *Config, v string) {
			c.Workspaces.Root = v
		},
	},
	{
		envVar: "SHELL_TOOL_ENABLED",
		apply: func(c *Config, v string) {
			c.Workspaces.ShellEnabled = v != "false"
		},
	},
	{
		envVar: "GITHUB_WEBHOOK_SECRET",
		apply: func(c *Config, v string) {
			c.GitHub.WebhookSecret = v
		},
	},
	{
		envVar: "SLACK_WEBHOOK_URL",
		apply: func(c *Config, v string) {
			c.Alerts.SlackWebhookURL = v
		},
	},
	{
		envVar: "DROVER_TOKEN",
		apply: func(c *Config, v string) {
			c.Server.Token = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
