package cli

import (
	"testing"
)

func TestNew_RegistersCommands(t *testing.T) {
	app := New()

	names := make(map[string]bool)
	for _, cmd := range app.rootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"serve", "status", "watch", "trigger", "version"} {
		if !names[want] {
			t.Errorf("Root command should register %q", want)
		}
	}
}

func TestNew_RootCommand(t *testing.T) {
	app := New()

	if app.rootCmd.Use != "drover" {
		t.Errorf("Use = %q, want drover", app.rootCmd.Use)
	}
	if !app.rootCmd.SilenceUsage {
		t.Error("SilenceUsage should be set")
	}
	if !app.rootCmd.SilenceErrors {
		t.Error("SilenceErrors should be set")
	}

	verbose := app.rootCmd.PersistentFlags().Lookup("verbose")
	if verbose == nil {
		t.Fatal("Root command should have a --verbose flag")
	}
	if verbose.Shorthand != "v" {
		t.Errorf("verbose shorthand = %q, want v", verbose.Shorthand)
	}
	if verbose.DefValue != "false" {
		t.Errorf("verbose default = %q, want false", verbose.DefValue)
	}
}

func TestResolveEndpoint_FlagWins(t *testing.T) {
	t.Setenv("DROVER_ADDR", "env:1111")
	t.Setenv("DROVER_TOKEN", "env-token")

	addr, token := resolveEndpoint("flag:2222", "flag-token")
	if addr != "flag:2222" {
		t.Errorf("addr = %q, want flag:2222", addr)
	}
	if token != "flag-token" {
		t.Errorf("token = %q, want flag-token", token)
	}
}

func TestResolveEndpoint_EnvFallback(t *testing.T) {
	t.Setenv("DROVER_ADDR", "env:1111")
	t.Setenv("DROVER_TOKEN", "env-token")

	addr, token := resolveEndpoint("", "")
	if addr != "env:1111" {
		t.Errorf("addr = %q, want env:1111", addr)
	}
	if token != "env-token" {
		t.Errorf("token = %q, want env-token", token)
	}
}

func TestResolveEndpoint_Defaults(t *testing.T) {
	t.Setenv("DROVER_ADDR", "")
	t.Setenv("DROVER_TOKEN", "")

	addr, token := resolveEndpoint("", "")
	if addr != "localhost:8080" {
		t.Errorf("addr = %q, want localhost:8080", addr)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}
