package cli

import (
	"bytes"
	"testing"
)

func TestTriggerCmd_Use(t *testing.T) {
	cmd := NewTriggerCmd(New())

	if cmd.Use != "trigger <job>" {
		t.Errorf("Use = %q, want 'trigger <job>'", cmd.Use)
	}
	for _, name := range []string{"addr", "token"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("trigger should have a --%s flag", name)
		}
	}
}

func TestTriggerCmd_RequiresJob(t *testing.T) {
	cmd := NewTriggerCmd(New())
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{})

	if err := cmd.Execute(); err == nil {
		t.Error("trigger without a job name should fail")
	}
}
