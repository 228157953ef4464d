package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func findCommand(t *testing.T, parent *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, cmd := range parent.Commands() {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func TestRootCmd_Subcommands(t *testing.T) {
	expected := []string{
		"run",
		"serve",
		"status",
		"patterns",
		"circuits",
		"cooldowns",
		"reset",
		"dashboard",
	}

	for _, name := range expected {
		if findCommand(t, rootCmd, name) == nil {
			t.Errorf("%s command not found in rootCmd", name)
		}
	}
}

func TestRootCmd_SubcommandHelp(t *testing.T) {
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			continue
		}
		if cmd.Short == "" {
			t.Errorf("%s command should have Short description", cmd.Name())
		}
	}
}

func TestPatternsCmd_Subcommands(t *testing.T) {
	patterns := findCommand(t, rootCmd, "patterns")
	if patterns == nil {
		t.Fatal("patterns command not found")
	}

	for _, name := range []string{"list", "show"} {
		if findCommand(t, patterns, name) == nil {
			t.Errorf("patterns %s subcommand not found", name)
		}
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	configFlag := rootCmd.PersistentFlags().Lookup("config")
	if configFlag == nil {
		t.Error("rootCmd should have --config flag")
	}

	apiFlag := rootCmd.PersistentFlags().Lookup("api")
	if apiFlag == nil {
		t.Fatal("rootCmd should have --api flag")
	}
	if apiFlag.DefValue != "http://localhost:9090" {
		t.Errorf("--api default = %s, want http://localhost:9090", apiFlag.DefValue)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"this is a long string", 10, "this is..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.maxLen)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}
