// Package main implements the mendd CLI for running improvement cycles
// and inspecting learned-pattern, circuit, and cooldown state.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location
	configPath string
	// apiURL is the base URL of a running mendd status API
	apiURL string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mendd",
	Short: "Self-mending work cycle runner",
	Long: `mendd runs improvement cycles over batches of work items. Faults that
match a learned pattern are fixed from the pattern store; unknown faults
are escalated to a text-generation provider behind circuit breakers, and
verified resolutions are extracted as new patterns for the next cycle.

State (patterns, learning stats, failure cooldowns) lives in the
configured state directory and is shared between runs, the status API,
and the dashboard.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/mendd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:9090", "base URL of the mendd status API")
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
