package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mendd/internal/monitor"
)

var dashboardInterval time.Duration

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Live terminal dashboard over a running mendd server",
	Long: `Live terminal dashboard over a running mendd server.

Shows learning progress, dispatch health, circuit breaker states, and
cooldowns, refreshed on an interval. Press q to quit, r to refresh
immediately.

Examples:
  # Watch the local server
  mendd dashboard

  # Watch a remote server, refreshing every 2 seconds
  mendd dashboard --api http://mendd.internal:9090 --interval 2s`,
	Args: cobra.NoArgs,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)

	dashboardCmd.Flags().DurationVar(&dashboardInterval, "interval", 5*time.Second, "Refresh interval")
}

func runDashboard(cmd *cobra.Command, args []string) error {
	model := monitor.NewModel(apiURL, dashboardInterval)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}

	return nil
}
