package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/mendd/internal/api"
	"github.com/fyrsmithlabs/mendd/internal/monitor"
	"github.com/fyrsmithlabs/mendd/internal/pattern"
)

var (
	statusJSON    bool
	patternsJSON  bool
	circuitsJSON  bool
	cooldownsJSON bool

	resetCooldowns   bool
	resetCooldownKey string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show learning and runtime state of a running mendd server",
	Long: `Show learning and runtime state of a running mendd server.

Examples:
  # Human-readable summary
  mendd status

  # Raw JSON for scripting
  mendd status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect learned patterns",
	Long:  `Inspect learned patterns stored by a running mendd server.`,
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned patterns",
	Long: `List learned patterns with their lifecycle phase, confidence, and
usage counters.

Examples:
  mendd patterns list
  mendd patterns list --json`,
	Args: cobra.NoArgs,
	RunE: runPatternsList,
}

var patternsShowCmd = &cobra.Command{
	Use:   "show <pattern-id>",
	Short: "Show one pattern in full",
	Long: `Show one pattern in full, including its conditions, solution, and
version history.

Examples:
  mendd patterns show 7f3a1c2e
  mendd patterns show 7f3a1c2e --json`,
	Args: cobra.ExactArgs(1),
	RunE: runPatternsShow,
}

var circuitsCmd = &cobra.Command{
	Use:   "circuits",
	Short: "Show circuit breaker states",
	Long: `Show the state of every registered circuit breaker.

Examples:
  mendd circuits
  mendd circuits --json`,
	Args: cobra.NoArgs,
	RunE: runCircuits,
}

var cooldownsCmd = &cobra.Command{
	Use:   "cooldowns",
	Short: "Show blacklisted failure records",
	Long: `Show failure records currently blocking re-dispatch of repeated
faults.

Examples:
  mendd cooldowns
  mendd cooldowns --json`,
	Args: cobra.NoArgs,
	RunE: runCooldowns,
}

var resetCmd = &cobra.Command{
	Use:   "reset [breaker]",
	Short: "Force circuit breakers closed or clear cooldown records",
	Long: `Force circuit breakers closed or clear cooldown records on a running
mendd server.

Without arguments every breaker is reset. Cooldown records are only
touched when a cooldown flag is given.

Examples:
  # Reset all circuit breakers
  mendd reset

  # Reset one breaker by name
  mendd reset agent

  # Clear every cooldown record
  mendd reset --cooldowns

  # Clear one cooldown record by key
  mendd reset --cooldown 9f86d081884c7d65`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(circuitsCmd)
	rootCmd.AddCommand(cooldownsCmd)
	rootCmd.AddCommand(resetCmd)

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsShowCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	patternsListCmd.Flags().BoolVar(&patternsJSON, "json", false, "Output as JSON")
	patternsShowCmd.Flags().BoolVar(&patternsJSON, "json", false, "Output as JSON")
	circuitsCmd.Flags().BoolVar(&circuitsJSON, "json", false, "Output as JSON")
	cooldownsCmd.Flags().BoolVar(&cooldownsJSON, "json", false, "Output as JSON")

	resetCmd.Flags().BoolVar(&resetCooldowns, "cooldowns", false, "Clear every cooldown record")
	resetCmd.Flags().StringVar(&resetCooldownKey, "cooldown", "", "Clear one cooldown record by key")
}

// getJSON fetches a path from the status API and decodes the body.
func getJSON(path string, out interface{}) error {
	url := apiURL + path

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// postJSON posts a body to the status API and decodes the response.
func postJSON(path string, reqBody, out interface{}) error {
	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := apiURL + path
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status api.StatusResponse
	if err := getJSON("/status", &status); err != nil {
		return err
	}

	if statusJSON {
		return outputJSON(status)
	}

	fmt.Printf("Server Uptime:  %s\n", status.Uptime)
	fmt.Printf("Patterns:       %d\n", status.PatternCount)
	fmt.Printf("Cycles:         %d\n", status.Learning.CyclesCompleted)
	fmt.Printf("Pattern Hits:   %d\n", status.Learning.PatternHits)
	fmt.Printf("Escalations:    %d\n", status.Learning.Escalations)
	fmt.Printf("Hit Rate:       %s\n", monitor.FormatPercent(status.Learning.HitRate))
	fmt.Printf("Avg Confidence: %s\n", monitor.FormatConfidence(status.Learning.AvgConfidence))
	fmt.Printf("Cooldowns:      %d\n", status.CooldownCount)

	if len(status.Learning.TopPatterns) > 0 {
		fmt.Println("\nTop Patterns:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tUSAGE")
		for _, top := range status.Learning.TopPatterns {
			fmt.Fprintf(w, "  %s\t%d\n", truncate(top.Name, 40), top.UsageCount)
		}
		w.Flush()
	}

	return nil
}

func runPatternsList(cmd *cobra.Command, args []string) error {
	var resp api.PatternsResponse
	if err := getJSON("/patterns", &resp); err != nil {
		return err
	}

	if patternsJSON {
		return outputJSON(resp)
	}

	if resp.Count == 0 {
		fmt.Println("No patterns learned yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPHASE\tCONF\tUSAGE\tSUCCESS")
	for _, p := range resp.Patterns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			truncate(p.ID, 15),
			truncate(p.Name, 40),
			p.Stats.Phase,
			monitor.FormatConfidence(p.Stats.Confidence),
			p.Stats.UsageCount,
			p.Stats.SuccessCount)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d pattern(s)\n", resp.Count)
	return nil
}

func runPatternsShow(cmd *cobra.Command, args []string) error {
	var p pattern.Pattern
	if err := getJSON("/patterns/"+args[0], &p); err != nil {
		return err
	}

	if patternsJSON {
		return outputJSON(p)
	}

	fmt.Printf("ID:          %s\n", p.ID)
	fmt.Printf("Name:        %s\n", p.Name)
	if p.Description != "" {
		fmt.Printf("Description: %s\n", p.Description)
	}
	fmt.Printf("Phase:       %s\n", p.Stats.Phase)
	fmt.Printf("Confidence:  %s (%d/%d successful)\n",
		monitor.FormatConfidence(p.Stats.Confidence), p.Stats.SuccessCount, p.Stats.UsageCount)
	if p.Stats.LastUsedAt != nil {
		fmt.Printf("Last Used:   %s\n", p.Stats.LastUsedAt.Format(time.RFC3339))
	}
	fmt.Printf("Version:     %d\n", p.Version)
	fmt.Printf("Created:     %s\n", p.CreatedAt.Format(time.RFC3339))

	fmt.Println("\nConditions:")
	for _, c := range p.Conditions {
		fmt.Printf("  %s on %s: %s\n", c.Kind, c.Target, truncate(c.Value, 60))
	}

	fmt.Printf("\nSolution (%s):\n%s\n", p.Solution.Kind, p.Solution.Body)

	if len(p.History) > 0 {
		fmt.Println("\nHistory:")
		for _, change := range p.History {
			fmt.Printf("  v%d %s: %s\n", change.Version, change.ChangedAt.Format("2006-01-02"), change.Summary)
		}
	}

	return nil
}

func runCircuits(cmd *cobra.Command, args []string) error {
	var resp api.CircuitsResponse
	if err := getJSON("/circuits", &resp); err != nil {
		return err
	}

	if circuitsJSON {
		return outputJSON(resp)
	}

	if len(resp.Circuits) == 0 {
		fmt.Println("No circuit breakers registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tFAILURES\tSUCCESSES\tNEXT RETRY")
	for _, snap := range resp.Circuits {
		nextRetry := "-"
		if snap.NextRetryAt != nil {
			nextRetry = snap.NextRetryAt.Format("15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			snap.Name, snap.State, snap.FailureCount, snap.SuccessCount, nextRetry)
	}
	w.Flush()

	return nil
}

func runCooldowns(cmd *cobra.Command, args []string) error {
	var resp api.CooldownsResponse
	if err := getJSON("/cooldowns", &resp); err != nil {
		return err
	}

	if cooldownsJSON {
		return outputJSON(resp)
	}

	if resp.Count == 0 {
		fmt.Println("No cooldown records.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tFAILURES\tREMAINING\tKEY")
	for _, rec := range resp.Records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			truncate(rec.Target, 30),
			rec.FailureCount,
			monitor.FormatRemaining(rec.CooldownUntil),
			rec.Key)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d record(s)\n", resp.Count)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	clearingCooldowns := resetCooldowns || resetCooldownKey != ""

	if clearingCooldowns {
		req := api.ClearCooldownsRequest{Key: resetCooldownKey}
		var resp api.ClearCooldownsResponse
		if err := postJSON("/cooldowns/clear", req, &resp); err != nil {
			return err
		}
		fmt.Printf("Cleared %d cooldown record(s)\n", resp.Cleared)
	}

	// Breakers are reset by default, or when a breaker name is given
	// alongside cooldown flags.
	if len(args) > 0 || !clearingCooldowns {
		req := api.ResetRequest{}
		if len(args) > 0 {
			req.Breaker = args[0]
		}
		var resp api.ResetResponse
		if err := postJSON("/reset", req, &resp); err != nil {
			return err
		}
		if resp.Reset == "all" {
			fmt.Println("Reset all circuit breakers")
		} else {
			fmt.Printf("Reset circuit breaker %q\n", resp.Reset)
		}
	}

	return nil
}
