package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/api"
	"github.com/fyrsmithlabs/mendd/internal/approval"
	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/internal/cooldown"
	"github.com/fyrsmithlabs/mendd/internal/cycle"
	"github.com/fyrsmithlabs/mendd/internal/dispatch"
	"github.com/fyrsmithlabs/mendd/internal/events"
	"github.com/fyrsmithlabs/mendd/internal/logging"
	"github.com/fyrsmithlabs/mendd/internal/match"
	"github.com/fyrsmithlabs/mendd/internal/monitor"
	"github.com/fyrsmithlabs/mendd/internal/pattern"
	"github.com/fyrsmithlabs/mendd/internal/provider"
	"github.com/fyrsmithlabs/mendd/internal/redact"
	"github.com/fyrsmithlabs/mendd/internal/retry"
	"github.com/fyrsmithlabs/mendd/internal/telemetry"
)

var (
	runDryRun bool
	runListen bool
	runJSON   bool
	runVars   map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run [work-items-file]",
	Short: "Execute one improvement cycle over a batch of work items",
	Long: `Execute one improvement cycle over a batch of work items.

Work items are read as a JSON array from the given file, or from stdin
when the file is "-" or omitted. Each item carries an id and content,
and optionally a fault message, fault code, skill, and working
directory.

The command exits zero when the cycle completes, even if individual
items failed. It exits non-zero when the cycle aborts early, for
example on an unrecoverable fault or when every dispatch path is
circuit-broken.

Examples:
  # Run a cycle over a batch file
  mendd run items.json

  # Pipe work items in
  cat items.json | mendd run -

  # Substitute template variables into pattern solutions
  mendd run items.json --var env=staging --var region=eu

  # Exercise the full decision chain without touching providers
  mendd run items.json --dry-run

  # Expose the status API while the batch runs
  mendd run items.json --listen`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCycle,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Replace providers with no-ops that always report success")
	runCmd.Flags().BoolVar(&runListen, "listen", false, "Serve the status API for the duration of the run")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the cycle report as JSON")
	runCmd.Flags().StringToStringVar(&runVars, "var", nil, "Template variables substituted into pattern solutions (key=value)")
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	items, err := loadWorkItems(args)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if runListen {
		stop, err := startStatusAPI(ctx, cfg, rt, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	logger.Info(ctx, "starting cycle",
		zap.Int("items", len(items)),
		zap.Bool("dry_run", runDryRun))

	report, runErr := rt.engine.Run(ctx, items)
	if report != nil {
		if err := printReport(report); err != nil {
			return err
		}
	}
	return runErr
}

// runtime bundles the wired collaborators behind a cycle run.
type runtime struct {
	store      *pattern.Store
	stats      *pattern.StatsTracker
	cooldowns  *cooldown.Tracker
	breakers   *breaker.Group
	dispatcher *dispatch.Dispatcher
	engine     *cycle.Engine
	natsConn   *nats.Conn
}

// Close releases infrastructure resources.
func (r *runtime) Close() {
	if r.natsConn != nil {
		r.natsConn.Close()
	}
}

// buildRuntime wires stores, providers, dispatch, approval, and events
// into a cycle engine according to cfg.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*runtime, error) {
	if err := config.EnsureStateDir(cfg); err != nil {
		return nil, fmt.Errorf("failed to prepare state dir: %w", err)
	}

	store, stats, cooldowns, err := openStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	matcher, err := match.NewEngine(store,
		match.WithLogger(logger),
		match.WithScriptRunner(match.NewShellRunner(cfg.Dispatch.AttemptTimeout.Duration(), logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create match engine: %w", err)
	}

	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown.Duration(),
	}, logger)

	primary, fallback, err := buildProviders(cfg, logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.NewDispatcher(primary, fallback, breakers, dispatch.Config{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		AllowFallback:  cfg.Dispatch.AllowFallback,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout.Duration(),
		RequiredFields: cfg.Dispatch.RequiredFields,
		Retry: retry.Config{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay.Duration(),
			MaxDelay:   cfg.Retry.MaxDelay.Duration(),
			Multiplier: cfg.Retry.Multiplier,
		},
	}, dispatch.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	scrubber, err := redact.New(cfg.Redact, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrubber: %w", err)
	}

	var nc *nats.Conn
	if cfg.Events.Enabled || cfg.Approval.Mode == "nats" {
		nc, err = nats.Connect(cfg.Events.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.URL, err)
		}
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.Events.URL))
	}

	gate, notifier, err := approval.New(cfg.Approval, nc, scrubber, logger)
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		return nil, fmt.Errorf("failed to create approval gate: %w", err)
	}

	var bus *events.Bus
	if cfg.Events.Enabled && nc != nil {
		bus = events.NewBus(nc, events.WithLogger(logger), events.WithScrubber(scrubber))
	}

	engine, err := cycle.NewEngine(cycle.Deps{
		Store:      store,
		Matcher:    matcher,
		Dispatcher: dispatcher,
		Stats:      stats,
		Cooldowns:  cooldowns,
		Gate:       gate,
		Notifier:   notifier,
		Bus:        bus,
		Scrubber:   scrubber,
	}, cycle.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		Vars:       runVars,
	}, cycle.WithLogger(logger))
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		return nil, fmt.Errorf("failed to create cycle engine: %w", err)
	}

	return &runtime{
		store:      store,
		stats:      stats,
		cooldowns:  cooldowns,
		breakers:   breakers,
		dispatcher: dispatcher,
		engine:     engine,
		natsConn:   nc,
	}, nil
}

// openStores opens the three state files under the configured state dir.
func openStores(cfg *config.Config, logger *logging.Logger) (*pattern.Store, *pattern.StatsTracker, *cooldown.Tracker, error) {
	store, err := pattern.NewStore(cfg.StateFile("patterns.json"),
		pattern.WithLogger(logger),
		pattern.WithSimilarityFloor(cfg.Patterns.SimilarityFloor),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open pattern store: %w", err)
	}

	stats, err := pattern.NewStatsTracker(cfg.StateFile("stats.json"),
		pattern.WithStatsLogger(logger),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stats tracker: %w", err)
	}

	cooldowns, err := cooldown.NewTracker(cfg.StateFile("failures.json"),
		cooldown.WithLogger(logger),
		cooldown.WithMaxAge(cfg.Cooldown.MaxAge.Duration()),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open cooldown tracker: %w", err)
	}

	return store, stats, cooldowns, nil
}

// buildProviders resolves the primary and fallback providers. Under
// --dry-run both are no-ops whose output satisfies the default
// required-fields shape, so the decision chain runs end to end without
// reaching a real backend.
func buildProviders(cfg *config.Config, logger *logging.Logger) (provider.Provider, provider.Provider, error) {
	if runDryRun {
		out := `{"success": true, "summary": "dry run"}`
		var fallback provider.Provider
		if cfg.Dispatch.AllowFallback {
			fallback = &provider.Noop{Output: out}
		}
		return &provider.Noop{Output: out}, fallback, nil
	}

	primary, err := provider.New(cfg.Dispatch.Primary, cfg.Providers, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create primary provider: %w", err)
	}

	var fallback provider.Provider
	if cfg.Dispatch.AllowFallback {
		fallback, err = provider.New(cfg.Dispatch.Fallback, cfg.Providers, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create fallback provider: %w", err)
		}
	}

	return primary, fallback, nil
}

// startStatusAPI runs the status API alongside a cycle so dashboards
// can watch live breaker and dispatch state. The returned stop function
// blocks until the server has drained.
func startStatusAPI(ctx context.Context, cfg *config.Config, rt *runtime, logger *logging.Logger) (func(), error) {
	srv, err := api.NewServer(api.Deps{
		Store:      rt.store,
		Stats:      rt.stats,
		Breakers:   rt.breakers,
		Cooldowns:  rt.cooldowns,
		Dispatcher: rt.dispatcher,
	}, cfg.Server, api.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create status api: %w", err)
	}

	srvCtx, srvCancel := context.WithCancel(ctx)
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		if err := srv.Run(srvCtx); err != nil {
			logger.Warn(srvCtx, "status api stopped", zap.Error(err))
		}
	}()

	return func() {
		srvCancel()
		<-srvDone
	}, nil
}

// initTelemetry builds the OTLP pipeline from config. Returns a
// disabled no-op instance when telemetry is off.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.Endpoint = cfg.Telemetry.Endpoint
	tcfg.Protocol = cfg.Telemetry.Protocol
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Sampling.Rate = cfg.Telemetry.SampleRate

	return telemetry.New(ctx, tcfg)
}

// initLogger builds the zap logger, dual-emitting to OTLP when
// telemetry is enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	lcfg := logging.NewDefaultConfig()
	lcfg.Level = level
	lcfg.Format = cfg.Log.Format

	var lp log.LoggerProvider
	if tel.IsEnabled() {
		lcfg.Output.OTEL = true
		lp = tel.LoggerProvider()
	}

	return logging.NewLogger(lcfg, lp)
}

// loadWorkItems reads a JSON array of work items from a file, or from
// stdin when the argument is "-" or omitted.
func loadWorkItems(args []string) ([]cycle.WorkItem, error) {
	var data []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read work items from %s: %w", args[0], err)
		}
	}

	var items []cycle.WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse work items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no work items to process")
	}
	for i, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("work item %d is missing an id", i)
		}
		if item.Content == "" {
			return nil, fmt.Errorf("work item %s has no content", item.ID)
		}
	}

	return items, nil
}

// printReport renders the cycle report as a human-readable summary or,
// with --json, as indented JSON.
func printReport(report *cycle.Report) error {
	if runJSON {
		return outputJSON(report)
	}

	fmt.Printf("Cycle %s finished in %s\n", report.CycleID, report.Duration.Round(time.Millisecond))
	fmt.Printf("Processed: %d  Applied: %d  Suggested: %d  Escalated: %d  Skipped: %d  Failed: %d\n",
		report.Processed, report.Applied, report.Suggested, report.Escalated, report.Skipped, report.Failed)
	if report.Extracted > 0 {
		fmt.Printf("Learned %d new pattern(s)\n", report.Extracted)
	}

	if len(report.Items) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ITEM\tOUTCOME\tPATTERN\tPATH\tERROR")
		for _, item := range report.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				truncate(item.Item, 20),
				item.Outcome,
				truncate(item.PatternID, 15),
				item.ServedBy,
				truncate(item.Error, 40))
		}
		w.Flush()
	}

	fmt.Printf("\nLearning: %d hits / %d escalations (hit rate %s), avg confidence %s over %d cycles\n",
		report.Stats.PatternHits, report.Stats.Escalations,
		monitor.FormatPercent(report.Stats.HitRate),
		monitor.FormatConfidence(report.Stats.AvgConfidence),
		report.Stats.CyclesCompleted)

	if report.Aborted {
		fmt.Printf("\nCycle aborted: %s\n", report.AbortReason)
	}

	return nil
}
