// ============================================================================
// Lease-Recovery CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the lease ledger
//
// Command Structure:
//   lease-recovery                 # Root command
//   ├── run                        # Start controller, worker pool and metrics
//   ├── submit                     # Journal jobs from a JSON file
//   │   └── --file, -f
//   ├── status                     # Offline state summary (snapshot + WAL)
//   ├── reconcile                  # Offline recovery sweep
//   ├── wal                        # Offline WAL inspection
//   │   ├── validate               # Checksums and sequence continuity
//   │   └── dump                   # Human-readable event listing
//   │       └── --path (default: wal.path from config)
//   ├── scenario                   # Deterministic duplicate-retry scenario
//   │   └── --lease --work --enforce --fencing
//   │       --crash-before-commit --crash-after-commit
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// submit file format:
//   [
//     {"payload": {"key": "value"}}
//   ]
//
// Signal Handling:
//   run captures SIGINT / SIGTERM and stops gracefully: worker pool drains,
//   a final clean snapshot is written, the WAL is closed.
//
// Exit status:
//   status and reconcile return an error (non-zero exit) when a ledger
//   invariant is violated.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/lease-recovery/internal/config"
	"github.com/ChuLiYu/lease-recovery/internal/controller"
	"github.com/ChuLiYu/lease-recovery/internal/metrics"
	"github.com/ChuLiYu/lease-recovery/internal/reconcile"
	"github.com/ChuLiYu/lease-recovery/internal/scenario"
	"github.com/ChuLiYu/lease-recovery/internal/storage/wal"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

var configFile string

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lease-recovery",
		Short: "Lease-Recovery: lease-based job execution with an idempotent commit boundary",
		Long: `Lease-Recovery runs jobs under time-bounded leases with:
- at-least-once execution and an idempotent commit boundary
- WAL + snapshot durability
- reconcile-based crash recovery
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildReconcileCommand())
	rootCmd.AddCommand(buildWALCommand())
	rootCmd.AddCommand(buildScenarioCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the controller, worker pool and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(cmd.Context())
		},
	}
}

func runSystem(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting Lease-Recovery with config: %s\n", configFile)
	log.Printf("Workers: %d, Lease: %s, Enforce idempotent commit: %v\n",
		cfg.Worker.WorkerCount, cfg.Ledger.LeaseDuration, cfg.Ledger.EnforceIdempotentCommit)

	ctrlConfig := controller.FromConfig(cfg)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(nil)
		ctrlConfig.Metrics = collector
		metricsServer = collector.NewServer(cfg.Metrics.Port)
		go func() {
			log.Printf("Starting metrics server on %s\n", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	ctrl, err := controller.NewController(ctrlConfig)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if err := ctrl.Start(ctx); err != nil {
		ctrl.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	log.Println("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		log.Println("\nReceived shutdown signal, stopping gracefully...")
	case <-ctx.Done():
	}

	stopErr := ctrl.Stop()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v\n", err)
		}
	}

	log.Println("System stopped. Goodbye!")
	return stopErr
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file",
		Long:  "Read job payloads from a JSON file and journal them. A running 'run' picks them up on its next start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return submitJobs(cmd.OutOrStdout(), jobFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job payloads")
	cmd.MarkFlagRequired("file")

	return cmd
}

// jobInput is one entry of the submit file
type jobInput struct {
	Payload types.Payload `json:"payload"`
}

func readJobFile(path string) ([]types.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var inputs []jobInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	payloads := make([]types.Payload, 0, len(inputs))
	for _, in := range inputs {
		if in.Payload == nil {
			in.Payload = types.Payload{}
		}
		payloads = append(payloads, in.Payload)
	}
	return payloads, nil
}

func submitJobs(out io.Writer, filePath string) error {
	payloads, err := readJobFile(filePath)
	if err != nil {
		return err
	}

	ctrl, err := openController()
	if err != nil {
		return err
	}
	if _, err := ctrl.Load(); err != nil {
		ctrl.Close()
		return fmt.Errorf("failed to load state: %w", err)
	}

	ids, submitErr := ctrl.SubmitBatch(payloads)
	stopErr := ctrl.Stop()

	for _, id := range ids {
		fmt.Fprintf(out, "submitted %s\n", id)
	}
	if submitErr != nil {
		return submitErr
	}
	if stopErr != nil {
		return fmt.Errorf("failed to persist state: %w", stopErr)
	}
	log.Printf("Successfully submitted %d jobs from %s\n", len(ids), filePath)
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger status",
		Long:  "Load the snapshot and replay the WAL, then print a state summary. No snapshot is written.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
}

func showStatus(out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctrl, err := controller.NewController(controller.FromConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Close()

	report, err := ctrl.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	status := ctrl.GetStatus()

	fmt.Fprintln(out, "Lease-Recovery Status")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintf(out, "Config:          %s\n", configFile)
	fmt.Fprintf(out, "Lease duration:  %s\n", cfg.Ledger.LeaseDuration)
	fmt.Fprintf(out, "Enforce commit:  %v\n", cfg.Ledger.EnforceIdempotentCommit)
	fmt.Fprintf(out, "Fencing:         %v\n", cfg.Ledger.Fencing)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  WAL:           %s\n", cfg.WAL.Path)
	if stats, err := wal.GetWALStats(cfg.WAL.Path); err == nil {
		fmt.Fprintf(out, "    events:      %d (seq %d..%d, %d bytes)\n", stats.TotalEvents, stats.FirstSeq, stats.LastSeq, stats.FileSize)
	}
	fmt.Fprintf(out, "  Snapshot:      %s (loaded: %v, seq: %d)\n", cfg.Snapshot.Path, report.SnapshotLoaded, report.SnapshotSeq)
	fmt.Fprintf(out, "  Replayed:      %d\n", report.Replayed)
	fmt.Fprintf(out, "  Clean shutdown: %v\n", !report.Unclean)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Clock:           %s\n", status.Clock)
	fmt.Fprintln(out, "Jobs:")
	for _, state := range []types.JobState{types.JobPending, types.JobRunning, types.JobSucceeded} {
		fmt.Fprintf(out, "  %-12s %d\n", state, status.Stats.Jobs[state])
	}
	fmt.Fprintln(out, "Executions:")
	for _, s := range []types.ExecStatus{types.ExecLeased, types.ExecInProgress, types.ExecCommitted, types.ExecDone, types.ExecAborted} {
		fmt.Fprintf(out, "  %-12s %d\n", s, status.Stats.Executions[s])
	}
	fmt.Fprintf(out, "Effects:         %d\n", status.Stats.Effects)
	fmt.Fprintln(out)

	if err := ctrl.CheckInvariants(); err != nil {
		fmt.Fprintf(out, "Invariants:      VIOLATED (%v)\n", err)
		return err
	}
	fmt.Fprintln(out, "Invariants:      ok")
	return nil
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand() *cobra.Command {
	var walPath string

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
	}
	cmd.PersistentFlags().StringVar(&walPath, "path", "", "WAL file (default: wal.path from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Verify checksums and sequence continuity",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveWALPath(walPath)
			if err != nil {
				return err
			}
			return validateWAL(cmd.OutOrStdout(), path)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every event in the WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveWALPath(walPath)
			if err != nil {
				return err
			}
			if err := wal.DumpWAL(path, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("failed to dump wal: %w", err)
			}
			return nil
		},
	})
	return cmd
}

func validateWAL(out io.Writer, path string) error {
	if err := wal.ValidateWAL(path); err != nil {
		fmt.Fprintf(out, "%s: INVALID (%v)\n", path, err)
		return fmt.Errorf("wal validation failed: %w", err)
	}
	count, err := wal.CountEvents(path)
	if err != nil {
		return fmt.Errorf("failed to count wal events: %w", err)
	}
	fmt.Fprintf(out, "%s: ok (%d events)\n", path, count)
	return nil
}

func resolveWALPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.WAL.Path, nil
}

// ============================================================================
// reconcile
// ============================================================================

func buildReconcileCommand() *cobra.Command {
	var advance time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one recovery sweep over the persisted ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), cmd.OutOrStdout(), advance)
		},
	}
	cmd.Flags().DurationVar(&advance, "advance", 0, "advance the virtual clock before sweeping")
	return cmd
}

func runReconcile(ctx context.Context, out io.Writer, advance time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctrl, err := openController()
	if err != nil {
		return err
	}
	if _, err := ctrl.Load(); err != nil {
		ctrl.Close()
		return fmt.Errorf("failed to load state: %w", err)
	}
	if advance > 0 {
		if err := ctrl.AdvanceClock(advance); err != nil {
			ctrl.Close()
			return err
		}
	}

	res, err := ctrl.ReconcileNow(ctx)
	if err != nil {
		ctrl.Close()
		return fmt.Errorf("failed to reconcile: %w", err)
	}
	printReconcile(out, res)

	invErr := ctrl.CheckInvariants()
	if err := ctrl.Stop(); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return invErr
}

func printReconcile(out io.Writer, res reconcile.Result) {
	fmt.Fprintf(out, "finalized: %d\n", len(res.Finalized))
	for _, id := range res.Finalized {
		fmt.Fprintf(out, "  %s\n", id)
	}
	fmt.Fprintf(out, "aborted:   %d\n", len(res.Aborted))
	for _, id := range res.Aborted {
		fmt.Fprintf(out, "  %s\n", id)
	}
	fmt.Fprintf(out, "reopened:  %d\n", len(res.Reopened))
	for _, id := range res.Reopened {
		fmt.Fprintf(out, "  %s\n", id)
	}
}

// ============================================================================
// scenario
// ============================================================================

func buildScenarioCommand() *cobra.Command {
	var (
		lease, work       time.Duration
		enforce, fencing  bool
		crashBeforeCommit bool
		crashAfterCommit  bool
	)

	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run the deterministic lease-expiry duplicate scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := scenario.Run(scenario.Config{
				LeaseDuration: lease,
				WorkDuration:  work,
				Fencing:       fencing,
				Faults: types.Faults{
					CrashBeforeCommit:          crashBeforeCommit,
					CrashAfterCommitBeforeDone: crashAfterCommit,
					EnforceIdempotentCommit:    enforce,
				},
			})
			if err != nil {
				return err
			}
			printScenario(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().DurationVar(&lease, "lease", time.Second, "lease duration (virtual)")
	cmd.Flags().DurationVar(&work, "work", 2*time.Second, "virtual time the first worker spends before finishing")
	cmd.Flags().BoolVar(&enforce, "enforce", false, "enforce the idempotent commit boundary")
	cmd.Flags().BoolVar(&fencing, "fencing", false, "reject commits from expired, superseded leases")
	cmd.Flags().BoolVar(&crashBeforeCommit, "crash-before-commit", false, "workers crash before committing")
	cmd.Flags().BoolVar(&crashAfterCommit, "crash-after-commit", false, "workers crash after committing, before finishing")
	return cmd
}

func printScenario(out io.Writer, res scenario.Result) {
	committed := string(res.CommittedExecID)
	if committed == "" {
		committed = "-"
	}
	fmt.Fprintf(out, "job:       %s\n", res.JobID)
	fmt.Fprintf(out, "effects:   %d\n", res.EffectsCount)
	fmt.Fprintf(out, "committed: %s\n", committed)

	outcomes := make([]string, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	fmt.Fprintf(out, "outcomes:  %v\n", outcomes)
}

// ============================================================================
// helpers
// ============================================================================

func openController() (*controller.Controller, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	ctrl, err := controller.NewController(controller.FromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	return ctrl, nil
}
