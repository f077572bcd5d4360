package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/batchsizefinder/internal/config"
	"github.com/cwbudde/batchsizefinder/internal/trainer"
	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

var (
	tuneConfigPath string
	tuneMode       string
	tunePhase      string
	tuneInitVal    int
	tuneMaxTrials  int
	tuneSteps      int
	tuneArgName    string
	tuneBudget     int64
	tuneBytes      int64
	tuneDataset    int
	tuneAccel      string
	tuneRootDir    string
	tuneStandalone bool
	tuneFastDevRun bool
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Run a batch size search against a simulated trainer",
	Long: `Loads a tuning config (YAML or JSON), applies flag overrides and runs the
batch size finder in the requested phase. The simulated trainer fails a step
with an out-of-memory error when batch_size * bytes_per_sample exceeds the
memory budget.

With --standalone the run stops after the search, the way a tuner-only call
does, instead of continuing with the full phase at the found size.`,
	RunE: runTune,
}

func init() {
	tuneCmd.Flags().StringVarP(&tuneConfigPath, "config", "c", "", "Path to a tuning config file (written with defaults if missing)")
	tuneCmd.Flags().StringVar(&tuneMode, "mode", "power", "Search mode (power, binsearch)")
	tuneCmd.Flags().StringVar(&tunePhase, "phase", "fit", "Phase to tune (fit, validate, test, predict)")
	tuneCmd.Flags().IntVar(&tuneInitVal, "init-val", 2, "Initial batch size")
	tuneCmd.Flags().IntVar(&tuneMaxTrials, "max-trials", 25, "Maximum number of successful trials")
	tuneCmd.Flags().IntVar(&tuneSteps, "steps-per-trial", 3, "Steps run at each candidate size")
	tuneCmd.Flags().StringVar(&tuneArgName, "batch-arg-name", "batch_size", "Name of the batch size hyperparameter")
	tuneCmd.Flags().Int64Var(&tuneBudget, "memory-budget", 0, "Simulated accelerator memory in bytes (0 = unlimited)")
	tuneCmd.Flags().Int64Var(&tuneBytes, "bytes-per-sample", 1, "Simulated memory per sample in bytes")
	tuneCmd.Flags().IntVar(&tuneDataset, "dataset-size", 10000, "Number of samples in the dataset")
	tuneCmd.Flags().StringVar(&tuneAccel, "accelerator", "cpu", "Accelerator kind (cpu, gpu, mps)")
	tuneCmd.Flags().StringVar(&tuneRootDir, "root-dir", ".", "Directory for the temporary search checkpoint")
	tuneCmd.Flags().BoolVar(&tuneStandalone, "standalone", false, "Stop after the search instead of running the phase")
	tuneCmd.Flags().BoolVar(&tuneFastDevRun, "fast-dev-run", false, "Simulate a fast dev run (the search is skipped)")

	rootCmd.AddCommand(tuneCmd)
}

// tuneConfig loads the config file and applies the flags that were set
// explicitly on the command line. A missing config file is created from the
// defaults so it can be edited for the next run.
func tuneConfig(cmd *cobra.Command) (config.Config, error) {
	load := config.Load
	if tuneConfigPath != "" {
		load = config.LoadOrCreate
	}
	cfg, err := load(tuneConfigPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Search.Mode = tuneMode
	}
	if flags.Changed("init-val") {
		cfg.Search.InitVal = tuneInitVal
	}
	if flags.Changed("max-trials") {
		cfg.Search.MaxTrials = tuneMaxTrials
	}
	if flags.Changed("steps-per-trial") {
		cfg.Search.StepsPerTrial = tuneSteps
	}
	if flags.Changed("batch-arg-name") {
		cfg.Search.BatchArgName = tuneArgName
	}
	if flags.Changed("standalone") {
		cfg.Search.EarlyExit = tuneStandalone
	}
	if flags.Changed("phase") {
		cfg.Workload.Phase = tunePhase
	}
	if flags.Changed("memory-budget") {
		cfg.Workload.MemoryBudget = tuneBudget
	}
	if flags.Changed("bytes-per-sample") {
		cfg.Workload.BytesPerSample = tuneBytes
	}
	if flags.Changed("dataset-size") {
		cfg.Workload.DatasetSize = tuneDataset
	}
	if flags.Changed("accelerator") {
		cfg.Workload.Accelerator = tuneAccel
	}
	if flags.Changed("root-dir") {
		cfg.Workload.RootDir = tuneRootDir
	}
	if flags.Changed("fast-dev-run") {
		cfg.Workload.FastDevRun = tuneFastDevRun
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runTune(cmd *cobra.Command, args []string) error {
	cfg, err := tuneConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := tune(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Optimal batch size: %d\n", result.BatchSize)
	if result.MemoryCeiling > 0 {
		fmt.Printf("Memory ceiling: %d samples\n", result.MemoryCeiling)
	}
	fmt.Printf("Trials: %d (%d out of memory)\n", result.Trials, result.OOMTrials)
	fmt.Printf("Signal: %s\n", result.Signal)
	fmt.Printf("Elapsed: %s\n", result.Elapsed.Round(time.Millisecond))
	return nil
}

type tuneResult struct {
	BatchSize int
	Trials    int
	OOMTrials int
	Signal    tuner.Signal
	Elapsed   time.Duration

	// MemoryCeiling is the largest batch the simulated device can hold,
	// 0 when memory is unlimited.
	MemoryCeiling int
}

// tune builds the simulated trainer with a finder callback and runs the
// configured phase.
func tune(ctx context.Context, cfg config.Config) (tuneResult, error) {
	var res tuneResult

	observer := tuner.TrialObserverFunc(func(rec tuner.TrialRecord) {
		res.Trials++
		if rec.Outcome == tuner.OutcomeOutOfMemory {
			res.OOMTrials++
		}
	})

	finder, err := tuner.New(cfg.SearchConfig(),
		tuner.WithObserver(observer),
		tuner.WithEarlyExit(cfg.Search.EarlyExit),
	)
	if err != nil {
		return res, err
	}

	tr, err := trainer.New(cfg.TrainerOptions(), finder)
	if err != nil {
		return res, fmt.Errorf("failed to create trainer: %w", err)
	}

	res.MemoryCeiling = tr.Device().MaxBatchSize()

	slog.Info("Starting batch size search",
		"mode", cfg.Search.Mode,
		"phase", cfg.Workload.Phase,
		"init_val", cfg.Search.InitVal,
		"memory_budget", cfg.Workload.MemoryBudget,
		"memory_ceiling", res.MemoryCeiling,
	)

	start := time.Now()
	sig, err := tr.Run(ctx, cfg.Phase())
	res.Elapsed = time.Since(start)
	if err != nil {
		return res, err
	}

	res.BatchSize = finder.OptimalBatchSize()
	res.Signal = sig
	return res, nil
}
