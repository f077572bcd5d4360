// Package tuner finds the largest batch size that fits in accelerator memory.
//
// A Finder is installed as a trainer callback. When a phase starts it saves a
// checkpoint, swaps the trainer into a short-trial configuration, runs trials
// of StepsPerTrial steps at growing batch sizes until one runs out of memory,
// and then puts the trainer, the model weights and the loop progress back
// exactly as they were. Only the batch size hyperparameter keeps the value
// the search settled on.
//
// The search is synchronous and not reentrant: it owns the trainer for its
// whole duration and refuses to run under a distributed strategy.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Signal tells the caller of a phase hook whether the run may continue.
type Signal int

const (
	// Continue means the enclosing run proceeds with the found batch size.
	Continue Signal = iota
	// StopRequested means the search was the whole point of the call and the
	// caller should return without running the phase.
	StopRequested
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case StopRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

// State is the lifecycle position of a Finder.
type State string

const (
	StateIdle         State = "idle"
	StateValidating   State = "validating"
	StateSnapshotting State = "snapshotting"
	StateSearching    State = "searching"
	StateRestoring    State = "restoring"
	StateDone         State = "done"
	StateAborted      State = "aborted"
)

// CheckpointPrefix starts the file name of every temporary search checkpoint.
const CheckpointPrefix = ".scale_batch_size_"

// CheckpointExt ends the file name of every temporary search checkpoint.
const CheckpointExt = ".ckpt"

var strategies = map[Mode]strategy{
	ModePower:     runPowerScaling,
	ModeBinsearch: runBinaryScaling,
}

// Finder searches for the largest batch size that does not run out of memory.
type Finder struct {
	cfg       SearchConfig
	optimal   int
	earlyExit bool
	state     State

	observer TrialObserver
	classify OOMClassifier
	newID    func() string
}

// Option customizes a Finder.
type Option func(*Finder)

// WithObserver registers an observer notified after every trial.
func WithObserver(o TrialObserver) Option {
	return func(f *Finder) { f.observer = o }
}

// WithOOMClassifier replaces IsOOMError.
func WithOOMClassifier(c OOMClassifier) Option {
	return func(f *Finder) { f.classify = c }
}

// WithEarlyExit makes every search return StopRequested. Use it when the
// search is invoked on its own rather than as part of a real run.
func WithEarlyExit(exit bool) Option {
	return func(f *Finder) { f.earlyExit = exit }
}

// New validates cfg and returns a Finder. The optimal batch size starts out
// as cfg.InitVal.
func New(cfg SearchConfig, opts ...Option) (*Finder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Finder{
		cfg:      cfg,
		optimal:  cfg.InitVal,
		state:    StateIdle,
		classify: IsOOMError,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Name implements Callback.
func (f *Finder) Name() string { return "BatchSizeFinder" }

// Config returns a copy of the search settings.
func (f *Finder) Config() SearchConfig { return f.cfg }

// OptimalBatchSize returns the batch size found by the last search.
func (f *Finder) OptimalBatchSize() int { return f.optimal }

// State returns the lifecycle position of the finder.
func (f *Finder) State() State { return f.state }

// Setup rejects trainer configurations the search cannot handle. It runs
// once per phase before any hook fires.
//
// Reads: Distributed, Phase, Data, Model, DataModule.
func (f *Finder) Setup(t Trainer) error {
	f.state = StateValidating

	if err := f.validate(t); err != nil {
		f.state = StateAborted
		return err
	}
	f.state = StateIdle
	return nil
}

func (f *Finder) validate(t Trainer) error {
	if t.Distributed() {
		return &ConfigError{Field: "strategy", Reason: "distributed strategies are not supported"}
	}

	if !t.Data().TrainSourceIsModule() {
		return &ConfigError{
			Field: "train_dataloaders",
			Reason: "cannot be passed directly to fit() when the batch size finder is used. " +
				"Disable the finder or define the dataloader on the model or datamodule",
		}
	}

	phase := t.Phase()
	if phase != PhaseFit {
		if n := t.Data().NumDataloaders(phase); n > 1 {
			return &ConfigError{
				Field:  phase.DataloaderPrefix() + "_dataloaders",
				Reason: fmt.Sprintf("batch size finder cannot be used with multiple (%d) dataloaders", n),
			}
		}
	}

	if _, err := LookupHyperparam(t.Model(), t.DataModule(), f.cfg.BatchArgName); err != nil {
		return err
	}
	return nil
}

// OnFitStart runs the search at the start of fit.
func (f *Finder) OnFitStart(ctx context.Context, t Trainer) (Signal, error) {
	return f.ScaleBatchSize(ctx, t)
}

// OnValidationStart runs the search at the start of validate. Validation
// inside fit and sanity checking are skipped.
func (f *Finder) OnValidationStart(ctx context.Context, t Trainer) (Signal, error) {
	if t.SanityChecking() || t.Phase() != PhaseValidate {
		return Continue, nil
	}
	return f.ScaleBatchSize(ctx, t)
}

// OnTestStart runs the search at the start of test.
func (f *Finder) OnTestStart(ctx context.Context, t Trainer) (Signal, error) {
	return f.ScaleBatchSize(ctx, t)
}

// OnPredictStart runs the search at the start of predict.
func (f *Finder) OnPredictStart(ctx context.Context, t Trainer) (Signal, error) {
	return f.ScaleBatchSize(ctx, t)
}

// ScaleBatchSize runs one full search on t.
//
// On success the batch size hyperparameter holds the found value and every
// other trainer field, the loop progress and the model weights are as they
// were before the call. When a trial fails for a reason other than memory,
// the same restoration happens, the hyperparameter is reset to its previous
// value and the trial error is returned.
func (f *Finder) ScaleBatchSize(ctx context.Context, t Trainer) (Signal, error) {
	if t.FastDevRun() {
		slog.Warn("Skipping batch size scaler since fast_dev_run is enabled.")
		return Continue, nil
	}

	start := time.Now()
	f.state = StateSnapshotting

	ref, err := LookupHyperparam(t.Model(), t.DataModule(), f.cfg.BatchArgName)
	if err != nil {
		return f.abort(err)
	}
	if ref.Ambiguous() {
		slog.Warn(fmt.Sprintf("Field `model.%[1]s` and `model.hparams.%[1]s` are mutually exclusive! "+
			"`model.%[1]s` will be used as the initial batch size for scaling. "+
			"If this is not the intended behavior, please remove either one.", f.cfg.BatchArgName))
	}

	ckptPath := filepath.Join(t.DefaultRootDir(), CheckpointPrefix+f.newID()+CheckpointExt)
	if err := t.Checkpoints().SaveCheckpoint(ckptPath); err != nil {
		return f.abort(fmt.Errorf("failed to save checkpoint before batch size search: %w", err))
	}

	snap, err := capture(t)
	if err != nil {
		if rmErr := t.Checkpoints().RemoveCheckpoint(ckptPath); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return f.abort(err)
	}

	applyTrialSettings(t, f.cfg.StepsPerTrial)
	if pb := t.ProgressBar(); pb != nil {
		pb.Disable()
	}

	size, err := f.search(ctx, t, &searchRun{ref: ref, snap: snap}, ckptPath)
	searchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return f.abort(err)
	}

	f.optimal = size
	f.state = StateDone
	searchesTotal.WithLabelValues(string(f.cfg.Mode), "done").Inc()
	optimalBatchSize.Set(float64(size))
	slog.Info(fmt.Sprintf("Finished batch size finder, will continue with full run using batch size %d", size),
		"batch_size", size,
		"mode", string(f.cfg.Mode),
		"elapsed", time.Since(start),
	)

	if f.earlyExit {
		return StopRequested, nil
	}
	return Continue, nil
}

// search runs the strategy and restores the trainer however it ends.
func (f *Finder) search(ctx context.Context, t Trainer, run *searchRun, ckptPath string) (size int, err error) {
	original := run.ref.Get()
	completed := false

	defer func() {
		f.state = StateRestoring
		if !completed {
			run.ref.Set(original)
			if rerr := t.Data().ResetDataloaders(run.snap.Phase); rerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to reset dataloaders: %w", rerr))
			}
		}
		if rerr := f.restoreTrainer(t, run.snap, ckptPath); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	f.state = StateSearching
	_, changed, err := adjustTo(t, run.ref, f.cfg.InitVal, "")
	if err != nil {
		return original, err
	}
	if changed {
		if err := t.Data().ResetDataloaders(run.snap.Phase); err != nil {
			return original, fmt.Errorf("failed to reset dataloaders: %w", err)
		}
	}

	size, err = strategies[f.cfg.Mode](ctx, f, t, run)
	if err != nil {
		return size, err
	}
	completed = true
	return size, nil
}

// restoreTrainer puts back everything the search changed except the batch
// size. Every step is attempted even when an earlier one fails.
func (f *Finder) restoreTrainer(t Trainer, snap *Snapshot, ckptPath string) error {
	collectGarbage(t)

	var errs []error
	if err := restore(t, snap); err != nil {
		errs = append(errs, err)
	}
	if pb := t.ProgressBar(); pb != nil {
		pb.Enable()
	}
	if err := t.Checkpoints().RestoreCheckpoint(ckptPath); err != nil {
		errs = append(errs, fmt.Errorf("failed to restore checkpoint %s: %w", ckptPath, err))
	}
	if err := t.Checkpoints().RemoveCheckpoint(ckptPath); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove checkpoint %s: %w", ckptPath, err))
	}
	return errors.Join(errs...)
}

func (f *Finder) abort(err error) (Signal, error) {
	f.state = StateAborted
	searchesTotal.WithLabelValues(string(f.cfg.Mode), "aborted").Inc()
	slog.Error("Batch size finder aborted", "error", err)
	return Continue, err
}
