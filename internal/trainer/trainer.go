// Package trainer is an in-memory training orchestrator with a simulated
// accelerator. It implements every collaborator the batch size finder needs,
// so searches can run end to end without a real device: steps allocate
// BytesPerSample*batchSize bytes against a fixed budget and fail with an
// out-of-memory error when it is exceeded.
package trainer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cwbudde/batchsizefinder/internal/store"
	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

// Options configures a simulated Trainer.
type Options struct {
	Accelerator tuner.AcceleratorKind
	RootDir     string

	// BatchArgName is the hyperparameter the dataloaders read their batch size from.
	BatchArgName     string
	InitialBatchSize int
	// HparamLocation places the batch size on the model, in model.hparams or on
	// the datamodule. "both" defines it on the model and in model.hparams.
	// "none" leaves it undefined.
	HparamLocation string

	DatasetSize     int
	EvalDatasetSize int // defaults to DatasetSize
	EvalDataloaders int
	Streaming       bool

	// DirectTrainDataloader marks the train dataloader as passed to Fit
	// directly instead of coming from the model or datamodule.
	DirectTrainDataloader bool
	Distributed           bool
	FastDevRun            bool

	MemoryBudget    int64
	BytesPerSample  int64
	FailAtBatchSize int

	MaxSteps          int // -1 means unlimited
	MaxEpochs         int
	LimitValBatches   tuner.Limit
	LimitEvalBatches  tuner.Limit
	NumSanityValSteps int
	WeightDim         int
	LearningRate      float64

	Logger      tuner.ExperimentLogger
	ProgressBar bool
}

// DefaultOptions returns a small CPU workload with unlimited memory.
func DefaultOptions() Options {
	return Options{
		Accelerator:      tuner.AcceleratorCPU,
		RootDir:          ".",
		BatchArgName:     "batch_size",
		InitialBatchSize: 32,
		HparamLocation:   string(tuner.LocationModel),
		DatasetSize:      1000,
		EvalDataloaders:  1,
		BytesPerSample:   1,
		MaxSteps:         -1,
		MaxEpochs:        1,
		LimitValBatches:  tuner.Fraction(1.0),
		LimitEvalBatches: tuner.Fraction(1.0),
		WeightDim:        8,
		LearningRate:     0.01,
		Logger:           SlogLogger{},
		ProgressBar:      true,
	}
}

// Trainer is a simulated training orchestrator. It is not safe for concurrent use.
type Trainer struct {
	opts Options

	phase          tuner.Phase
	sanityChecking bool

	model      *Model
	datamodule *DataModule
	data       *dataConnector
	device     *Device
	store      *store.FSStore

	logger      tuner.ExperimentLogger
	callbacks   []tuner.Callback
	progressBar *ProgressBar

	limits map[tuner.Phase]tuner.Limit

	fitLoop     *FitLoop
	valLoop     *EvalLoop
	testLoop    *EvalLoop
	predictLoop *PredictLoop

	optimizerSteps int
}

// New builds a Trainer from opts. Zero-valued fields fall back to DefaultOptions.
func New(opts Options, callbacks ...tuner.Callback) (*Trainer, error) {
	opts = withDefaults(opts)

	st, err := store.NewFSStore(opts.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint directory: %w", err)
	}

	t := &Trainer{
		opts:      opts,
		model:     NewModel(opts.WeightDim),
		device:    &Device{Kind: opts.Accelerator, Budget: opts.MemoryBudget, BytesPerSample: opts.BytesPerSample, FailAtBatchSize: opts.FailAtBatchSize},
		store:     st,
		logger:    opts.Logger,
		callbacks: append([]tuner.Callback(nil), callbacks...),
		limits: map[tuner.Phase]tuner.Limit{
			tuner.PhaseValidate: opts.LimitValBatches,
			tuner.PhaseTest:     opts.LimitEvalBatches,
			tuner.PhasePredict:  opts.LimitEvalBatches,
		},
	}
	if opts.ProgressBar {
		t.progressBar = &ProgressBar{enabled: true}
	}

	if err := t.placeBatchSize(); err != nil {
		return nil, err
	}

	t.data = newDataConnector(t)
	t.fitLoop = &FitLoop{loopState: loopState{t: t, phase: tuner.PhaseFit}, MaxSteps: opts.MaxSteps, MaxEpochs: opts.MaxEpochs}
	t.valLoop = &EvalLoop{evalCore: evalCore{loopState{t: t, phase: tuner.PhaseValidate}}, verbose: true}
	t.testLoop = &EvalLoop{evalCore: evalCore{loopState{t: t, phase: tuner.PhaseTest}}, verbose: true}
	t.predictLoop = &PredictLoop{evalCore: evalCore{loopState{t: t, phase: tuner.PhasePredict}}}
	return t, nil
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Accelerator == "" {
		opts.Accelerator = def.Accelerator
	}
	if opts.RootDir == "" {
		opts.RootDir = def.RootDir
	}
	if opts.BatchArgName == "" {
		opts.BatchArgName = def.BatchArgName
	}
	if opts.InitialBatchSize <= 0 {
		opts.InitialBatchSize = def.InitialBatchSize
	}
	if opts.HparamLocation == "" {
		opts.HparamLocation = def.HparamLocation
	}
	if opts.DatasetSize <= 0 {
		opts.DatasetSize = def.DatasetSize
	}
	if opts.EvalDatasetSize <= 0 {
		opts.EvalDatasetSize = opts.DatasetSize
	}
	if opts.EvalDataloaders <= 0 {
		opts.EvalDataloaders = def.EvalDataloaders
	}
	if opts.BytesPerSample <= 0 {
		opts.BytesPerSample = def.BytesPerSample
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = def.MaxSteps
	}
	if opts.MaxEpochs <= 0 {
		opts.MaxEpochs = def.MaxEpochs
	}
	if opts.LimitValBatches == (tuner.Limit{}) {
		opts.LimitValBatches = def.LimitValBatches
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.LimitEvalBatches == (tuner.Limit{}) {
		opts.LimitEvalBatches = def.LimitEvalBatches
	}
	if opts.WeightDim <= 0 {
		opts.WeightDim = def.WeightDim
	}
	if opts.LearningRate == 0 {
		opts.LearningRate = def.LearningRate
	}
	return opts
}

// placeBatchSize defines the batch size hyperparameter where opts asks for it.
func (t *Trainer) placeBatchSize() error {
	name, size := t.opts.BatchArgName, t.opts.InitialBatchSize
	switch t.opts.HparamLocation {
	case string(tuner.LocationModel):
		t.model.Attrs[name] = size
	case string(tuner.LocationHParams):
		t.model.Hparams = Params{name: size}
	case string(tuner.LocationDataModule):
		t.datamodule = &DataModule{Params: Params{name: size}}
	case "both":
		t.model.Attrs[name] = size
		t.model.Hparams = Params{name: size}
	case "none":
	default:
		return fmt.Errorf("unknown hyperparameter location %q", t.opts.HparamLocation)
	}
	return nil
}

// batchSize resolves the batch size the dataloaders should use.
func (t *Trainer) batchSize() (int, error) {
	ref, err := tuner.LookupHyperparam(t.model, t.DataModule(), t.opts.BatchArgName)
	if err != nil {
		// Dataloaders without a tunable batch size fall back to the initial one.
		return t.opts.InitialBatchSize, nil
	}
	return ref.Get(), nil
}

func (t *Trainer) optimizerStep(batchSize int) float64 {
	t.optimizerSteps++
	var loss float64
	for i := range t.model.Weights {
		t.model.Weights[i] += t.opts.LearningRate * float64(batchSize) / float64(i+1)
		loss += t.model.Weights[i]
	}
	return loss
}

func (t *Trainer) logMetrics(metrics map[string]float64, step int) {
	if t.logger != nil {
		t.logger.LogMetrics(metrics, step)
	}
}

// Phase hooks a callback may implement.
type (
	SetupHook interface {
		Setup(t tuner.Trainer) error
	}
	FitStartHook interface {
		OnFitStart(ctx context.Context, t tuner.Trainer) (tuner.Signal, error)
	}
	ValidationStartHook interface {
		OnValidationStart(ctx context.Context, t tuner.Trainer) (tuner.Signal, error)
	}
	TestStartHook interface {
		OnTestStart(ctx context.Context, t tuner.Trainer) (tuner.Signal, error)
	}
	PredictStartHook interface {
		OnPredictStart(ctx context.Context, t tuner.Trainer) (tuner.Signal, error)
	}
	TrainBatchEndHook interface {
		OnTrainBatchEnd(step int)
	}
)

func (t *Trainer) fireTrainBatchEnd(step int) {
	for _, cb := range t.callbacks {
		if h, ok := cb.(TrainBatchEndHook); ok {
			h.OnTrainBatchEnd(step)
		}
	}
}

// fireStart calls the start hook of phase on every callback. Hooks may
// replace the callback list, so iteration runs over a copy.
func (t *Trainer) fireStart(ctx context.Context, phase tuner.Phase) (tuner.Signal, error) {
	for _, cb := range append([]tuner.Callback(nil), t.callbacks...) {
		var (
			sig tuner.Signal
			err error
		)
		switch phase {
		case tuner.PhaseFit:
			if h, ok := cb.(FitStartHook); ok {
				sig, err = h.OnFitStart(ctx, t)
			}
		case tuner.PhaseValidate:
			if h, ok := cb.(ValidationStartHook); ok {
				sig, err = h.OnValidationStart(ctx, t)
			}
		case tuner.PhaseTest:
			if h, ok := cb.(TestStartHook); ok {
				sig, err = h.OnTestStart(ctx, t)
			}
		case tuner.PhasePredict:
			if h, ok := cb.(PredictStartHook); ok {
				sig, err = h.OnPredictStart(ctx, t)
			}
		}
		if err != nil {
			return tuner.Continue, fmt.Errorf("%s start hook of %s failed: %w", phase, cb.Name(), err)
		}
		if sig == tuner.StopRequested {
			return sig, nil
		}
	}
	return tuner.Continue, nil
}

// Run executes phase: callback setup, start hooks, a sanity check for fit,
// then the phase loop. A start hook returning StopRequested ends the run
// before the loop executes.
func (t *Trainer) Run(ctx context.Context, phase tuner.Phase) (tuner.Signal, error) {
	if !phase.Valid() {
		return tuner.Continue, fmt.Errorf("unknown phase %q", phase)
	}
	t.phase = phase
	defer func() { t.phase = "" }()

	for _, cb := range append([]tuner.Callback(nil), t.callbacks...) {
		if h, ok := cb.(SetupHook); ok {
			if err := h.Setup(t); err != nil {
				return tuner.Continue, fmt.Errorf("setup of %s failed: %w", cb.Name(), err)
			}
		}
	}

	sig, err := t.fireStart(ctx, phase)
	if err != nil || sig == tuner.StopRequested {
		return sig, err
	}

	if phase == tuner.PhaseFit && t.opts.NumSanityValSteps > 0 {
		if err := t.sanityCheck(ctx); err != nil {
			return tuner.Continue, err
		}
	}

	slog.Debug("Running loop", "phase", string(phase), "batch_size", t.currentBatchSize())
	if err := t.Loop(phase).Run(ctx); err != nil {
		return tuner.Continue, fmt.Errorf("%s loop failed: %w", phase, err)
	}
	return tuner.Continue, nil
}

// sanityCheck fires the validation start hooks with SanityChecking set and
// runs a few validation batches.
func (t *Trainer) sanityCheck(ctx context.Context) error {
	t.sanityChecking = true
	defer func() { t.sanityChecking = false }()

	for _, cb := range append([]tuner.Callback(nil), t.callbacks...) {
		if h, ok := cb.(ValidationStartHook); ok {
			if _, err := h.OnValidationStart(ctx, t); err != nil {
				return fmt.Errorf("sanity check hook of %s failed: %w", cb.Name(), err)
			}
		}
	}

	val, err := t.data.valLoader()
	if err != nil {
		return err
	}
	for i := 0; i < min(t.opts.NumSanityValSteps, val.batches()); i++ {
		if err := t.device.Step(val.batchSize); err != nil {
			return fmt.Errorf("sanity check failed: %w", err)
		}
	}
	return nil
}

func (t *Trainer) currentBatchSize() int {
	size, _ := t.batchSize()
	return size
}

// tuner.Trainer implementation.

func (t *Trainer) Phase() tuner.Phase                 { return t.phase }
func (t *Trainer) SanityChecking() bool               { return t.sanityChecking }
func (t *Trainer) FastDevRun() bool                   { return t.opts.FastDevRun }
func (t *Trainer) Distributed() bool                  { return t.opts.Distributed }
func (t *Trainer) Accelerator() tuner.AcceleratorKind { return t.opts.Accelerator }
func (t *Trainer) DefaultRootDir() string             { return t.opts.RootDir }

func (t *Trainer) Logger() tuner.ExperimentLogger     { return t.logger }
func (t *Trainer) SetLogger(l tuner.ExperimentLogger) { t.logger = l }
func (t *Trainer) Callbacks() []tuner.Callback        { return t.callbacks }
func (t *Trainer) SetCallbacks(cbs []tuner.Callback)  { t.callbacks = cbs }

func (t *Trainer) ProgressBar() tuner.ProgressBar {
	if t.progressBar == nil {
		return nil
	}
	return t.progressBar
}

func (t *Trainer) MaxSteps() int     { return t.fitLoop.MaxSteps }
func (t *Trainer) SetMaxSteps(n int) { t.fitLoop.MaxSteps = n }

func (t *Trainer) BatchLimit(phase tuner.Phase) tuner.Limit { return t.limits[phase] }

func (t *Trainer) SetBatchLimit(phase tuner.Phase, limit tuner.Limit) { t.limits[phase] = limit }

func (t *Trainer) Loop(phase tuner.Phase) tuner.Loop {
	switch phase {
	case tuner.PhaseFit:
		return t.fitLoop
	case tuner.PhaseValidate:
		return t.valLoop
	case tuner.PhaseTest:
		return t.testLoop
	case tuner.PhasePredict:
		return t.predictLoop
	default:
		return nil
	}
}

func (t *Trainer) Model() tuner.Model { return t.model }

func (t *Trainer) DataModule() tuner.HyperparamStore {
	if t.datamodule == nil {
		return nil
	}
	return t.datamodule
}

func (t *Trainer) Data() tuner.DataConnector       { return t.data }
func (t *Trainer) Checkpoints() tuner.CheckpointIO { return t }
func (t *Trainer) ReclaimMemory()                  { t.device.Reclaim() }

// Accessors for inspection.

// SimModel returns the concrete model.
func (t *Trainer) SimModel() *Model { return t.model }

// Device returns the simulated accelerator.
func (t *Trainer) Device() *Device { return t.device }

// Store returns the checkpoint store rooted at RootDir.
func (t *Trainer) Store() *store.FSStore { return t.store }

// FitLoop returns the fit loop.
func (t *Trainer) FitLoop() *FitLoop { return t.fitLoop }

// EvalLoop returns the validate or test loop.
func (t *Trainer) EvalLoop(phase tuner.Phase) *EvalLoop {
	if phase == tuner.PhaseTest {
		return t.testLoop
	}
	return t.valLoop
}

// OptimizerSteps returns the number of optimizer updates applied.
func (t *Trainer) OptimizerSteps() int { return t.optimizerSteps }

// DataloaderResets returns how often dataloaders were rebuilt.
func (t *Trainer) DataloaderResets() int { return t.data.resets }

// CurrentDataLoader returns the loader the phase currently uses.
func (t *Trainer) CurrentDataLoader(phase tuner.Phase) (*DataLoader, error) {
	return t.data.loader(phase)
}

// SetPhase sets the running phase outside of Run, for driving finder
// operations directly.
func (t *Trainer) SetPhase(phase tuner.Phase) { t.phase = phase }
