package tuner

import (
	"bytes"
	"context"
	"fmt"
)

// Phase is the trainer entry point currently running.
type Phase string

const (
	PhaseFit      Phase = "fit"
	PhaseValidate Phase = "validate"
	PhaseTest     Phase = "test"
	PhasePredict  Phase = "predict"
)

// DataloaderPrefix returns the prefix used for the phase's dataloader and
// batch limit ("train" for fit, "val" for validate).
func (p Phase) DataloaderPrefix() string {
	switch p {
	case PhaseFit:
		return "train"
	case PhaseValidate:
		return "val"
	case PhaseTest:
		return "test"
	case PhasePredict:
		return "predict"
	default:
		return ""
	}
}

// Valid reports whether p is a recognized phase.
func (p Phase) Valid() bool {
	return p.DataloaderPrefix() != ""
}

// AcceleratorKind identifies the device class steps run on.
type AcceleratorKind string

const (
	AcceleratorCPU AcceleratorKind = "cpu"
	AcceleratorGPU AcceleratorKind = "gpu"
	AcceleratorMPS AcceleratorKind = "mps"
)

// ReclaimsMemory reports whether cached device memory has to be released
// between trials on this accelerator.
func (k AcceleratorKind) ReclaimsMemory() bool {
	return k == AcceleratorGPU
}

// Limit is a batch limit: either an absolute number of batches or a
// fraction of the dataloader.
type Limit struct {
	Value    float64 `json:"value" yaml:"value"`
	Fraction bool    `json:"fraction,omitempty" yaml:"fraction,omitempty"`
}

// Batches returns an absolute batch limit.
func Batches(n int) Limit { return Limit{Value: float64(n)} }

// Fraction returns a relative batch limit.
func Fraction(f float64) Limit { return Limit{Value: f, Fraction: true} }

// Resolve turns the limit into a batch count for a dataloader of n batches.
func (l Limit) Resolve(n int) int {
	var count int
	if l.Fraction {
		count = int(l.Value * float64(n))
	} else {
		count = int(l.Value)
	}
	if count > n {
		count = n
	}
	if count < 0 {
		count = 0
	}
	return count
}

func (l Limit) String() string {
	if l.Fraction {
		return fmt.Sprintf("%.2f", l.Value)
	}
	return fmt.Sprintf("%d", int(l.Value))
}

// LoopState is the serialized progress of a loop. Two states are equal when
// their bytes are equal.
type LoopState []byte

// Clone returns an independent copy.
func (s LoopState) Clone() LoopState {
	if s == nil {
		return nil
	}
	return append(LoopState(nil), s...)
}

// Equal reports whether both states describe the same progress.
func (s LoopState) Equal(other LoopState) bool {
	return bytes.Equal(s, other)
}

// Loop executes the steps of one phase.
type Loop interface {
	// StateDict serializes the loop progress.
	StateDict() LoopState
	// LoadStateDict replaces the loop progress. Loading marks the loop as restarting.
	LoadStateDict(LoopState) error
	Restarting() bool
	SetRestarting(bool)
	// Run executes the loop until its configured step or batch budget is spent.
	Run(ctx context.Context) error
}

// VerboseLoop is implemented by loops that print results when they finish.
type VerboseLoop interface {
	Loop
	Verbose() bool
	SetVerbose(bool)
}

// ExperimentLogger receives metrics during a run.
type ExperimentLogger interface {
	LogMetrics(metrics map[string]float64, step int)
}

// DummyLogger drops everything. It replaces a configured logger during trials.
type DummyLogger struct{}

func (DummyLogger) LogMetrics(map[string]float64, int) {}

// Callback is a trainer plugin. The finder itself is one.
type Callback interface {
	Name() string
}

// ProgressBar is the progress UI of a run.
type ProgressBar interface {
	Enable()
	Disable()
}

// HyperparamStore holds integer hyperparameters by name.
type HyperparamStore interface {
	Hyperparam(name string) (int, bool)
	SetHyperparam(name string, value int)
}

// Model is the module being trained. Its own fields are the first lookup
// tier, HParams the second.
type Model interface {
	HyperparamStore
	// HParams returns the hyperparameter namespace, or nil if the model has none.
	HParams() HyperparamStore
}

// DataLoader is the part of a dataloader the adjuster needs.
type DataLoader interface {
	// Len returns the number of batches and whether that number is known on
	// every participant.
	Len() (int, bool)
	// DatasetLen returns the number of samples in the dataset.
	DatasetLen() int
}

// DataConnector builds and resets the dataloaders of a trainer.
type DataConnector interface {
	// TrainSourceIsModule reports whether the train dataloader comes from the
	// model or datamodule rather than being passed to the entry point directly.
	TrainSourceIsModule() bool
	// NumDataloaders returns how many dataloaders the phase has.
	NumDataloaders(phase Phase) int
	// DataLoader returns the train dataloader for fit, or the first dataloader
	// of an evaluation phase.
	DataLoader(phase Phase) (DataLoader, error)
	// ResetDataloaders rebuilds the dataloaders of the phase so they pick up a
	// new batch size. Fit resets both train and val dataloaders.
	ResetDataloaders(phase Phase) error
}

// CheckpointIO persists full model and optimizer state.
type CheckpointIO interface {
	SaveCheckpoint(path string) error
	RestoreCheckpoint(path string) error
	RemoveCheckpoint(path string) error
}

// Trainer is the orchestration context the finder drives. Every finder
// operation receives it explicitly and documents which fields it touches.
type Trainer interface {
	Phase() Phase
	SanityChecking() bool
	FastDevRun() bool
	Distributed() bool
	Accelerator() AcceleratorKind
	DefaultRootDir() string

	Logger() ExperimentLogger
	SetLogger(ExperimentLogger)
	Callbacks() []Callback
	SetCallbacks([]Callback)
	// ProgressBar returns nil when the run has no progress UI.
	ProgressBar() ProgressBar

	// MaxSteps is the fit loop's global step budget (-1 means unlimited).
	MaxSteps() int
	SetMaxSteps(int)
	// BatchLimit returns limit_<prefix>_batches for the phase.
	BatchLimit(phase Phase) Limit
	SetBatchLimit(phase Phase, limit Limit)

	// Loop returns the loop that runs the phase.
	Loop(phase Phase) Loop

	Model() Model
	// DataModule returns nil when the data is defined on the model.
	DataModule() HyperparamStore
	Data() DataConnector
	Checkpoints() CheckpointIO

	// ReclaimMemory releases cached accelerator memory.
	ReclaimMemory()
}
