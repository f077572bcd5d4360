package tuner

import "fmt"

// Snapshot holds the trainer fields a search mutates, captured before the
// first trial and written back when the search ends.
type Snapshot struct {
	Phase     Phase
	Logger    ExperimentLogger
	Callbacks []Callback

	// MaxSteps and ValLimit are only captured for fit.
	MaxSteps int
	ValLimit Limit

	// EvalLimit is limit_<prefix>_batches of an evaluation phase.
	EvalLimit Limit

	// LoopVerbose is nil when the loop has no verbose flag.
	LoopVerbose *bool

	LoopState LoopState
}

// capture reads, without mutating, the fields of t relevant to its phase.
//
// Reads: Phase, Logger, Callbacks, MaxSteps, BatchLimit, Loop state and verbosity.
func capture(t Trainer) (*Snapshot, error) {
	phase := t.Phase()
	if !phase.Valid() {
		return nil, fmt.Errorf("cannot capture trainer state outside of a running phase (got %q)", phase)
	}

	loop := t.Loop(phase)
	if loop == nil {
		return nil, fmt.Errorf("trainer has no %s loop", phase)
	}

	snap := &Snapshot{
		Phase:     phase,
		Logger:    t.Logger(),
		Callbacks: append([]Callback(nil), t.Callbacks()...),
	}

	if phase == PhaseFit {
		snap.MaxSteps = t.MaxSteps()
		snap.ValLimit = t.BatchLimit(PhaseValidate)
	} else {
		snap.EvalLimit = t.BatchLimit(phase)
		if vl, ok := loop.(VerboseLoop); ok {
			verbose := vl.Verbose()
			snap.LoopVerbose = &verbose
		}
	}

	snap.LoopState = loop.StateDict().Clone()
	return snap, nil
}

// applyTrialSettings prepares t for short trial runs.
//
// Writes: Logger (DummyLogger if one was set), Callbacks (cleared),
// MaxSteps and the val limit for fit, the phase batch limit otherwise, and
// the loop verbosity.
func applyTrialSettings(t Trainer, stepsPerTrial int) {
	if t.Logger() != nil {
		t.SetLogger(DummyLogger{})
	}
	t.SetCallbacks(nil)

	phase := t.Phase()
	if phase == PhaseFit {
		t.SetBatchLimit(PhaseValidate, Batches(stepsPerTrial))
		t.SetMaxSteps(stepsPerTrial)
		return
	}

	t.SetBatchLimit(phase, Batches(stepsPerTrial))
	if vl, ok := t.Loop(phase).(VerboseLoop); ok {
		vl.SetVerbose(false)
	}
}

// restore writes every captured field back. It may be called any number of
// times after a successful capture.
//
// Writes: Logger, Callbacks, MaxSteps/limits, loop state, restarting flag, verbosity.
func restore(t Trainer, snap *Snapshot) error {
	t.SetLogger(snap.Logger)
	t.SetCallbacks(append([]Callback(nil), snap.Callbacks...))

	if snap.Phase == PhaseFit {
		t.SetMaxSteps(snap.MaxSteps)
		t.SetBatchLimit(PhaseValidate, snap.ValLimit)
	} else {
		t.SetBatchLimit(snap.Phase, snap.EvalLimit)
	}

	loop := t.Loop(snap.Phase)
	if err := loop.LoadStateDict(snap.LoopState.Clone()); err != nil {
		return fmt.Errorf("failed to reload %s loop state: %w", snap.Phase, err)
	}
	loop.SetRestarting(false)

	if snap.LoopVerbose != nil {
		if vl, ok := loop.(VerboseLoop); ok {
			vl.SetVerbose(*snap.LoopVerbose)
		}
	}
	return nil
}
