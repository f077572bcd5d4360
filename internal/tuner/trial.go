package tuner

import (
	"context"
	"fmt"
	"time"
)

// OutcomeKind classifies a trial.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeOutOfMemory
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeOutOfMemory:
		return "oom"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// TrialOutcome is the result of one trial run.
type TrialOutcome struct {
	Kind     OutcomeKind
	Err      error
	Duration time.Duration
}

// runTrial executes the phase loop for its trial budget, always starting
// from the progress captured in snap.
//
// Writes: loop state and restarting flag, then whatever the loop itself mutates.
func runTrial(ctx context.Context, t Trainer, snap *Snapshot, classify OOMClassifier) TrialOutcome {
	start := time.Now()
	loop := t.Loop(snap.Phase)

	if err := loop.LoadStateDict(snap.LoopState.Clone()); err != nil {
		return TrialOutcome{
			Kind:     OutcomeFatal,
			Err:      fmt.Errorf("failed to reset %s loop before trial: %w", snap.Phase, err),
			Duration: time.Since(start),
		}
	}
	loop.SetRestarting(false)

	err := loop.Run(ctx)
	outcome := TrialOutcome{Err: err, Duration: time.Since(start)}
	switch {
	case err == nil:
		outcome.Kind = OutcomeOK
	case classify(err):
		outcome.Kind = OutcomeOutOfMemory
	default:
		outcome.Kind = OutcomeFatal
	}
	return outcome
}
