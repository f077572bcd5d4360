package tuner

import (
	"context"
	"fmt"
	"log/slog"
)

// searchState is owned by one in-flight search.
type searchState struct {
	candidate int
	low       int
	high      int // 0 while no trial has run out of memory
	trials    int
}

type strategy func(ctx context.Context, f *Finder, t Trainer, run *searchRun) (int, error)

// searchRun carries the per-search handles the strategies share.
type searchRun struct {
	ref  HyperparamRef
	snap *Snapshot
}

// trial reclaims memory, runs one trial at the current batch size and
// reports it to the observer.
func (f *Finder) trial(ctx context.Context, t Trainer, run *searchRun, n int) TrialOutcome {
	collectGarbage(t)

	size := run.ref.Get()
	outcome := runTrial(ctx, t, run.snap, f.classify)
	trialsTotal.WithLabelValues(string(f.cfg.Mode), outcome.Kind.String()).Inc()
	slog.Debug("Batch size trial finished",
		"trial", n,
		"batch_size", size,
		"outcome", outcome.Kind.String(),
		"duration", outcome.Duration,
	)
	if f.observer != nil {
		f.observer.ObserveTrial(TrialRecord{
			Trial:     n,
			Mode:      f.cfg.Mode,
			BatchSize: size,
			Outcome:   outcome.Kind,
			Duration:  outcome.Duration,
			Err:       outcome.Err,
		})
	}
	return outcome
}

func fatalTrial(size int, outcome TrialOutcome) error {
	return fmt.Errorf("trial at batch size %d failed: %w", size, outcome.Err)
}

// runPowerScaling doubles the batch size after every successful trial until
// a trial runs out of memory, the dataset ceiling is reached or MaxTrials
// trials ran.
func runPowerScaling(ctx context.Context, f *Finder, t Trainer, run *searchRun) (int, error) {
	newSize := run.ref.Get()
	lastGood := 0

	for i := 1; i <= f.cfg.MaxTrials; i++ {
		outcome := f.trial(ctx, t, run, i)

		switch outcome.Kind {
		case OutcomeOK:
			lastGood = newSize
			size, changed, err := adjustBy(t, run.ref, 2.0, "succeeded")
			if err != nil {
				return newSize, err
			}
			newSize = size
			if !changed {
				return newSize, nil
			}
			if err := t.Data().ResetDataloaders(t.Phase()); err != nil {
				return newSize, fmt.Errorf("failed to reset dataloaders: %w", err)
			}

		case OutcomeOutOfMemory:
			collectGarbage(t)
			fallback := lastGood
			if fallback == 0 {
				// The very first size did not fit.
				fallback = max(newSize/2, 1)
				slog.Warn("Initial batch size ran out of memory", "batch_size", newSize, "fallback", fallback)
			}
			size, changed, err := adjustTo(t, run.ref, fallback, "failed")
			if err != nil {
				return newSize, err
			}
			if changed {
				if err := t.Data().ResetDataloaders(t.Phase()); err != nil {
					return size, fmt.Errorf("failed to reset dataloaders: %w", err)
				}
			}
			return size, nil

		default:
			return newSize, fatalTrial(newSize, outcome)
		}
	}

	return newSize, nil
}

// runBinaryScaling doubles the batch size until the first out-of-memory
// trial, then bisects between the last successful and the failing size.
func runBinaryScaling(ctx context.Context, f *Finder, t Trainer, run *searchRun) (int, error) {
	st := searchState{candidate: run.ref.Get(), low: 1}
	n := 0

	for {
		n++
		outcome := f.trial(ctx, t, run, n)

		switch outcome.Kind {
		case OutcomeOK:
			st.trials++
			if st.trials > f.cfg.MaxTrials {
				return st.candidate, nil
			}

			st.low = st.candidate
			var (
				size    int
				changed bool
				err     error
			)
			if st.high > 0 {
				if st.high-st.low <= 1 {
					return st.candidate, nil
				}
				size, changed, err = adjustTo(t, run.ref, (st.high+st.low)/2, "succeeded")
			} else {
				size, changed, err = adjustBy(t, run.ref, 2.0, "succeeded")
			}
			if err != nil {
				return st.candidate, err
			}
			st.candidate = size
			if !changed {
				return st.candidate, nil
			}
			if err := t.Data().ResetDataloaders(t.Phase()); err != nil {
				return st.candidate, fmt.Errorf("failed to reset dataloaders: %w", err)
			}

		case OutcomeOutOfMemory:
			collectGarbage(t)

			st.high = st.candidate
			size, changed, err := adjustTo(t, run.ref, (st.high+st.low)/2, "failed")
			if err != nil {
				return st.candidate, err
			}
			st.candidate = size
			if changed {
				if err := t.Data().ResetDataloaders(t.Phase()); err != nil {
					return st.candidate, fmt.Errorf("failed to reset dataloaders: %w", err)
				}
			}
			if st.high-st.low <= 1 {
				return st.candidate, nil
			}

		default:
			return st.candidate, fatalTrial(st.candidate, outcome)
		}
	}
}

// collectGarbage releases cached accelerator memory on GPU-class devices.
func collectGarbage(t Trainer) {
	if t.Accelerator().ReclaimsMemory() {
		t.ReclaimMemory()
	}
}
