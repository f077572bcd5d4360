package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

// Progress is the serialized state of a loop.
type Progress struct {
	Epoch      int `json:"epoch"`
	BatchIdx   int `json:"batch_idx"`
	GlobalStep int `json:"global_step"`
	ValBatches int `json:"val_batches"`
}

type loopState struct {
	t          *Trainer
	phase      tuner.Phase
	progress   Progress
	restarting bool
}

func (l *loopState) StateDict() tuner.LoopState {
	data, err := json.Marshal(l.progress)
	if err != nil {
		// Progress only holds ints.
		panic(fmt.Sprintf("marshal loop progress: %v", err))
	}
	return data
}

func (l *loopState) LoadStateDict(state tuner.LoopState) error {
	var p Progress
	if err := json.Unmarshal(state, &p); err != nil {
		return fmt.Errorf("failed to decode %s loop state: %w", l.phase, err)
	}
	l.progress = p
	l.restarting = true
	return nil
}

func (l *loopState) Restarting() bool { return l.restarting }

func (l *loopState) SetRestarting(restarting bool) { l.restarting = restarting }

// Progress returns a copy of the loop progress.
func (l *loopState) Progress() Progress { return l.progress }

// FitLoop trains for MaxSteps global steps or MaxEpochs epochs, whichever
// comes first, validating at the end of every epoch and when it stops mid-epoch.
type FitLoop struct {
	loopState
	MaxSteps  int // -1 means unlimited
	MaxEpochs int
}

func (l *FitLoop) Run(ctx context.Context) error {
	t := l.t
	train, err := t.data.loader(tuner.PhaseFit)
	if err != nil {
		return err
	}
	val, err := t.data.valLoader()
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.MaxSteps >= 0 && l.progress.GlobalStep >= l.MaxSteps {
			break
		}
		if l.progress.Epoch >= l.MaxEpochs {
			break
		}
		if l.progress.BatchIdx >= train.batches() {
			if err := l.validate(ctx, val); err != nil {
				return err
			}
			l.progress.Epoch++
			l.progress.BatchIdx = 0
			continue
		}

		if err := t.device.Step(train.batchSize); err != nil {
			return err
		}
		loss := t.optimizerStep(train.batchSize)
		l.progress.BatchIdx++
		l.progress.GlobalStep++
		t.logMetrics(map[string]float64{"train_loss": loss}, l.progress.GlobalStep)
		t.fireTrainBatchEnd(l.progress.GlobalStep)
	}

	if l.progress.BatchIdx > 0 {
		return l.validate(ctx, val)
	}
	return nil
}

func (l *FitLoop) validate(ctx context.Context, val *DataLoader) error {
	limit := l.t.BatchLimit(tuner.PhaseValidate).Resolve(val.batches())
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.t.device.Step(val.batchSize); err != nil {
			return err
		}
		l.progress.ValBatches++
	}
	return nil
}

type evalCore struct {
	loopState
}

func (l *evalCore) run(ctx context.Context) error {
	t := l.t
	dl, err := t.data.loader(l.phase)
	if err != nil {
		return err
	}

	limit := t.BatchLimit(l.phase).Resolve(dl.batches())
	for l.progress.BatchIdx < limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.device.Step(dl.batchSize); err != nil {
			return err
		}
		l.progress.BatchIdx++
		l.progress.GlobalStep++
	}
	return nil
}

// EvalLoop runs validate and test.
type EvalLoop struct {
	evalCore
	verbose bool
}

func (l *EvalLoop) Run(ctx context.Context) error {
	if err := l.run(ctx); err != nil {
		return err
	}
	if l.verbose {
		slog.Info("Evaluation finished", "phase", string(l.phase), "batches", l.progress.BatchIdx)
	}
	return nil
}

func (l *EvalLoop) Verbose() bool { return l.verbose }

func (l *EvalLoop) SetVerbose(verbose bool) { l.verbose = verbose }

// PredictLoop runs predict. It has no verbose flag.
type PredictLoop struct {
	evalCore
}

func (l *PredictLoop) Run(ctx context.Context) error {
	return l.run(ctx)
}
