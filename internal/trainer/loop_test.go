package trainer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

func newTestTrainer(t *testing.T, modify func(*Options)) *Trainer {
	t.Helper()

	opts := DefaultOptions()
	opts.RootDir = t.TempDir()
	if modify != nil {
		modify(&opts)
	}
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

func TestDataLoader_Len(t *testing.T) {
	dl := NewDataLoader(100, 32, false)
	n, known := dl.Len()
	assert.True(t, known)
	assert.Equal(t, 4, n)
	assert.Equal(t, 100, dl.DatasetLen())
	assert.Equal(t, 32, dl.BatchSize())

	_, known = NewDataLoader(100, 32, true).Len()
	assert.False(t, known)

	assert.Equal(t, 1, NewDataLoader(10, 0, false).BatchSize())
}

func TestFitLoop_FullEpoch(t *testing.T) {
	logger := &MemoryLogger{}
	tr := newTestTrainer(t, func(o *Options) {
		o.DatasetSize = 100
		o.Logger = logger
	})

	_, err := tr.Run(context.Background(), tuner.PhaseFit)
	require.NoError(t, err)

	p := tr.FitLoop().Progress()
	assert.Equal(t, 1, p.Epoch)
	assert.Equal(t, 0, p.BatchIdx)
	assert.Equal(t, 4, p.GlobalStep)
	assert.Equal(t, 4, p.ValBatches)
	assert.Equal(t, 4, tr.OptimizerSteps())
	assert.Len(t, logger.Records(), 4)
	assert.NotZero(t, tr.SimModel().Weights[0])
}

func TestFitLoop_MaxStepsValidatesMidEpoch(t *testing.T) {
	tr := newTestTrainer(t, func(o *Options) {
		o.DatasetSize = 1000
		o.MaxSteps = 3
		o.LimitValBatches = tuner.Batches(2)
	})

	_, err := tr.Run(context.Background(), tuner.PhaseFit)
	require.NoError(t, err)

	p := tr.FitLoop().Progress()
	assert.Equal(t, 3, p.GlobalStep)
	assert.Equal(t, 0, p.Epoch)
	assert.Equal(t, 2, p.ValBatches)
}

func TestFitLoop_OutOfMemory(t *testing.T) {
	tr := newTestTrainer(t, func(o *Options) {
		o.MemoryBudget = 16
	})

	_, err := tr.Run(context.Background(), tuner.PhaseFit)
	require.Error(t, err)
	assert.ErrorIs(t, err, tuner.ErrOutOfMemory)
}

func TestLoopState_RoundTrip(t *testing.T) {
	tr := newTestTrainer(t, nil)
	loop := tr.FitLoop()
	loop.progress = Progress{Epoch: 2, BatchIdx: 5, GlobalStep: 17, ValBatches: 3}

	state := loop.StateDict()
	loop.progress = Progress{}

	require.NoError(t, loop.LoadStateDict(state))
	assert.Equal(t, 17, loop.Progress().GlobalStep)
	assert.True(t, loop.Restarting())

	loop.SetRestarting(false)
	assert.False(t, loop.Restarting())

	assert.Error(t, loop.LoadStateDict(tuner.LoopState("not json")))
}

func TestEvalLoop_Limit(t *testing.T) {
	tr := newTestTrainer(t, func(o *Options) {
		o.EvalDatasetSize = 320
		o.LimitEvalBatches = tuner.Fraction(0.5)
	})

	_, err := tr.Run(context.Background(), tuner.PhaseTest)
	require.NoError(t, err)

	// 320 samples at 32 is 10 batches, half of them run
	assert.Equal(t, 5, tr.EvalLoop(tuner.PhaseTest).Progress().BatchIdx)
	assert.True(t, tr.EvalLoop(tuner.PhaseTest).Verbose())
}

func TestPredictLoop_Run(t *testing.T) {
	tr := newTestTrainer(t, func(o *Options) {
		o.DatasetSize = 64
	})

	_, err := tr.Run(context.Background(), tuner.PhasePredict)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.predictLoop.Progress().BatchIdx)
}

func TestLoop_CancelledContext(t *testing.T) {
	tr := newTestTrainer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Run(ctx, tuner.PhaseFit)
	assert.ErrorIs(t, err, context.Canceled)
}
