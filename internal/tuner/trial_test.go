package tuner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTrial_Outcomes(t *testing.T) {
	tests := []struct {
		name  string
		oomAt int
		fail  int
		want  OutcomeKind
	}{
		{name: "fits", want: OutcomeOK},
		{name: "out of memory", oomAt: 32, want: OutcomeOutOfMemory},
		{name: "other failure", fail: 32, want: OutcomeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTrainer(PhaseFit, 1000, 32)
			tr.oomAt = tt.oomAt
			tr.failAt = tt.fail

			snap, err := capture(tr)
			require.NoError(t, err)

			outcome := runTrial(context.Background(), tr, snap, IsOOMError)
			assert.Equal(t, tt.want, outcome.Kind)
			if tt.want == OutcomeOK {
				assert.NoError(t, outcome.Err)
			} else {
				assert.Error(t, outcome.Err)
			}
		})
	}
}

func TestRunTrial_StartsFromSnapshot(t *testing.T) {
	tr := newFakeTrainer(PhaseFit, 1000, 32)
	snap, err := capture(tr)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		outcome := runTrial(context.Background(), tr, snap, IsOOMError)
		require.Equal(t, OutcomeOK, outcome.Kind)
		// Every trial starts at progress 7 and runs once
		assert.Equal(t, 8, tr.loops[PhaseFit].progress)
	}
	assert.False(t, tr.loops[PhaseFit].restarting)
}

func TestRunTrial_CustomClassifier(t *testing.T) {
	tr := newFakeTrainer(PhaseFit, 1000, 32)
	tr.failAt = 32
	snap, err := capture(tr)
	require.NoError(t, err)

	always := func(error) bool { return true }
	outcome := runTrial(context.Background(), tr, snap, always)
	assert.Equal(t, OutcomeOutOfMemory, outcome.Kind)
}

func TestRunTrial_CancelledContext(t *testing.T) {
	tr := newFakeTrainer(PhaseFit, 1000, 32)
	snap, err := capture(tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := runTrial(ctx, tr, snap, IsOOMError)
	assert.Equal(t, OutcomeFatal, outcome.Kind)
	assert.True(t, errors.Is(outcome.Err, context.Canceled))
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "ok", OutcomeOK.String())
	assert.Equal(t, "oom", OutcomeOutOfMemory.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
}
