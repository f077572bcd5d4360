package tuner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjust_Clamp(t *testing.T) {
	tests := []struct {
		name      string
		dataset   int
		streaming bool
		current   int
		propose   int
		want      int
		changed   bool
	}{
		// 100 samples at 32 per batch is 4 batches, so 64 is not a valid
		// batch count and gets clamped to the dataset, which it fits.
		{name: "below dataset", dataset: 100, current: 32, propose: 64, want: 64, changed: true},
		{name: "above dataset", dataset: 100, current: 64, propose: 128, want: 100, changed: true},
		{name: "valid batch count", dataset: 1000, current: 2, propose: 4, want: 4, changed: true},
		{name: "already at ceiling", dataset: 100, current: 100, propose: 200, want: 100, changed: false},
		{name: "streaming never clamped", dataset: 100, streaming: true, current: 64, propose: 4096, want: 4096, changed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTrainer(PhaseFit, tt.dataset, tt.current)
			tr.data.streaming = tt.streaming
			ref, err := LookupHyperparam(tr.model, nil, "batch_size")
			require.NoError(t, err)

			got, changed, err := adjustTo(tr, ref, tt.propose, "succeeded")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.want, ref.Get())
		})
	}
}

func TestAdjustBy(t *testing.T) {
	tr := newFakeTrainer(PhaseFit, 10000, 24)
	ref, err := LookupHyperparam(tr.model, nil, "batch_size")
	require.NoError(t, err)

	got, changed, err := adjustBy(tr, ref, 2.0, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 48, got)

	// adjust never resets the dataloaders itself
	assert.Zero(t, tr.data.resets)
}

func TestAdjust_Idempotent(t *testing.T) {
	tr := newFakeTrainer(PhaseFit, 10000, 32)
	ref, err := LookupHyperparam(tr.model, nil, "batch_size")
	require.NoError(t, err)

	got, changed, err := adjustTo(tr, ref, 64, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 64, got)

	got, changed, err = adjustTo(tr, ref, 64, "")
	require.NoError(t, err)
	assert.False(t, changed, "same explicit value twice")
	assert.Equal(t, 64, got)
}

func TestAdjustBy_Saturates(t *testing.T) {
	tr := newFakeTrainer(PhaseFit, 100, 1<<62)
	tr.data.streaming = true
	ref, err := LookupHyperparam(tr.model, nil, "batch_size")
	require.NoError(t, err)

	got, changed, err := adjustBy(tr, ref, 2.0, "succeeded")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, math.MaxInt, got)

	got, changed, err = adjustBy(tr, ref, 2.0, "succeeded")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, math.MaxInt, got)
	assert.Positive(t, ref.Get())
}

func TestScale(t *testing.T) {
	assert.Equal(t, 48, scale(24, 2.0))
	assert.Equal(t, 12, scale(24, 0.5))
	assert.Equal(t, math.MaxInt, scale(math.MaxInt/2+1, 2.0))
	assert.Equal(t, math.MaxInt, scale(math.MaxInt, 2.0))
}

func TestIsValidBatchSize(t *testing.T) {
	assert.True(t, isValidBatchSize(10, fakeDataLoader{batches: 10, known: true}))
	assert.False(t, isValidBatchSize(11, fakeDataLoader{batches: 10, known: true}))
	assert.True(t, isValidBatchSize(1<<20, fakeDataLoader{batches: 10, known: false}))
}
