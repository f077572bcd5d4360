package trainer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

func TestDevice_Step(t *testing.T) {
	d := &Device{Kind: tuner.AcceleratorGPU, Budget: 1000, BytesPerSample: 4}

	require.NoError(t, d.Step(250))
	assert.Equal(t, int64(1000), d.Peak())

	err := d.Step(251)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tuner.ErrOutOfMemory))
	assert.True(t, tuner.IsOOMError(err))

	steps, ooms, _ := d.Stats()
	assert.Equal(t, 2, steps)
	assert.Equal(t, 1, ooms)
	assert.Equal(t, 250, d.MaxBatchSize())
}

func TestDevice_Unlimited(t *testing.T) {
	d := &Device{Kind: tuner.AcceleratorCPU, BytesPerSample: 1}

	assert.NoError(t, d.Step(1<<30))
	assert.Zero(t, d.MaxBatchSize())
}

func TestDevice_FailAtBatchSize(t *testing.T) {
	d := &Device{FailAtBatchSize: 64, BytesPerSample: 1}

	require.NoError(t, d.Step(63))
	err := d.Step(64)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.False(t, tuner.IsOOMError(err))
}

func TestDevice_Reclaim(t *testing.T) {
	d := &Device{}
	d.Reclaim()
	d.Reclaim()

	_, _, reclaimed := d.Stats()
	assert.Equal(t, 2, reclaimed)
}
