package trainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/batchsizefinder/internal/store"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	tr := newTestTrainer(t, nil)
	tr.optimizerStep(32)
	saved := append([]float64(nil), tr.SimModel().Weights...)
	path := filepath.Join(tr.Store().BaseDir(), ".scale_batch_size_x.ckpt")

	require.NoError(t, tr.SaveCheckpoint(path))

	artifact, err := tr.Store().Load(path)
	require.NoError(t, err)
	assert.Equal(t, ".scale_batch_size_x.ckpt", artifact.Name)
	assert.Equal(t, 32, artifact.Hyperparams["batch_size"])
	assert.Equal(t, 1, artifact.OptimizerSteps)

	// Training continues and the batch size changes
	tr.optimizerStep(64)
	tr.optimizerStep(64)
	tr.SimModel().Attrs["batch_size"] = 128

	require.NoError(t, tr.RestoreCheckpoint(path))
	assert.Equal(t, saved, tr.SimModel().Weights)
	assert.Equal(t, 1, tr.OptimizerSteps())
	assert.Equal(t, 128, tr.SimModel().Attrs["batch_size"], "restore leaves hyperparameters alone")

	require.NoError(t, tr.RemoveCheckpoint(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, tr.RemoveCheckpoint(path), store.ErrNotFound)
	assert.Error(t, tr.RestoreCheckpoint(path))
}

func TestCheckpoint_Incompatible(t *testing.T) {
	small := newTestTrainer(t, func(o *Options) { o.WeightDim = 4 })
	path := filepath.Join(small.Store().BaseDir(), "model.ckpt")
	require.NoError(t, small.SaveCheckpoint(path))

	big := newTestTrainer(t, func(o *Options) {
		o.WeightDim = 8
		o.RootDir = small.Store().BaseDir()
	})

	err := big.RestoreCheckpoint(path)
	var cerr *store.CompatibilityError
	assert.ErrorAs(t, err, &cerr)
}
