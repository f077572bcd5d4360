package tuner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupHyperparam_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		model    *fakeModel
		dm       fakeStore
		location HparamLocation
		value    int
	}{
		{
			name:     "model field",
			model:    &fakeModel{attrs: fakeStore{"batch_size": 16}},
			location: LocationModel,
			value:    16,
		},
		{
			name:     "hparams namespace",
			model:    &fakeModel{attrs: fakeStore{}, hparams: fakeStore{"batch_size": 8}},
			location: LocationHParams,
			value:    8,
		},
		{
			name:     "datamodule",
			model:    &fakeModel{attrs: fakeStore{}},
			dm:       fakeStore{"batch_size": 4},
			location: LocationDataModule,
			value:    4,
		},
		{
			name:     "direct field wins over hparams",
			model:    &fakeModel{attrs: fakeStore{"batch_size": 16}, hparams: fakeStore{"batch_size": 8}},
			location: LocationModel,
			value:    16,
		},
		{
			name:     "model wins over datamodule",
			model:    &fakeModel{attrs: fakeStore{"batch_size": 16}},
			dm:       fakeStore{"batch_size": 4},
			location: LocationModel,
			value:    16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dm HyperparamStore
			if tt.dm != nil {
				dm = tt.dm
			}
			ref, err := LookupHyperparam(tt.model, dm, "batch_size")
			require.NoError(t, err)

			assert.Equal(t, tt.location, ref.Location())
			assert.Equal(t, tt.value, ref.Get())
			assert.Equal(t, "batch_size", ref.Name())
		})
	}
}

func TestHyperparamRef_SetWritesEveryHolder(t *testing.T) {
	model := &fakeModel{attrs: fakeStore{"batch_size": 16}, hparams: fakeStore{"batch_size": 8}}
	dm := fakeStore{"batch_size": 4}

	ref, err := LookupHyperparam(model, dm, "batch_size")
	require.NoError(t, err)
	assert.True(t, ref.Ambiguous())

	ref.Set(64)
	assert.Equal(t, 64, model.attrs["batch_size"])
	assert.Equal(t, 64, model.hparams["batch_size"])
	assert.Equal(t, 64, dm["batch_size"])
	assert.Equal(t, "model.batch_size", ref.String())
}

func TestLookupHyperparam_NotFound(t *testing.T) {
	model := &fakeModel{attrs: fakeStore{"lr": 1}, hparams: fakeStore{}}

	_, err := LookupHyperparam(model, fakeStore{}, "batch_size")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMisconfiguration)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestHyperparamRef_NotAmbiguous(t *testing.T) {
	model := &fakeModel{attrs: fakeStore{}, hparams: fakeStore{"batch_size": 8}}

	ref, err := LookupHyperparam(model, fakeStore{"batch_size": 8}, "batch_size")
	require.NoError(t, err)
	assert.False(t, ref.Ambiguous())
}
