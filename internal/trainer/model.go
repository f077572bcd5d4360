package trainer

import (
	"maps"

	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

// Params is a named set of integer hyperparameters.
type Params map[string]int

func (p Params) Hyperparam(name string) (int, bool) {
	v, ok := p[name]
	return v, ok
}

func (p Params) SetHyperparam(name string, value int) {
	p[name] = value
}

// Model is a toy module: a weight vector, attributes and an optional hparams namespace.
type Model struct {
	Attrs   Params
	Hparams Params // nil when the model has no hparams namespace
	Weights []float64
}

// NewModel returns a model with dim zero weights and no attributes.
func NewModel(dim int) *Model {
	return &Model{
		Attrs:   Params{},
		Weights: make([]float64, dim),
	}
}

func (m *Model) Hyperparam(name string) (int, bool) { return m.Attrs.Hyperparam(name) }

func (m *Model) SetHyperparam(name string, value int) { m.Attrs.SetHyperparam(name, value) }

// HParams returns the hparams namespace or a nil interface.
func (m *Model) HParams() tuner.HyperparamStore {
	if m.Hparams == nil {
		return nil
	}
	return m.Hparams
}

// AllHyperparams flattens every tier. Model attributes win over hparams.
func (m *Model) AllHyperparams() map[string]int {
	out := make(map[string]int, len(m.Attrs)+len(m.Hparams))
	maps.Copy(out, m.Hparams)
	maps.Copy(out, m.Attrs)
	return out
}

// DataModule owns dataloader hyperparameters when data is not defined on the model.
type DataModule struct {
	Params Params
}

func (d *DataModule) Hyperparam(name string) (int, bool) { return d.Params.Hyperparam(name) }

func (d *DataModule) SetHyperparam(name string, value int) { d.Params.SetHyperparam(name, value) }
