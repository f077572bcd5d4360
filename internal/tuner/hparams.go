package tuner

import "fmt"

// HparamLocation names the place a hyperparameter was found.
type HparamLocation string

const (
	LocationModel      HparamLocation = "model"
	LocationHParams    HparamLocation = "model.hparams"
	LocationDataModule HparamLocation = "datamodule"
)

type hparamHolder struct {
	location HparamLocation
	store    HyperparamStore
}

// HyperparamRef is a resolved handle on a batch size hyperparameter.
//
// Precedence for reads is model, then model.hparams, then datamodule: the
// first holder wins. Writes go to every holder so the tiers never disagree.
type HyperparamRef struct {
	name    string
	holders []hparamHolder
}

// LookupHyperparam resolves name on the model and datamodule.
// It returns a *ConfigError when no holder defines the field.
func LookupHyperparam(model Model, datamodule HyperparamStore, name string) (HyperparamRef, error) {
	ref := HyperparamRef{name: name}

	if model != nil {
		if _, ok := model.Hyperparam(name); ok {
			ref.holders = append(ref.holders, hparamHolder{LocationModel, model})
		}
		if hp := model.HParams(); hp != nil {
			if _, ok := hp.Hyperparam(name); ok {
				ref.holders = append(ref.holders, hparamHolder{LocationHParams, hp})
			}
		}
	}
	if datamodule != nil {
		if _, ok := datamodule.Hyperparam(name); ok {
			ref.holders = append(ref.holders, hparamHolder{LocationDataModule, datamodule})
		}
	}

	if len(ref.holders) == 0 {
		return HyperparamRef{}, &ConfigError{
			Field:  name,
			Reason: "not found in `model`, `model.hparams` or the datamodule",
		}
	}
	return ref, nil
}

// Name returns the hyperparameter name.
func (r HyperparamRef) Name() string { return r.name }

// Location returns where the authoritative value lives.
func (r HyperparamRef) Location() HparamLocation {
	if len(r.holders) == 0 {
		return ""
	}
	return r.holders[0].location
}

// Ambiguous reports whether the field is defined both on the model and in
// its hparams namespace.
func (r HyperparamRef) Ambiguous() bool {
	var model, hparams bool
	for _, h := range r.holders {
		switch h.location {
		case LocationModel:
			model = true
		case LocationHParams:
			hparams = true
		}
	}
	return model && hparams
}

// Get returns the authoritative value.
func (r HyperparamRef) Get() int {
	if len(r.holders) == 0 {
		return 0
	}
	v, _ := r.holders[0].store.Hyperparam(r.name)
	return v
}

// Set writes value to every holder.
func (r HyperparamRef) Set(value int) {
	for _, h := range r.holders {
		h.store.SetHyperparam(r.name, value)
	}
}

func (r HyperparamRef) String() string {
	return fmt.Sprintf("%s.%s", r.Location(), r.name)
}
