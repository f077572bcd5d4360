package tuner

import (
	"fmt"
	"strings"
)

// Mode selects how the batch size is grown between trials.
type Mode string

const (
	// ModePower keeps doubling the batch size until a trial runs out of memory.
	ModePower Mode = "power"

	// ModeBinsearch doubles until the first out-of-memory trial, then bisects
	// between the last successful and the first failing batch size.
	ModeBinsearch Mode = "binsearch"
)

// SupportedModes lists every accepted Mode.
var SupportedModes = []Mode{ModePower, ModeBinsearch}

// ParseMode converts a user supplied mode name. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, supported := range SupportedModes {
		if m == supported {
			return m, nil
		}
	}
	return "", &ConfigError{
		Field:  "mode",
		Reason: fmt.Sprintf("should be either of %v, got %q", SupportedModes, s),
	}
}

// SearchConfig holds the settings of one batch size search.
// A Finder copies the config at construction, so later edits to the caller's
// value have no effect on a running search.
type SearchConfig struct {
	// Mode is the growth strategy.
	Mode Mode `json:"mode" yaml:"mode"`

	// StepsPerTrial is the number of steps run at each candidate batch size.
	// One step is usually enough to provoke an OOM, in practice a few are needed.
	StepsPerTrial int `json:"stepsPerTrial" yaml:"steps_per_trial"`

	// InitVal is the batch size the search starts from.
	InitVal int `json:"initVal" yaml:"init_val"`

	// MaxTrials bounds the number of batch size increases before the search gives up.
	MaxTrials int `json:"maxTrials" yaml:"max_trials"`

	// BatchArgName names the hyperparameter holding the batch size. It is
	// looked up on the model, then on the model's hparams, then on the datamodule.
	BatchArgName string `json:"batchArgName" yaml:"batch_arg_name"`
}

// DefaultSearchConfig returns the settings used when nothing is configured.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Mode:          ModePower,
		StepsPerTrial: 3,
		InitVal:       2,
		MaxTrials:     25,
		BatchArgName:  "batch_size",
	}
}

// Validate checks the config and normalizes the mode name.
func (c *SearchConfig) Validate() error {
	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode

	if c.StepsPerTrial <= 0 {
		return &ConfigError{Field: "steps_per_trial", Reason: "must be positive"}
	}
	if c.InitVal <= 0 {
		return &ConfigError{Field: "init_val", Reason: "must be positive"}
	}
	if c.MaxTrials <= 0 {
		return &ConfigError{Field: "max_trials", Reason: "must be positive"}
	}
	if strings.TrimSpace(c.BatchArgName) == "" {
		return &ConfigError{Field: "batch_arg_name", Reason: "cannot be empty"}
	}
	return nil
}
