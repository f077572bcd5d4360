package store

import (
	"fmt"
	"time"
)

// Artifact is the full training state saved before a batch size search and
// restored after it. Hyperparams are recorded for inspection only: restoring
// an artifact must not undo the batch size the search settled on.
type Artifact struct {
	// Name is the file name of the artifact (".scale_batch_size_<uuid>.ckpt").
	Name string `json:"name"`

	// Weights is the model parameter vector.
	Weights []float64 `json:"weights"`

	// Hyperparams is a flattened copy of the model hyperparameters at save time.
	Hyperparams map[string]int `json:"hyperparams,omitempty"`

	// OptimizerSteps is the number of optimizer updates applied so far.
	OptimizerSteps int `json:"optimizerSteps"`

	// GlobalStep is the fit loop's global step at save time.
	GlobalStep int `json:"globalStep"`

	Timestamp time.Time `json:"timestamp"`
}

// ArtifactInfo describes an artifact without its weights.
type ArtifactInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	GlobalStep int       `json:"globalStep"`
	Size       int64     `json:"size"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewArtifact builds an artifact stamped with the current time.
func NewArtifact(name string, weights []float64, hyperparams map[string]int, optimizerSteps, globalStep int) *Artifact {
	return &Artifact{
		Name:           name,
		Weights:        append([]float64(nil), weights...),
		Hyperparams:    hyperparams,
		OptimizerSteps: optimizerSteps,
		GlobalStep:     globalStep,
		Timestamp:      time.Now(),
	}
}

// Validate checks if the artifact has valid data.
func (a *Artifact) Validate() error {
	if a.Name == "" {
		return &ValidationError{Field: "Name", Reason: "cannot be empty"}
	}
	if a.Weights == nil {
		return &ValidationError{Field: "Weights", Reason: "cannot be nil"}
	}
	if a.OptimizerSteps < 0 {
		return &ValidationError{Field: "OptimizerSteps", Reason: "cannot be negative"}
	}
	if a.GlobalStep < 0 {
		return &ValidationError{Field: "GlobalStep", Reason: "cannot be negative"}
	}
	if a.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// IsCompatible checks that the artifact can be loaded into a model with
// weightDim parameters.
func (a *Artifact) IsCompatible(weightDim int) error {
	if len(a.Weights) != weightDim {
		return &CompatibilityError{
			Field:    "Weights",
			Expected: fmt.Sprintf("%d", weightDim),
			Actual:   fmt.Sprintf("%d", len(a.Weights)),
		}
	}
	return nil
}

// JobConfig is the search and workload configuration of a tuning job
// (result copy). This avoids import cycles with the config package.
type JobConfig struct {
	Mode           string `json:"mode"`
	Phase          string `json:"phase"`
	InitVal        int    `json:"initVal"`
	MaxTrials      int    `json:"maxTrials"`
	StepsPerTrial  int    `json:"stepsPerTrial"`
	BatchArgName   string `json:"batchArgName"`
	DatasetSize    int    `json:"datasetSize"`
	MemoryBudget   int64  `json:"memoryBudget"`
	BytesPerSample int64  `json:"bytesPerSample"`
	Accelerator    string `json:"accelerator"`
}

// Result is the persisted outcome of a tuning job.
type Result struct {
	JobID            string    `json:"jobId"`
	State            string    `json:"state"`
	OptimalBatchSize int       `json:"optimalBatchSize"`
	Trials           int       `json:"trials"`
	OOMTrials        int       `json:"oomTrials"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Config           JobConfig `json:"config"`
}

// Validate checks if the result has valid data.
func (r *Result) Validate() error {
	if r.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if r.State == "" {
		return &ValidationError{Field: "State", Reason: "cannot be empty"}
	}
	if r.OptimalBatchSize < 0 {
		return &ValidationError{Field: "OptimalBatchSize", Reason: "cannot be negative"}
	}
	if r.Trials < r.OOMTrials {
		return &ValidationError{Field: "OOMTrials", Reason: "cannot exceed Trials"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// ValidationError represents an artifact or result validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// CompatibilityError represents an artifact that does not fit the model it
// is restored into.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
