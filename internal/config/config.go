// Package config loads tuning runs from YAML.
//
// A file has two sections: search holds the finder settings, workload
// describes the simulated trainer the finder runs against. Missing keys
// keep their defaults and BATCHSIZEFINDER_* environment variables override
// the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/batchsizefinder/internal/store"
	"github.com/cwbudde/batchsizefinder/internal/trainer"
	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

// configValidate validates Config struct tags. Initialized in init() with
// the case-insensitive search mode rule.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("searchmode", validateSearchMode)
}

func validateSearchMode(fl validator.FieldLevel) bool {
	_, err := tuner.ParseMode(fl.Field().String())
	return err == nil
}

// Search configures the batch size finder.
type Search struct {
	Mode          string `yaml:"mode" json:"mode" validate:"required,searchmode"`
	StepsPerTrial int    `yaml:"steps_per_trial" json:"steps_per_trial" validate:"gt=0"`
	InitVal       int    `yaml:"init_val" json:"init_val" validate:"gt=0"`
	MaxTrials     int    `yaml:"max_trials" json:"max_trials" validate:"gt=0"`
	BatchArgName  string `yaml:"batch_arg_name" json:"batch_arg_name" validate:"required"`
	// EarlyExit stops the run after the search instead of continuing with the phase.
	EarlyExit bool `yaml:"early_exit" json:"early_exit"`
}

// Workload describes the simulated trainer.
type Workload struct {
	Phase       string `yaml:"phase" json:"phase" validate:"required,oneof=fit validate test predict"`
	Accelerator string `yaml:"accelerator" json:"accelerator" validate:"required,oneof=cpu gpu mps"`
	RootDir     string `yaml:"root_dir" json:"root_dir"`

	DatasetSize     int  `yaml:"dataset_size" json:"dataset_size" validate:"gt=0"`
	EvalDatasetSize int  `yaml:"eval_dataset_size" json:"eval_dataset_size" validate:"gte=0"`
	EvalDataloaders int  `yaml:"eval_dataloaders" json:"eval_dataloaders" validate:"gte=0"`
	Streaming       bool `yaml:"streaming" json:"streaming"`

	InitialBatchSize int    `yaml:"initial_batch_size" json:"initial_batch_size" validate:"gt=0"`
	HparamLocation   string `yaml:"hparam_location" json:"hparam_location" validate:"required,oneof=model model.hparams datamodule both none"`

	MemoryBudget    int64 `yaml:"memory_budget" json:"memory_budget" validate:"gte=0"`
	BytesPerSample  int64 `yaml:"bytes_per_sample" json:"bytes_per_sample" validate:"gt=0"`
	FailAtBatchSize int   `yaml:"fail_at_batch_size" json:"fail_at_batch_size" validate:"gte=0"`

	MaxSteps          int `yaml:"max_steps" json:"max_steps" validate:"gte=-1"`
	MaxEpochs         int `yaml:"max_epochs" json:"max_epochs" validate:"gte=0"`
	NumSanityValSteps int `yaml:"num_sanity_val_steps" json:"num_sanity_val_steps" validate:"gte=0"`

	FastDevRun            bool `yaml:"fast_dev_run" json:"fast_dev_run"`
	Distributed           bool `yaml:"distributed" json:"distributed"`
	DirectTrainDataloader bool `yaml:"direct_train_dataloader" json:"direct_train_dataloader"`
}

// Config is a complete tuning run.
type Config struct {
	Search   Search   `yaml:"search" json:"search"`
	Workload Workload `yaml:"workload" json:"workload"`
}

// Default returns the finder defaults and a 10k sample CPU workload with
// unlimited memory.
func Default() Config {
	sc := tuner.DefaultSearchConfig()
	return Config{
		Search: Search{
			Mode:          string(sc.Mode),
			StepsPerTrial: sc.StepsPerTrial,
			InitVal:       sc.InitVal,
			MaxTrials:     sc.MaxTrials,
			BatchArgName:  sc.BatchArgName,
		},
		Workload: Workload{
			Phase:            string(tuner.PhaseFit),
			Accelerator:      string(tuner.AcceleratorCPU),
			RootDir:          ".",
			DatasetSize:      10000,
			EvalDataloaders:  1,
			InitialBatchSize: 32,
			HparamLocation:   string(tuner.LocationModel),
			BytesPerSample:   1,
			MaxSteps:         -1,
			MaxEpochs:        1,
		},
	}
}

// Validate checks the struct tags and normalizes the search mode.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	mode, _ := tuner.ParseMode(c.Search.Mode)
	c.Search.Mode = string(mode)
	return nil
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
					return cfg, fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
				}
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// LoadOrCreate loads path, writing the defaults there first if it does not exist.
func LoadOrCreate(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, Default()); err != nil {
			return Config{}, err
		}
	}
	return Load(path)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BATCHSIZEFINDER_MODE"); v != "" {
		cfg.Search.Mode = v
	}
	if v := os.Getenv("BATCHSIZEFINDER_BATCH_ARG_NAME"); v != "" {
		cfg.Search.BatchArgName = v
	}
	if v := os.Getenv("BATCHSIZEFINDER_MAX_TRIALS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Search.MaxTrials = i
		}
	}
	if v := os.Getenv("BATCHSIZEFINDER_STEPS_PER_TRIAL"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Search.StepsPerTrial = i
		}
	}
	if v := os.Getenv("BATCHSIZEFINDER_ACCELERATOR"); v != "" {
		cfg.Workload.Accelerator = strings.ToLower(v)
	}
	if v := os.Getenv("BATCHSIZEFINDER_MEMORY_BUDGET"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Workload.MemoryBudget = i
		}
	}
}

// SearchConfig converts the search section.
func (c Config) SearchConfig() tuner.SearchConfig {
	return tuner.SearchConfig{
		Mode:          tuner.Mode(strings.ToLower(c.Search.Mode)),
		StepsPerTrial: c.Search.StepsPerTrial,
		InitVal:       c.Search.InitVal,
		MaxTrials:     c.Search.MaxTrials,
		BatchArgName:  c.Search.BatchArgName,
	}
}

// TrainerOptions converts the workload section.
func (c Config) TrainerOptions() trainer.Options {
	w := c.Workload
	opts := trainer.DefaultOptions()
	opts.Accelerator = tuner.AcceleratorKind(w.Accelerator)
	if w.RootDir != "" {
		opts.RootDir = w.RootDir
	}
	opts.BatchArgName = c.Search.BatchArgName
	opts.InitialBatchSize = w.InitialBatchSize
	opts.HparamLocation = w.HparamLocation
	opts.DatasetSize = w.DatasetSize
	opts.EvalDatasetSize = w.EvalDatasetSize
	opts.EvalDataloaders = w.EvalDataloaders
	opts.Streaming = w.Streaming
	opts.DirectTrainDataloader = w.DirectTrainDataloader
	opts.Distributed = w.Distributed
	opts.FastDevRun = w.FastDevRun
	opts.MemoryBudget = w.MemoryBudget
	opts.BytesPerSample = w.BytesPerSample
	opts.FailAtBatchSize = w.FailAtBatchSize
	opts.MaxSteps = w.MaxSteps
	if w.MaxEpochs > 0 {
		opts.MaxEpochs = w.MaxEpochs
	}
	opts.NumSanityValSteps = w.NumSanityValSteps
	return opts
}

// Phase returns the workload phase.
func (c Config) Phase() tuner.Phase {
	return tuner.Phase(c.Workload.Phase)
}

// JobConfig returns the copy persisted with job results.
func (c Config) JobConfig() store.JobConfig {
	return store.JobConfig{
		Mode:           strings.ToLower(c.Search.Mode),
		Phase:          c.Workload.Phase,
		InitVal:        c.Search.InitVal,
		MaxTrials:      c.Search.MaxTrials,
		StepsPerTrial:  c.Search.StepsPerTrial,
		BatchArgName:   c.Search.BatchArgName,
		DatasetSize:    c.Workload.DatasetSize,
		MemoryBudget:   c.Workload.MemoryBudget,
		BytesPerSample: c.Workload.BytesPerSample,
		Accelerator:    c.Workload.Accelerator,
	}
}
