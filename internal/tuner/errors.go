package tuner

import (
	"errors"
	"strings"
)

// ErrMisconfiguration matches every *ConfigError.
// Use errors.Is(err, ErrMisconfiguration) to detect a setup problem.
var ErrMisconfiguration = &ConfigError{}

// ErrOutOfMemory is the error accelerators wrap when an allocation fails.
// Trial failures matching it are treated as the search signal, not as fatal.
var ErrOutOfMemory = errors.New("out of memory")

// ConfigError reports a setting that makes the batch size search impossible.
// It is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "batch size finder misconfiguration: " + e.Reason
	}
	return "batch size finder misconfiguration: " + e.Field + ": " + e.Reason
}

func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok
}

// OOMClassifier decides whether a trial failure was caused by memory exhaustion.
type OOMClassifier func(err error) bool

// oomMessages are the failure strings accelerator runtimes emit when they run
// out of memory without a typed error.
var oomMessages = []string{
	"CUDA out of memory.",
	"cuDNN error: CUDNN_STATUS_NOT_SUPPORTED.",
	"CUDA error: CUBLAS_STATUS_ALLOC_FAILED",
	"DefaultCPUAllocator: can't allocate memory",
	"MPS backend out of memory",
}

// IsOOMError is the default OOMClassifier.
func IsOOMError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	msg := err.Error()
	for _, m := range oomMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
