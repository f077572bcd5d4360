package trainer

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

// ErrShapeMismatch is the fatal, non-memory failure a Device can inject.
var ErrShapeMismatch = errors.New("shape mismatch between batch and model input")

// Device simulates accelerator memory. A step at batch size b needs
// b*BytesPerSample bytes and fails when that exceeds Budget.
type Device struct {
	Kind           tuner.AcceleratorKind
	Budget         int64 // 0 disables the memory limit
	BytesPerSample int64

	// FailAtBatchSize makes every step at or above this size fail with
	// ErrShapeMismatch. 0 disables it.
	FailAtBatchSize int

	peak      int64
	steps     int
	ooms      int
	reclaimed int
}

// Step allocates the memory for one batch.
func (d *Device) Step(batchSize int) error {
	d.steps++
	if d.FailAtBatchSize > 0 && batchSize >= d.FailAtBatchSize {
		return fmt.Errorf("step at batch size %d: %w", batchSize, ErrShapeMismatch)
	}

	need := int64(batchSize) * d.BytesPerSample
	if d.Budget > 0 && need > d.Budget {
		d.ooms++
		return fmt.Errorf("%w: tried to allocate %d bytes for batch size %d (%s budget %d bytes)",
			tuner.ErrOutOfMemory, need, batchSize, d.Kind, d.Budget)
	}
	if need > d.peak {
		d.peak = need
	}
	return nil
}

// Reclaim drops cached allocations.
func (d *Device) Reclaim() {
	runtime.GC()
	d.reclaimed++
}

// MaxBatchSize returns the largest batch size that fits the budget, or 0
// when memory is unlimited.
func (d *Device) MaxBatchSize() int {
	if d.Budget <= 0 || d.BytesPerSample <= 0 {
		return 0
	}
	return int(d.Budget / d.BytesPerSample)
}

// Stats reports step, OOM and reclaim counts.
func (d *Device) Stats() (steps, ooms, reclaimed int) {
	return d.steps, d.ooms, d.reclaimed
}

// Peak returns the largest successful allocation.
func (d *Device) Peak() int64 { return d.peak }
