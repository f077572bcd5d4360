package tuner

import (
	"fmt"
	"log/slog"
	"math"
)

// adjustTo sets the batch size to value, clamped to the dataset.
func adjustTo(t Trainer, ref HyperparamRef, value int, desc string) (int, bool, error) {
	return adjust(t, ref, func(int) int { return value }, desc)
}

// adjustBy multiplies the batch size by factor, clamped to the dataset.
// The product saturates at math.MaxInt, so unclamped growth stops there.
func adjustBy(t Trainer, ref HyperparamRef, factor float64, desc string) (int, bool, error) {
	return adjust(t, ref, func(current int) int { return scale(current, factor) }, desc)
}

func scale(n int, factor float64) int {
	p := float64(n) * factor
	if p >= float64(math.MaxInt) {
		return math.MaxInt
	}
	return int(p)
}

// adjust proposes a new batch size, clamps it against the phase dataloader
// and writes it to the hyperparameter. It reports whether the value changed.
//
// Reads: Phase, Data. Writes: the batch size hyperparameter.
func adjust(t Trainer, ref HyperparamRef, propose func(current int) int, desc string) (int, bool, error) {
	current := ref.Get()
	newSize := propose(current)
	if desc != "" {
		slog.Info(fmt.Sprintf("Batch size %d %s, trying batch size %d", current, desc, newSize),
			"batch_size", current,
			"outcome", desc,
			"next_batch_size", newSize,
		)
	}

	dl, err := t.Data().DataLoader(t.Phase())
	if err != nil {
		return current, false, fmt.Errorf("failed to get %s dataloader: %w", t.Phase().DataloaderPrefix(), err)
	}
	if !isValidBatchSize(newSize, dl) {
		newSize = min(newSize, dl.DatasetLen())
	}

	ref.Set(newSize)
	return newSize, newSize != current, nil
}

// isValidBatchSize reports whether size is usable as is. Dataloaders whose
// length is not known on every participant are never clamped.
func isValidBatchSize(size int, dl DataLoader) bool {
	n, known := dl.Len()
	return !known || size <= n
}
