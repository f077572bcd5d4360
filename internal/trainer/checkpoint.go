package trainer

import (
	"fmt"
	"path/filepath"

	"github.com/cwbudde/batchsizefinder/internal/store"
)

// SaveCheckpoint writes the model weights and optimizer progress to path.
func (t *Trainer) SaveCheckpoint(path string) error {
	artifact := store.NewArtifact(
		filepath.Base(path),
		t.model.Weights,
		t.model.AllHyperparams(),
		t.optimizerSteps,
		t.fitLoop.progress.GlobalStep,
	)
	if err := t.store.Save(path, artifact); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// RestoreCheckpoint loads the weights and optimizer progress saved at path.
// Hyperparameters are left alone so a tuned batch size survives the restore.
func (t *Trainer) RestoreCheckpoint(path string) error {
	artifact, err := t.store.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := artifact.IsCompatible(len(t.model.Weights)); err != nil {
		return err
	}

	copy(t.model.Weights, artifact.Weights)
	t.optimizerSteps = artifact.OptimizerSteps
	return nil
}

// RemoveCheckpoint deletes the file at path.
func (t *Trainer) RemoveCheckpoint(path string) error {
	return t.store.Remove(path)
}
