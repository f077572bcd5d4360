package trainer

import (
	"fmt"

	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

// DataLoader batches a dataset of a fixed length.
type DataLoader struct {
	datasetLen int
	batchSize  int
	streaming  bool
}

// NewDataLoader returns a loader over datasetLen samples. Streaming loaders
// do not report their length.
func NewDataLoader(datasetLen, batchSize int, streaming bool) *DataLoader {
	return &DataLoader{datasetLen: datasetLen, batchSize: max(batchSize, 1), streaming: streaming}
}

// Len returns the number of batches in an epoch and whether it is known.
func (dl *DataLoader) Len() (int, bool) {
	if dl.streaming {
		return 0, false
	}
	return dl.batches(), true
}

func (dl *DataLoader) batches() int {
	return (dl.datasetLen + dl.batchSize - 1) / dl.batchSize
}

func (dl *DataLoader) DatasetLen() int { return dl.datasetLen }

func (dl *DataLoader) BatchSize() int { return dl.batchSize }

// dataConnector builds the loaders of a Trainer from its batch size hyperparameter.
type dataConnector struct {
	t *Trainer

	train  *DataLoader
	val    *DataLoader
	eval   map[tuner.Phase][]*DataLoader
	resets int
}

func newDataConnector(t *Trainer) *dataConnector {
	return &dataConnector{t: t, eval: make(map[tuner.Phase][]*DataLoader)}
}

func (dc *dataConnector) TrainSourceIsModule() bool {
	return !dc.t.opts.DirectTrainDataloader
}

func (dc *dataConnector) NumDataloaders(phase tuner.Phase) int {
	if phase == tuner.PhaseFit {
		return 1
	}
	return max(dc.t.opts.EvalDataloaders, 1)
}

func (dc *dataConnector) DataLoader(phase tuner.Phase) (tuner.DataLoader, error) {
	dl, err := dc.loader(phase)
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// loader returns the train loader for fit or the first loader of an
// evaluation phase, building it on first use.
func (dc *dataConnector) loader(phase tuner.Phase) (*DataLoader, error) {
	switch phase {
	case tuner.PhaseFit:
		if dc.train == nil {
			if err := dc.ResetDataloaders(phase); err != nil {
				return nil, err
			}
		}
		return dc.train, nil
	case tuner.PhaseValidate, tuner.PhaseTest, tuner.PhasePredict:
		if len(dc.eval[phase]) == 0 {
			if err := dc.ResetDataloaders(phase); err != nil {
				return nil, err
			}
		}
		return dc.eval[phase][0], nil
	default:
		return nil, fmt.Errorf("no dataloader for phase %q", phase)
	}
}

// valLoader returns the validation loader used inside fit.
func (dc *dataConnector) valLoader() (*DataLoader, error) {
	if dc.val == nil {
		if err := dc.ResetDataloaders(tuner.PhaseFit); err != nil {
			return nil, err
		}
	}
	return dc.val, nil
}

func (dc *dataConnector) ResetDataloaders(phase tuner.Phase) error {
	size, err := dc.t.batchSize()
	if err != nil {
		return err
	}
	opts := dc.t.opts
	dc.resets++

	switch phase {
	case tuner.PhaseFit:
		dc.train = NewDataLoader(opts.DatasetSize, size, opts.Streaming)
		dc.val = NewDataLoader(opts.EvalDatasetSize, size, opts.Streaming)
	case tuner.PhaseValidate, tuner.PhaseTest, tuner.PhasePredict:
		loaders := make([]*DataLoader, max(opts.EvalDataloaders, 1))
		for i := range loaders {
			loaders[i] = NewDataLoader(opts.EvalDatasetSize, size, opts.Streaming)
		}
		dc.eval[phase] = loaders
	default:
		return fmt.Errorf("cannot reset dataloaders for phase %q", phase)
	}
	return nil
}
