package tuner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// fakeStore is a map-backed HyperparamStore.
type fakeStore map[string]int

func (s fakeStore) Hyperparam(name string) (int, bool) {
	v, ok := s[name]
	return v, ok
}

func (s fakeStore) SetHyperparam(name string, value int) { s[name] = value }

type fakeModel struct {
	attrs   fakeStore
	hparams fakeStore
}

func (m *fakeModel) Hyperparam(name string) (int, bool)   { return m.attrs.Hyperparam(name) }
func (m *fakeModel) SetHyperparam(name string, value int) { m.attrs.SetHyperparam(name, value) }

func (m *fakeModel) HParams() HyperparamStore {
	if m.hparams == nil {
		return nil
	}
	return m.hparams
}

type fakeDataLoader struct {
	batches    int
	known      bool
	datasetLen int
}

func (d fakeDataLoader) Len() (int, bool) { return d.batches, d.known }
func (d fakeDataLoader) DatasetLen() int  { return d.datasetLen }

// fakeData builds loaders at the batch size read on the last reset, so a
// trial only sees a new size after the search reset the dataloaders.
type fakeData struct {
	t           *fakeTrainer
	datasetLen  int
	streaming   bool
	direct      bool
	evalLoaders int

	loaderBatch int
	resets      int
}

func (d *fakeData) TrainSourceIsModule() bool { return !d.direct }

func (d *fakeData) NumDataloaders(phase Phase) int {
	if phase == PhaseFit {
		return 1
	}
	return d.evalLoaders
}

func (d *fakeData) DataLoader(Phase) (DataLoader, error) {
	if d.loaderBatch <= 0 {
		return nil, errors.New("no batch size")
	}
	return fakeDataLoader{
		batches:    (d.datasetLen + d.loaderBatch - 1) / d.loaderBatch,
		known:      !d.streaming,
		datasetLen: d.datasetLen,
	}, nil
}

func (d *fakeData) ResetDataloaders(Phase) error {
	d.resets++
	d.loaderBatch = d.t.batchSize()
	return nil
}

// fakeLoop counts completed runs. A run fails when the loader batch size
// exceeds the trainer's memory budget.
type fakeLoop struct {
	t          *fakeTrainer
	progress   int
	restarting bool
	verbose    *bool
}

func (l *fakeLoop) StateDict() LoopState { return LoopState(strconv.Itoa(l.progress)) }

func (l *fakeLoop) LoadStateDict(s LoopState) error {
	p, err := strconv.Atoi(string(s))
	if err != nil {
		return err
	}
	l.progress = p
	l.restarting = true
	return nil
}

func (l *fakeLoop) Restarting() bool     { return l.restarting }
func (l *fakeLoop) SetRestarting(r bool) { l.restarting = r }

func (l *fakeLoop) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.t.runs = append(l.t.runs, l.t.data.loaderBatch)
	size := l.t.data.loaderBatch
	if l.t.failAt > 0 && size >= l.t.failAt {
		return errors.New("index out of range")
	}
	if l.t.oomAt > 0 && size >= l.t.oomAt {
		return fmt.Errorf("%w: batch size %d", ErrOutOfMemory, size)
	}
	l.progress++
	l.t.weights++
	return nil
}

type verboseLoop struct {
	*fakeLoop
}

func (l verboseLoop) Verbose() bool     { return *l.verbose }
func (l verboseLoop) SetVerbose(v bool) { *l.verbose = v }

type fakeBar struct{ enabled bool }

func (b *fakeBar) Enable()  { b.enabled = true }
func (b *fakeBar) Disable() { b.enabled = false }

type namedCallback string

func (c namedCallback) Name() string { return string(c) }

type recordingLogger struct{ n int }

func (l *recordingLogger) LogMetrics(map[string]float64, int) { l.n++ }

// fakeTrainer implements Trainer with an in-memory checkpoint store.
type fakeTrainer struct {
	phase          Phase
	sanityChecking bool
	fastDevRun     bool
	distributed    bool
	accelerator    AcceleratorKind
	rootDir        string

	logger    ExperimentLogger
	callbacks []Callback
	bar       *fakeBar

	maxSteps int
	limits   map[Phase]Limit
	loops    map[Phase]*fakeLoop

	model *fakeModel
	dm    fakeStore
	data  *fakeData

	oomAt  int
	failAt int

	weights     int
	checkpoints map[string]int
	saved       []string
	reclaims    int
	runs        []int
}

func newFakeTrainer(phase Phase, datasetLen, batchSize int) *fakeTrainer {
	t := &fakeTrainer{
		phase:       phase,
		accelerator: AcceleratorCPU,
		rootDir:     "/tmp/root",
		logger:      &recordingLogger{},
		callbacks:   []Callback{namedCallback("early_stopping"), namedCallback("model_checkpoint")},
		bar:         &fakeBar{enabled: true},
		maxSteps:    -1,
		limits: map[Phase]Limit{
			PhaseValidate: Fraction(1.0),
			PhaseTest:     Fraction(1.0),
			PhasePredict:  Fraction(1.0),
		},
		model:       &fakeModel{attrs: fakeStore{"batch_size": batchSize}},
		weights:     100,
		checkpoints: make(map[string]int),
	}
	t.data = &fakeData{t: t, datasetLen: datasetLen, evalLoaders: 1, loaderBatch: batchSize}

	verbose := true
	t.loops = map[Phase]*fakeLoop{
		PhaseFit:      {t: t, progress: 7},
		PhaseValidate: {t: t, progress: 3, verbose: &verbose},
		PhaseTest:     {t: t, progress: 0, verbose: &verbose},
		PhasePredict:  {t: t, progress: 0},
	}
	return t
}

func (t *fakeTrainer) batchSize() int {
	ref, err := LookupHyperparam(t.model, t.DataModule(), "batch_size")
	if err != nil {
		return 0
	}
	return ref.Get()
}

func (t *fakeTrainer) Phase() Phase                 { return t.phase }
func (t *fakeTrainer) SanityChecking() bool         { return t.sanityChecking }
func (t *fakeTrainer) FastDevRun() bool             { return t.fastDevRun }
func (t *fakeTrainer) Distributed() bool            { return t.distributed }
func (t *fakeTrainer) Accelerator() AcceleratorKind { return t.accelerator }
func (t *fakeTrainer) DefaultRootDir() string       { return t.rootDir }

func (t *fakeTrainer) Logger() ExperimentLogger     { return t.logger }
func (t *fakeTrainer) SetLogger(l ExperimentLogger) { t.logger = l }
func (t *fakeTrainer) Callbacks() []Callback        { return t.callbacks }
func (t *fakeTrainer) SetCallbacks(cbs []Callback)  { t.callbacks = cbs }

func (t *fakeTrainer) ProgressBar() ProgressBar {
	if t.bar == nil {
		return nil
	}
	return t.bar
}

func (t *fakeTrainer) MaxSteps() int                         { return t.maxSteps }
func (t *fakeTrainer) SetMaxSteps(n int)                     { t.maxSteps = n }
func (t *fakeTrainer) BatchLimit(phase Phase) Limit          { return t.limits[phase] }
func (t *fakeTrainer) SetBatchLimit(phase Phase, limit Limit) { t.limits[phase] = limit }

func (t *fakeTrainer) Loop(phase Phase) Loop {
	l, ok := t.loops[phase]
	if !ok {
		return nil
	}
	if l.verbose != nil {
		return verboseLoop{l}
	}
	return l
}

func (t *fakeTrainer) Model() Model { return t.model }

func (t *fakeTrainer) DataModule() HyperparamStore {
	if t.dm == nil {
		return nil
	}
	return t.dm
}

func (t *fakeTrainer) Data() DataConnector       { return t.data }
func (t *fakeTrainer) Checkpoints() CheckpointIO { return t }
func (t *fakeTrainer) ReclaimMemory()            { t.reclaims++ }

func (t *fakeTrainer) SaveCheckpoint(path string) error {
	t.checkpoints[path] = t.weights
	t.saved = append(t.saved, path)
	return nil
}

func (t *fakeTrainer) RestoreCheckpoint(path string) error {
	w, ok := t.checkpoints[path]
	if !ok {
		return fmt.Errorf("no checkpoint at %s", path)
	}
	t.weights = w
	return nil
}

func (t *fakeTrainer) RemoveCheckpoint(path string) error {
	if _, ok := t.checkpoints[path]; !ok {
		return fmt.Errorf("no checkpoint at %s", path)
	}
	delete(t.checkpoints, path)
	return nil
}
