package tuner

import "time"

// TrialRecord describes one finished trial.
type TrialRecord struct {
	Trial     int
	Mode      Mode
	BatchSize int
	Outcome   OutcomeKind
	Duration  time.Duration
	Err       error
}

// TrialObserver is notified after every trial. Observers must not block.
type TrialObserver interface {
	ObserveTrial(TrialRecord)
}

// TrialObserverFunc adapts a function to TrialObserver.
type TrialObserverFunc func(TrialRecord)

func (f TrialObserverFunc) ObserveTrial(r TrialRecord) { f(r) }
