package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/batchsizefinder/internal/store"
	"github.com/cwbudde/batchsizefinder/internal/trainer"
	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

// runJob executes a tuning job: it builds the simulated trainer from the
// job's configuration, installs a finder and runs the configured phase.
// Every trial is broadcast to SSE clients and, when st is not nil, appended
// to the job's trace. The final result is persisted to st.
func runJob(ctx context.Context, jm *JobManager, st *store.FSStore, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateRunning, Timestamp: time.Now()})

	cfg := job.spec
	slog.Info("Starting job", "job_id", jobID, "mode", job.Config.Mode, "phase", job.Config.Phase)

	var trace *store.TrialTrace
	if st != nil {
		tw, err := store.CreateTrialTrace(st.BaseDir(), jobID)
		if err != nil {
			markJobFailed(jm, st, jobID, err)
			return err
		}
		trace = tw
		defer func() {
			if err := trace.Close(); err != nil {
				slog.Warn("Failed to close trace", "job_id", jobID, "error", err)
			}
		}()
	}

	observer := tuner.TrialObserverFunc(func(rec tuner.TrialRecord) {
		recordTrial(jm, trace, jobID, rec)
	})
	finder, err := tuner.New(cfg.SearchConfig(),
		tuner.WithObserver(observer),
		tuner.WithEarlyExit(cfg.Search.EarlyExit),
	)
	if err != nil {
		markJobFailed(jm, st, jobID, err)
		return err
	}

	opts := cfg.TrainerOptions()
	if st != nil {
		opts.RootDir = st.BaseDir()
	}
	tr, err := trainer.New(opts, finder)
	if err != nil {
		markJobFailed(jm, st, jobID, err)
		return err
	}

	start := time.Now()
	sig, err := tr.Run(ctx, cfg.Phase())
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil:
		markJobCancelled(jm, st, jobID)
		return ctx.Err()
	case err != nil:
		markJobFailed(jm, st, jobID, err)
		return err
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.OptimalBatchSize = finder.OptimalBatchSize()
		j.Signal = sig.String()
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"batch_size", finder.OptimalBatchSize(),
		"signal", sig.String(),
	)

	persistResult(jm, st, jobID)
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:            jobID,
		State:            StateCompleted,
		OptimalBatchSize: finder.OptimalBatchSize(),
		Timestamp:        time.Now(),
	})
	return nil
}

// recordTrial updates the job counters, appends the trial to the trace and
// broadcasts it.
func recordTrial(jm *JobManager, trace *store.TrialTrace, jobID string, rec tuner.TrialRecord) {
	jm.UpdateJob(jobID, func(j *Job) {
		j.Trials++
		if rec.Outcome == tuner.OutcomeOutOfMemory {
			j.OOMTrials++
		}
		j.LastBatchSize = rec.BatchSize
	})

	if trace != nil {
		entry := store.TraceEntry{
			Trial:      rec.Trial,
			BatchSize:  rec.BatchSize,
			Outcome:    rec.Outcome.String(),
			DurationMs: float64(rec.Duration) / float64(time.Millisecond),
			Timestamp:  time.Now(),
		}
		if rec.Err != nil {
			entry.Error = rec.Err.Error()
		}
		if err := trace.Append(entry); err != nil {
			slog.Warn("Failed to append trial to trace", "job_id", jobID, "trial", rec.Trial, "error", err)
		}
	}

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:     jobID,
		State:     StateRunning,
		Trial:     rec.Trial,
		BatchSize: rec.BatchSize,
		Outcome:   rec.Outcome.String(),
		Timestamp: time.Now(),
	})
}

// persistResult saves the job's result if a store is configured
func persistResult(jm *JobManager, st *store.FSStore, jobID string) {
	if st == nil {
		return
	}
	job, exists := jm.GetJob(jobID)
	if !exists {
		return
	}
	if err := st.SaveResult(jobID, job.Result()); err != nil {
		slog.Error("Failed to save job result", "job_id", jobID, "error", err)
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, st *store.FSStore, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	if errors.Is(err, tuner.ErrMisconfiguration) {
		slog.Warn("Job rejected by batch size finder", "job_id", jobID, "error", err)
	} else {
		slog.Error("Job failed", "job_id", jobID, "error", err)
	}

	persistResult(jm, st, jobID)
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateFailed, Timestamp: time.Now()})
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, st *store.FSStore, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)

	persistResult(jm, st, jobID)
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateCancelled, Timestamp: time.Now()})
}
