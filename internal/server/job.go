package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/batchsizefinder/internal/config"
	"github.com/cwbudde/batchsizefinder/internal/store"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the job has finished.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobConfig is an alias to avoid duplication with store.JobConfig
type JobConfig = store.JobConfig

// Job is one batch size search run by the server.
type Job struct {
	ID               string     `json:"id"`
	State            JobState   `json:"state"`
	Config           JobConfig  `json:"config"`
	OptimalBatchSize int        `json:"optimalBatchSize"`
	Trials           int        `json:"trials"`
	OOMTrials        int        `json:"oomTrials"`
	LastBatchSize    int        `json:"lastBatchSize"`
	Signal           string     `json:"signal,omitempty"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	Error            string     `json:"error,omitempty"`

	// spec is the full run configuration. It is only known for jobs
	// created by this process.
	spec config.Config
}

// Result converts a finished job into its persisted form.
func (j Job) Result() *store.Result {
	ts := j.StartTime
	if j.EndTime != nil {
		ts = *j.EndTime
	}
	return &store.Result{
		JobID:            j.ID,
		State:            string(j.State),
		OptimalBatchSize: j.OptimalBatchSize,
		Trials:           j.Trials,
		OOMTrials:        j.OOMTrials,
		Error:            j.Error,
		Timestamp:        ts,
		Config:           j.Config,
	}
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	cancels     map[string]context.CancelFunc
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a pending job for cfg
func (jm *JobManager) CreateJob(cfg config.Config) Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    cfg.JobConfig(),
		StartTime: time.Now(),
		spec:      cfg,
	}

	jm.jobs[job.ID] = job
	return *job
}

// RestoreJob registers a job finished by an earlier process.
func (jm *JobManager) RestoreJob(result store.Result) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[result.JobID]; exists {
		return
	}
	end := result.Timestamp
	jm.jobs[result.JobID] = &Job{
		ID:               result.JobID,
		State:            JobState(result.State),
		Config:           result.Config,
		OptimalBatchSize: result.OptimalBatchSize,
		Trials:           result.Trials,
		OOMTrials:        result.OOMTrials,
		StartTime:        result.Timestamp,
		EndTime:          &end,
		Error:            result.Error,
	}
}

// GetJob returns a copy of the job with the given ID
func (jm *JobManager) GetJob(id string) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// ListJobs returns copies of all jobs, oldest first
func (jm *JobManager) ListJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].StartTime.Before(jobs[k].StartTime) })
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, *job)
		}
	}
	return runningJobs
}

// setCancel records the cancel function of a started job.
func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.cancels[id] = cancel
}

// clearCancel releases the cancel function of a finished job.
func (jm *JobManager) clearCancel(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if cancel, ok := jm.cancels[id]; ok {
		cancel()
		delete(jm.cancels, id)
	}
}

// CancelJob stops a pending or running job. It reports false when the job
// is unknown or already finished.
func (jm *JobManager) CancelJob(id string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists || job.State.Terminal() {
		return false
	}
	if cancel, ok := jm.cancels[id]; ok {
		cancel()
	}
	return true
}

// DeleteJob forgets a finished job. Running jobs cannot be deleted.
func (jm *JobManager) DeleteJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return &store.NotFoundError{Name: id}
	}
	if !job.State.Terminal() {
		return fmt.Errorf("job %s is still %s", id, job.State)
	}
	delete(jm.jobs, id)
	return nil
}
