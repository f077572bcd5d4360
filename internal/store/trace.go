package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Trial outcomes as recorded in a trace.
const (
	OutcomeOK          = "ok"
	OutcomeOutOfMemory = "oom"
	OutcomeFatal       = "fatal"
)

// TraceEntry is one batch size trial of a tuning job, stored as a JSON line
// in <baseDir>/jobs/<jobID>/trace.jsonl.
type TraceEntry struct {
	// Trial is the 1-based trial number within the search
	Trial int `json:"trial"`

	// BatchSize is the batch size the trial ran at
	BatchSize int `json:"batchSize"`

	// Outcome is OutcomeOK, OutcomeOutOfMemory or OutcomeFatal
	Outcome string `json:"outcome"`

	DurationMs float64 `json:"durationMs"`

	// Error is the trial failure message, empty for successful trials
	Error string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects entries that cannot come from a search.
func (e TraceEntry) Validate() error {
	if e.Trial < 1 {
		return &ValidationError{Field: "Trial", Reason: "must be at least 1"}
	}
	if e.BatchSize < 1 {
		return &ValidationError{Field: "BatchSize", Reason: "must be positive"}
	}
	switch e.Outcome {
	case OutcomeOK:
		if e.Error != "" {
			return &ValidationError{Field: "Error", Reason: "must be empty for a successful trial"}
		}
	case OutcomeOutOfMemory, OutcomeFatal:
	default:
		return &ValidationError{Field: "Outcome", Reason: fmt.Sprintf("unknown outcome %q", e.Outcome)}
	}
	return nil
}

func tracePath(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID, "trace.jsonl")
}

// TrialTrace records the trials of one search. Every Append reaches the
// disk before it returns, so the trace can be read while the search runs.
// It is not safe for concurrent use; trials are observed one at a time.
type TrialTrace struct {
	file *os.File
	enc  *json.Encoder
}

// CreateTrialTrace starts the trace of jobID, replacing any trace left by an
// earlier run of the same job.
func CreateTrialTrace(baseDir, jobID string) (*TrialTrace, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	path := tracePath(baseDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	return &TrialTrace{file: file, enc: json.NewEncoder(file)}, nil
}

// Append validates entry and writes it as one line.
func (t *TrialTrace) Append(entry TraceEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid trace entry: %w", err)
	}
	if err := t.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trial %d: %w", entry.Trial, err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace: %w", err)
	}
	return nil
}

func (t *TrialTrace) Close() error {
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace: %w", err)
	}
	return nil
}

// ReadTrialTrace returns the trials recorded for jobID in the order they ran.
// A job without a trace yields a NotFoundError. A half-written last line, as
// left by a crash mid-append, is dropped.
func ReadTrialTrace(baseDir, jobID string) ([]TraceEntry, error) {
	file, err := os.Open(tracePath(baseDir, jobID))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Name: jobID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	defer file.Close()

	entries := []TraceEntry{}
	dec := json.NewDecoder(file)
	for {
		var entry TraceEntry
		err := dec.Decode(&entry)
		if err == io.EOF {
			return entries, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode trial %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
}
