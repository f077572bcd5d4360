package store

import (
	"errors"
	"os"
	"testing"
	"time"
)

// powerSearchTrials is the trace of a power search from 2 that runs out of
// memory at 1024.
func powerSearchTrials() []TraceEntry {
	var entries []TraceEntry
	size := 2
	for trial := 1; size <= 1024; trial++ {
		entry := TraceEntry{Trial: trial, BatchSize: size, Outcome: OutcomeOK, DurationMs: 1.5, Timestamp: time.Now()}
		if size == 1024 {
			entry.Outcome = OutcomeOutOfMemory
			entry.Error = "out of memory: batch size 1024"
		}
		entries = append(entries, entry)
		size *= 2
	}
	return entries
}

func TestTrialTrace_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	trace, err := CreateTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatalf("CreateTrialTrace failed: %v", err)
	}
	want := powerSearchTrials()
	for _, e := range want {
		if err := trace.Append(e); err != nil {
			t.Fatalf("Append trial %d failed: %v", e.Trial, err)
		}
	}
	if err := trace.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got, err := ReadTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatalf("ReadTrialTrace failed: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("Expected 10 trials, got %d", len(got))
	}
	for i := range got {
		if got[i].Trial != i+1 || got[i].BatchSize != want[i].BatchSize || got[i].Outcome != want[i].Outcome {
			t.Errorf("Trial %d = %+v, want %+v", i+1, got[i], want[i])
		}
	}
	last := got[len(got)-1]
	if last.Outcome != OutcomeOutOfMemory || last.Error == "" {
		t.Errorf("Last trial should be an OOM with its message, got %+v", last)
	}
}

func TestTrialTrace_VisibleBeforeClose(t *testing.T) {
	dir := t.TempDir()

	trace, err := CreateTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer trace.Close()

	if err := trace.Append(TraceEntry{Trial: 1, BatchSize: 2, Outcome: OutcomeOK}); err != nil {
		t.Fatal(err)
	}

	// A running job's trace is read while the search is still appending
	got, err := ReadTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatalf("ReadTrialTrace failed: %v", err)
	}
	if len(got) != 1 || got[0].BatchSize != 2 {
		t.Errorf("Expected the first trial, got %+v", got)
	}
}

func TestCreateTrialTrace_ReplacesEarlierRun(t *testing.T) {
	dir := t.TempDir()

	first, err := CreateTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range powerSearchTrials() {
		first.Append(e)
	}
	first.Close()

	second, err := CreateTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	fatal := TraceEntry{Trial: 1, BatchSize: 2, Outcome: OutcomeFatal, Error: "shape mismatch"}
	if err := second.Append(fatal); err != nil {
		t.Fatal(err)
	}
	second.Close()

	got, err := ReadTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Outcome != OutcomeFatal || got[0].Error != "shape mismatch" {
		t.Errorf("Expected only the rerun's fatal trial, got %+v", got)
	}
}

func TestTrialTrace_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry TraceEntry
		field string
	}{
		{name: "zero trial", entry: TraceEntry{Trial: 0, BatchSize: 2, Outcome: OutcomeOK}, field: "Trial"},
		{name: "zero batch size", entry: TraceEntry{Trial: 1, BatchSize: 0, Outcome: OutcomeOK}, field: "BatchSize"},
		{name: "negative batch size", entry: TraceEntry{Trial: 1, BatchSize: -8, Outcome: OutcomeOutOfMemory}, field: "BatchSize"},
		{name: "unknown outcome", entry: TraceEntry{Trial: 1, BatchSize: 2, Outcome: "unknown"}, field: "Outcome"},
		{name: "error on success", entry: TraceEntry{Trial: 1, BatchSize: 2, Outcome: OutcomeOK, Error: "boom"}, field: "Error"},
	}

	dir := t.TempDir()
	trace, err := CreateTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer trace.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := trace.Append(tt.entry)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %s, want %s", verr.Field, tt.field)
			}
		})
	}

	got, err := ReadTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Rejected entries should not be written, got %d", len(got))
	}
}

func TestReadTrialTrace_NotFound(t *testing.T) {
	_, err := ReadTrialTrace(t.TempDir(), "nonexistent-job")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestReadTrialTrace_TruncatedLastLine(t *testing.T) {
	dir := t.TempDir()

	trace, err := CreateTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	trace.Append(TraceEntry{Trial: 1, BatchSize: 2, Outcome: OutcomeOK})
	trace.Close()

	f, err := os.OpenFile(tracePath(dir, "job-1"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"trial":2,"batchSize":4,"out`)
	f.Close()

	got, err := ReadTrialTrace(dir, "job-1")
	if err != nil {
		t.Fatalf("ReadTrialTrace failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected the complete trial only, got %+v", got)
	}
}

func TestCreateTrialTrace_EmptyJobID(t *testing.T) {
	if _, err := CreateTrialTrace(t.TempDir(), ""); err == nil {
		t.Error("Expected error for empty job ID")
	}
}
