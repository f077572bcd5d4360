package store

// ArtifactStore persists the temporary checkpoints written around a batch
// size search. Artifacts are addressed by file path so the caller decides
// where they live; List only scans the store's root directory.
//
// Error handling conventions:
//   - Return ErrNotFound if the artifact doesn't exist (Load/Remove)
//   - Wrap I/O and serialization failures with fmt.Errorf("...: %w", err)
type ArtifactStore interface {
	// Save atomically writes the artifact to path, replacing any existing file.
	Save(path string, artifact *Artifact) error

	// Load reads the artifact at path.
	Load(path string) (*Artifact, error)

	// Remove deletes the artifact at path.
	Remove(path string) error

	// List returns metadata for every search artifact under the root
	// directory. Artifacts only outlive a search when the process died
	// mid-search, so anything listed here is stale.
	List() ([]ArtifactInfo, error)
}

// ResultStore persists the outcome of finished tuning jobs.
type ResultStore interface {
	SaveResult(jobID string, result *Result) error
	LoadResult(jobID string) (*Result, error)
	ListResults() ([]Result, error)
	// DeleteJob removes the result and trace of the job.
	DeleteJob(jobID string) error
}

// ErrNotFound is returned when a requested artifact or result does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing artifact, result or trace.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return "not found: " + e.Name
	}
	return "not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
