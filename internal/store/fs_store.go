package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

// FSStore implements ArtifactStore and ResultStore on the filesystem.
// Search artifacts live directly in baseDir, job results in
// <baseDir>/jobs/<jobID>/result.json next to the job's trace.
//
// Thread-safety: writes go through temp file + rename and need no locks.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

func (fs *FSStore) jobDir(jobID string) string {
	return filepath.Join(fs.baseDir, "jobs", jobID)
}

func (fs *FSStore) resultPath(jobID string) string {
	return filepath.Join(fs.jobDir(jobID), "result.json")
}

// writeJSON marshals v and writes it to path with the temp file + rename pattern.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON decodes path into v. A missing file yields a *NotFoundError named name.
func readJSON(path, name string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &NotFoundError{Name: name}
	} else if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to deserialize %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Save atomically writes the artifact to path.
func (fs *FSStore) Save(path string, artifact *Artifact) error {
	if path == "" {
		return fmt.Errorf("artifact path cannot be empty")
	}
	if artifact == nil {
		return fmt.Errorf("artifact cannot be nil")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := writeJSON(path, artifact); err != nil {
		return err
	}

	slog.Debug("Artifact saved", "path", path, "global_step", artifact.GlobalStep)
	return nil
}

// Load reads the artifact at path.
func (fs *FSStore) Load(path string) (*Artifact, error) {
	if path == "" {
		return nil, fmt.Errorf("artifact path cannot be empty")
	}

	var artifact Artifact
	if err := readJSON(path, path, &artifact); err != nil {
		return nil, err
	}

	slog.Debug("Artifact loaded", "path", path)
	return &artifact, nil
}

// Remove deletes the artifact at path.
func (fs *FSStore) Remove(path string) error {
	if path == "" {
		return fmt.Errorf("artifact path cannot be empty")
	}

	if err := os.Remove(path); os.IsNotExist(err) {
		return &NotFoundError{Name: path}
	} else if err != nil {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}

	slog.Debug("Artifact removed", "path", path)
	return nil
}

// List returns metadata for all search artifacts in the base directory,
// oldest first.
func (fs *FSStore) List() ([]ArtifactInfo, error) {
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	infos := []ArtifactInfo{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, tuner.CheckpointPrefix) || !strings.HasSuffix(name, tuner.CheckpointExt) {
			continue
		}

		path := filepath.Join(fs.baseDir, name)
		artifact, err := fs.Load(path)
		if err != nil {
			slog.Warn("Failed to load artifact for listing", "path", path, "error", err)
			continue
		}

		var size int64
		if fi, err := entry.Info(); err == nil {
			size = fi.Size()
		}
		infos = append(infos, ArtifactInfo{
			Name:       name,
			Path:       path,
			GlobalStep: artifact.GlobalStep,
			Size:       size,
			Timestamp:  artifact.Timestamp,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Timestamp.Before(infos[j].Timestamp) })
	slog.Debug("Listed artifacts", "count", len(infos))
	return infos, nil
}

// SaveResult atomically saves the result of a tuning job.
func (fs *FSStore) SaveResult(jobID string, result *Result) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}

	if err := os.MkdirAll(fs.jobDir(jobID), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	if err := writeJSON(fs.resultPath(jobID), result); err != nil {
		return err
	}

	slog.Debug("Result saved", "job_id", jobID, "batch_size", result.OptimalBatchSize)
	return nil
}

// LoadResult retrieves the result of a tuning job.
func (fs *FSStore) LoadResult(jobID string) (*Result, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	var result Result
	if err := readJSON(fs.resultPath(jobID), jobID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResults returns the results of all persisted jobs.
func (fs *FSStore) ListResults() ([]Result, error) {
	jobsDir := filepath.Join(fs.baseDir, "jobs")

	entries, err := os.ReadDir(jobsDir)
	if os.IsNotExist(err) {
		return []Result{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	results := []Result{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		result, err := fs.LoadResult(entry.Name())
		if err != nil {
			if _, ok := err.(*NotFoundError); !ok {
				slog.Warn("Failed to load result for listing", "job_id", entry.Name(), "error", err)
			}
			continue
		}
		results = append(results, *result)
	}

	slog.Debug("Listed results", "count", len(results))
	return results, nil
}

// DeleteJob removes the result and trace of a job.
func (fs *FSStore) DeleteJob(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	jobDir := fs.jobDir(jobID)
	if _, err := os.Stat(jobDir); os.IsNotExist(err) {
		return &NotFoundError{Name: jobID}
	} else if err != nil {
		return fmt.Errorf("failed to stat job directory: %w", err)
	}

	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}

	slog.Debug("Job deleted", "job_id", jobID, "path", jobDir)
	return nil
}
