package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/batchsizefinder/internal/store"
	"github.com/cwbudde/batchsizefinder/internal/tuner"
)

func testInfos(now time.Time) []store.ArtifactInfo {
	// Oldest first, as FSStore.List returns them
	return []store.ArtifactInfo{
		{Name: "a", Path: "/tmp/a", Timestamp: now.Add(-30 * time.Hour)},
		{Name: "b", Path: "/tmp/b", Timestamp: now.Add(-10 * time.Hour)},
		{Name: "c", Path: "/tmp/c", Timestamp: now.Add(-5 * time.Hour)},
		{Name: "d", Path: "/tmp/d", Timestamp: now.Add(-1 * time.Hour)},
	}
}

func names(infos []store.ArtifactInfo) map[string]bool {
	m := make(map[string]bool, len(infos))
	for _, info := range infos {
		m[info.Name] = true
	}
	return m
}

func TestSelectCheckpointsForDeletion_ByAge(t *testing.T) {
	now := time.Now()

	toDelete := selectCheckpointsForDeletion(testInfos(now), 0, 7*time.Hour, now)

	got := names(toDelete)
	if len(toDelete) != 2 || !got["a"] || !got["b"] {
		t.Errorf("Expected a and b to be selected, got %v", got)
	}
}

func TestSelectCheckpointsForDeletion_ByCount(t *testing.T) {
	now := time.Now()

	toDelete := selectCheckpointsForDeletion(testInfos(now), 1, 0, now)

	got := names(toDelete)
	if len(toDelete) != 3 || got["d"] {
		t.Errorf("Expected all but the newest to be selected, got %v", got)
	}
}

func TestSelectCheckpointsForDeletion_Combined(t *testing.T) {
	now := time.Now()

	// Age selects a and b, count selects a and b again
	toDelete := selectCheckpointsForDeletion(testInfos(now), 2, 7*time.Hour, now)

	if len(toDelete) != 2 {
		t.Errorf("Expected 2 checkpoints without duplicates, got %d", len(toDelete))
	}
}

func TestSelectCheckpointsForDeletion_NothingMatches(t *testing.T) {
	now := time.Now()

	if toDelete := selectCheckpointsForDeletion(testInfos(now), 10, 48*time.Hour, now); len(toDelete) != 0 {
		t.Errorf("Expected nothing to delete, got %d", len(toDelete))
	}
}

func TestDeleteCheckpoints(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFSStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	for _, id := range []string{"one", "two"} {
		path := filepath.Join(dir, tuner.CheckpointPrefix+id+tuner.CheckpointExt)
		if err := st.Save(path, store.NewArtifact(id, []float64{1, 2}, nil, 0, 0)); err != nil {
			t.Fatalf("Failed to save artifact: %v", err)
		}
	}
	// Unrelated files are never listed
	if err := os.WriteFile(filepath.Join(dir, "model.ckpt"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := st.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 artifacts, got %d", len(infos))
	}

	infos = append(infos, store.ArtifactInfo{Name: "gone", Path: filepath.Join(dir, "gone.ckpt")})
	deleted, failed := deleteCheckpoints(st, infos)
	if deleted != 2 || failed != 1 {
		t.Errorf("Expected 2 deleted and 1 failed, got %d/%d", deleted, failed)
	}

	if _, err := os.Stat(filepath.Join(dir, "model.ckpt")); err != nil {
		t.Error("Unrelated file should survive")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1024 * 1024, "1.0 MB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.bytes); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
