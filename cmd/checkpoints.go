package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/batchsizefinder/internal/store"
)

var (
	checkpointRootDir string
	keepLast          int
	olderThanHours    int
	forceClean        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage leftover search checkpoints",
	Long: `A batch size search saves the trainer to a .scale_batch_size_<id>.ckpt file
before its first trial and removes it once the trainer is restored. A process
killed mid-search leaves the file behind. These commands list and clean them.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List leftover search checkpoints",
	RunE:  runListCheckpoints,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete leftover search checkpoints",
	Long: `Delete leftover checkpoints based on retention policy.
You can keep the N most recent or delete checkpoints older than N hours.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointRootDir, "root-dir", ".", "Trainer root directory holding search checkpoints")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recent checkpoints (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanHours, "older-than", 0, "Delete checkpoints older than N hours (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	checkpointStore, err := store.NewFSStore(checkpointRootDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	infos, err := checkpointStore.List()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTIMESTAMP\tGLOBAL STEP\tSIZE")
	fmt.Fprintln(w, "----\t---------\t-----------\t----")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			info.Name,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.GlobalStep,
			formatBytes(info.Size),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanHours == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	checkpointStore, err := store.NewFSStore(checkpointRootDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	infos, err := checkpointStore.List()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints to clean.")
		return nil
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, time.Duration(olderThanHours)*time.Hour, time.Now())
	if len(toDelete) == 0 {
		fmt.Println("No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (global step %d, %s)\n",
			info.Name,
			info.GlobalStep,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted, failed := deleteCheckpoints(checkpointStore, toDelete)
	fmt.Printf("\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

func deleteCheckpoints(st store.ArtifactStore, infos []store.ArtifactInfo) (deleted, failed int) {
	for _, info := range infos {
		if err := st.Remove(info.Path); err != nil {
			slog.Error("Failed to delete checkpoint", "path", info.Path, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "path", info.Path)
		deleted++
	}
	return deleted, failed
}

// selectCheckpointsForDeletion picks checkpoints older than olderThan and,
// when keepLast > 0, all but the keepLast most recent ones. infos must be
// sorted oldest first, as store.FSStore.List returns them.
func selectCheckpointsForDeletion(infos []store.ArtifactInfo, keepLast int, olderThan time.Duration, now time.Time) []store.ArtifactInfo {
	selected := make(map[string]bool)
	var toDelete []store.ArtifactInfo
	add := func(info store.ArtifactInfo) {
		if !selected[info.Path] {
			selected[info.Path] = true
			toDelete = append(toDelete, info)
		}
	}

	if olderThan > 0 {
		cutoff := now.Add(-olderThan)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				add(info)
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		for _, info := range infos[:len(infos)-keepLast] {
			add(info)
		}
	}

	return toDelete
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
