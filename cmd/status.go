package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobSummary is the subset of a job the status command prints.
type jobSummary struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Config struct {
		Mode         string `json:"mode"`
		Phase        string `json:"phase"`
		InitVal      int    `json:"initVal"`
		MaxTrials    int    `json:"maxTrials"`
		BatchArgName string `json:"batchArgName"`
		MemoryBudget int64  `json:"memoryBudget"`
		Accelerator  string `json:"accelerator"`
	} `json:"config"`
	OptimalBatchSize int     `json:"optimalBatchSize"`
	Trials           int     `json:"trials"`
	OOMTrials        int     `json:"oomTrials"`
	LastBatchSize    int     `json:"lastBatchSize"`
	Signal           string  `json:"signal"`
	Elapsed          float64 `json:"elapsed"`
	Error            string  `json:"error"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func fetchJSON(url string, v any) (int, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(url string) error {
	var jobs []jobSummary
	if _, err := fetchJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATE\tMODE\tPHASE\tTRIALS\tBATCH SIZE")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			job.ID, job.State, job.Config.Mode, job.Config.Phase, job.Trials, job.OptimalBatchSize)
	}
	w.Flush()

	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func getJobStatus(url, jobID string) error {
	var status jobSummary
	code, err := fetchJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Job: %s\n", status.ID)
	fmt.Printf("State: %s\n", status.State)
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Mode: %s\n", status.Config.Mode)
	fmt.Printf("  Phase: %s\n", status.Config.Phase)
	fmt.Printf("  Initial size: %d\n", status.Config.InitVal)
	fmt.Printf("  Max trials: %d\n", status.Config.MaxTrials)
	fmt.Printf("  Hyperparameter: %s\n", status.Config.BatchArgName)
	fmt.Printf("  Accelerator: %s (budget %d bytes)\n", status.Config.Accelerator, status.Config.MemoryBudget)
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Trials: %d (%d out of memory)\n", status.Trials, status.OOMTrials)
	if status.LastBatchSize > 0 {
		fmt.Printf("  Last tried: %d\n", status.LastBatchSize)
	}
	if status.OptimalBatchSize > 0 {
		fmt.Printf("  Optimal batch size: %d\n", status.OptimalBatchSize)
	}
	if status.Signal != "" {
		fmt.Printf("  Signal: %s\n", status.Signal)
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Millisecond))

	if status.Error != "" {
		fmt.Printf("\nError: %s\n", status.Error)
	}
	return nil
}
