package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/batchsizefinder/internal/server"
	"github.com/cwbudde/batchsizefinder/internal/store"
)

var (
	serveAddr     string
	serveDataDir  string
	serveGraceful time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tuning job server",
	Long: `Starts an HTTP server that runs batch size searches as background jobs.
Results and per-trial traces are written under --data-dir and reloaded on the
next start. Progress is streamed over SSE and metrics are exposed on /metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "./data", "Directory for job results and traces")
	serveCmd.Flags().DurationVar(&serveGraceful, "shutdown-timeout", 30*time.Second, "Time to wait for running jobs on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := store.NewFSStore(serveDataDir)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	srv := server.NewServer(serveAddr, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveGraceful)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
