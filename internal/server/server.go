package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/batchsizefinder/internal/config"
	"github.com/cwbudde/batchsizefinder/internal/store"
)

// Server exposes tuning jobs over HTTP
type Server struct {
	jobManager   *JobManager
	store        *store.FSStore
	addr         string
	server       *http.Server
	pingInterval time.Duration

	// ctx is cancelled on Shutdown and parents every job context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. st may be nil, in which case job results and
// traces are kept in memory only. Results persisted by an earlier process
// are loaded into the job list.
func NewServer(addr string, st *store.FSStore) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobManager:   NewJobManager(),
		store:        st,
		addr:         addr,
		pingInterval: 30 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}

	if st != nil {
		results, err := st.ListResults()
		if err != nil {
			slog.Warn("Failed to load job history", "error", err)
		}
		for _, r := range results {
			s.jobManager.RestoreJob(r)
		}
		if len(results) > 0 {
			slog.Info("Loaded job history", "jobs", len(results))
		}
	}
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), loggingMiddleware(), corsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/jobs", s.handleCreateJob)
		v1.GET("/jobs", s.handleListJobs)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.DELETE("/jobs/:id", s.handleDeleteJob)
		v1.GET("/jobs/:id/status", s.handleGetJobStatus)
		v1.POST("/jobs/:id/cancel", s.handleCancelJob)
		v1.GET("/jobs/:id/trace", s.handleGetTrace)
		v1.GET("/jobs/:id/stream", s.handleJobStream)
	}
	return router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cancels running jobs, waits for them to restore their trainers
// and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for jobs to stop")
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// startJob runs a job in the background.
func (s *Server) startJob(jobID string) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.jobManager.setCancel(jobID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.jobManager.clearCancel(jobID)
		// Failures are recorded on the job
		_ = runJob(ctx, s.jobManager, s.store, jobID)
	}()
}

// handleCreateJob handles POST /api/v1/jobs. The body is a config.Config in
// JSON; omitted fields keep their defaults.
func (s *Server) handleCreateJob(c *gin.Context) {
	cfg := config.Default()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := s.jobManager.CreateJob(cfg)
	s.startJob(job.ID)

	c.JSON(http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJob handles GET /api/v1/jobs/:id
func (s *Server) handleGetJob(c *gin.Context) {
	job, exists := s.jobManager.GetJob(c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(c *gin.Context) {
	job, exists := s.jobManager.GetJob(c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	c.JSON(http.StatusOK, gin.H{
		"id":               job.ID,
		"state":            job.State,
		"config":           job.Config,
		"optimalBatchSize": job.OptimalBatchSize,
		"trials":           job.Trials,
		"oomTrials":        job.OOMTrials,
		"lastBatchSize":    job.LastBatchSize,
		"signal":           job.Signal,
		"elapsed":          elapsed.Seconds(),
		"startTime":        job.StartTime,
		"endTime":          job.EndTime,
		"error":            job.Error,
	})
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if !s.jobManager.CancelJob(jobID) {
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": jobID, "cancelled": true})
}

// handleDeleteJob handles DELETE /api/v1/jobs/:id
func (s *Server) handleDeleteJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := s.jobManager.DeleteJob(jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.jobManager.broadcaster.CleanupJob(jobID)
	if s.store != nil {
		if err := s.store.DeleteJob(jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to delete job files", "job_id", jobID, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}

// handleGetTrace handles GET /api/v1/jobs/:id/trace
func (s *Server) handleGetTrace(c *gin.Context) {
	jobID := c.Param("id")
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "traces are not persisted"})
		return
	}

	entries, err := store.ReadTrialTrace(s.store.BaseDir(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, []store.TraceEntry{})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
