package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"stockengine/database"
	"stockengine/export"
	"stockengine/importer"
	"stockengine/internal/config"
	"stockengine/pipeline"
)

// Server is the HTTP control surface over the ingestion pipeline.
type Server struct {
	cfg          *config.Config
	db           *database.StockDB
	registry     *importer.Registry
	orchestrator *pipeline.Orchestrator
	exporter     *export.Exporter
	runs         *RunManager

	httpServer *http.Server
	cron       *cron.Cron

	// runWG waits for in-flight run goroutines during shutdown.
	runWG     sync.WaitGroup
	startTime time.Time
}

// NewServer wires the pipeline components behind the HTTP surface.
func NewServer(cfg *config.Config, db *database.StockDB) *Server {
	registry := importer.NewRegistry(cfg.Pipeline.RowsPerSecond)
	s := &Server{
		cfg:          cfg,
		db:           db,
		registry:     registry,
		orchestrator: pipeline.NewOrchestrator(db, registry, cfg.Pipeline),
		exporter:     export.NewExporter(db),
		runs:         NewRunManager(),
		startTime:    time.Now(),
	}
	return s
}

// Start runs the HTTP server and, when configured, the ingestion scheduler.
// Blocks until the listener fails or Shutdown closes it.
func (s *Server) Start() error {
	if err := s.startScheduler(); err != nil {
		return err
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // exports of large runs are slow
	}

	log.Printf("Stock engine listening on :%s", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/runs", s.handleStartRun)
		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
		api.POST("/runs/:id/cancel", s.handleCancelRun)
		api.GET("/runs/:id/export", s.handleExportRun)

		api.POST("/reference/patterns/reload", s.handleReloadPatterns)
		api.POST("/reference/glossary/reload", s.handleReloadGlossary)
	}

	return router
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.buildRouter().ServeHTTP(w, r)
}

// Shutdown stops the scheduler, cancels in-flight runs and closes the
// HTTP listener. In-flight runs flush their buffered records and end up
// partial, resumable later.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Initiating graceful shutdown...")

	if s.cron != nil {
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	s.runs.CancelAll()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("Shutdown deadline reached with runs still finishing")
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	log.Println("Graceful shutdown completed")
	return nil
}

// startRunAsync launches a run in the background and tracks it for
// cancellation. Returns the created run record immediately.
func (s *Server) startRunAsync(sources []string, opts pipeline.Options) (*database.Elaborazione, error) {
	// The run gets its own root context: it must outlive the HTTP request
	// that started it.
	runCtx, cancel := context.WithCancel(context.Background())

	run, err := s.orchestrator.Prepare(sources, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	s.runs.Register(run.ID, cancel)
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		defer s.runs.Unregister(run.ID)
		if _, err := s.orchestrator.Execute(runCtx, run, opts); err != nil {
			log.Printf("[Run %d] execution error: %v", run.ID, err)
		}
	}()

	return run, nil
}
