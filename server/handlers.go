package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"stockengine/export"
	"stockengine/internal/apperrors"
	"stockengine/pipeline"
)

// startRunRequest is the body of POST /api/v1/runs. To resume a partial
// run, send its id in options.resume_run_id and leave sources empty.
type startRunRequest struct {
	Sources []string         `json:"sources"`
	Options pipeline.Options `json:"options"`
}

func (s *Server) handleStartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("invalid request body", err))
		return
	}
	if len(req.Sources) == 0 && req.Options.ResumeRunID <= 0 {
		respondError(c, apperrors.NewValidationError("sources must not be empty", nil))
		return
	}

	run, err := s.startRunAsync(req.Sources, req.Options)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleListRuns(c *gin.Context) {
	status := c.Query("status")
	limit := cast.ToInt(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	runs, err := s.db.ListRuns(status, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"total": len(runs), "runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}

	run, err := s.db.GetRun(runID)
	if err != nil {
		respondError(c, err)
		return
	}
	if run == nil {
		respondError(c, apperrors.NewNotFoundError(fmt.Sprintf("run %d not found", runID), nil))
		return
	}

	statuses, err := s.db.GetSourceStatuses(runID)
	if err != nil {
		respondError(c, err)
		return
	}
	counts, err := s.db.CountVehiclesByRun(runID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":             run,
		"source_statuses": statuses,
		"vehicle_counts":  counts,
	})
}

func (s *Server) handleCancelRun(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}

	if !s.runs.Cancel(runID) {
		run, err := s.db.GetRun(runID)
		if err != nil {
			respondError(c, err)
			return
		}
		if run == nil {
			respondError(c, apperrors.NewNotFoundError(fmt.Sprintf("run %d not found", runID), nil))
			return
		}
		respondError(c, apperrors.NewConflictError(fmt.Sprintf("run %d is not in flight (status %s)", runID, run.Status), nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{"run_id": runID, "cancelled": true})
}

var exportContentTypes = map[export.Format]string{
	export.FormatCSV:  "text/csv; charset=utf-8",
	export.FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	export.FormatJSON: "application/json",
}

func (s *Server) handleExportRun(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}

	projection := c.DefaultQuery("projection", export.ProjectionFull)
	format := export.Format(c.DefaultQuery("format", string(export.FormatXLSX)))
	opts := export.Options{IncludePartial: cast.ToBool(c.Query("include_partial"))}

	contentType, known := exportContentTypes[format]
	if !known {
		respondError(c, apperrors.NewValidationError(fmt.Sprintf("unknown format %q", format), nil))
		return
	}

	filename := fmt.Sprintf("run-%d-%s-%s.%s", runID, projection, time.Now().Format("20060102"), format)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := s.exporter.Export(c.Writer, runID, projection, format, opts); err != nil {
		// Headers may already be out; report what we can.
		if !c.Writer.Written() {
			c.Header("Content-Disposition", "")
			respondError(c, err)
			return
		}
		log.Printf("[HTTP] export of run %d failed mid-stream: %v", runID, err)
		c.Abort()
	}
}

func (s *Server) handleReloadPatterns(c *gin.Context) {
	path := filepath.Join(s.cfg.ReferenceDir, "patterns.xlsx")
	loaded, err := s.db.LoadPatternsFromXLSX(path)
	if err != nil {
		respondError(c, apperrors.NewInternalError("failed to reload patterns", err))
		return
	}
	log.Printf("[Reference] reloaded %d patterns from %s", loaded, path)
	c.JSON(http.StatusOK, gin.H{"loaded": loaded, "source": path})
}

func (s *Server) handleReloadGlossary(c *gin.Context) {
	path := filepath.Join(s.cfg.ReferenceDir, "glossary.xlsx")
	loaded, err := s.db.LoadGlossaryFromXLSX(path)
	if err != nil {
		respondError(c, apperrors.NewInternalError("failed to reload glossary", err))
		return
	}
	log.Printf("[Reference] reloaded %d glossary entries from %s", loaded, path)
	c.JSON(http.StatusOK, gin.H{"loaded": loaded, "source": path})
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.GetConnection().Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"active_runs": s.runs.Active(),
	})
}

// runIDParam parses the :id path parameter. Writes the error response
// itself so handlers can just return on !ok.
func runIDParam(c *gin.Context) (int64, bool) {
	runID := cast.ToInt64(c.Param("id"))
	if runID <= 0 {
		respondError(c, apperrors.NewValidationError(fmt.Sprintf("invalid run id %q", c.Param("id")), nil))
		return 0, false
	}
	return runID, true
}

// respondError maps application errors to their HTTP status and logs them
// with the request id.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status = appErr.StatusCode()
		message = appErr.Message
	}

	log.Printf("[HTTP] %s %s failed: %v request_id=%s",
		c.Request.Method, c.Request.URL.Path, err, GetRequestID(c))

	c.JSON(status, gin.H{
		"error":      true,
		"message":    message,
		"request_id": GetRequestID(c),
	})
}
