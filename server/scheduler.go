package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/robfig/cron/v3"

	"stockengine/pipeline"
)

// startScheduler arms the cron-driven ingestion when SCHEDULE_CRON is set.
// Each tick scans the source directory and starts one run over every file
// an importer recognizes.
func (s *Server) startScheduler() error {
	if s.cfg.ScheduleCron == "" {
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.ScheduleCron, s.scheduledRun)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.cfg.ScheduleCron, err)
	}
	s.cron.Start()
	log.Printf("Scheduler armed: %q over %s", s.cfg.ScheduleCron, s.cfg.ScheduleSourceDir)
	return nil
}

func (s *Server) scheduledRun() {
	sources, err := s.scanSourceDir()
	if err != nil {
		log.Printf("[Scheduler] scan failed: %v", err)
		return
	}
	if len(sources) == 0 {
		log.Printf("[Scheduler] no recognizable sources in %s, skipping tick", s.cfg.ScheduleSourceDir)
		return
	}

	run, err := s.startRunAsync(sources, pipeline.Options{})
	if err != nil {
		log.Printf("[Scheduler] failed to start run: %v", err)
		return
	}
	log.Printf("[Scheduler] started run %d over %d sources", run.ID, len(sources))
}

// scanSourceDir lists the files in the schedule directory that some
// registered importer recognizes, in name order for a stable run layout.
func (s *Server) scanSourceDir() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.ScheduleSourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source dir: %w", err)
	}

	var sources []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.cfg.ScheduleSourceDir, entry.Name())
		if _, ok := s.registry.Resolve(path); ok {
			sources = append(sources, path)
		}
	}
	sort.Strings(sources)
	return sources, nil
}
