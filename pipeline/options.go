package pipeline

import "time"

// Pipeline stages, in execution order.
const (
	StageImport    = "import"
	StageNormalize = "normalize"
	StageMatch     = "match"
	StageEnrich    = "enrich"
)

// Options control one pipeline run.
type Options struct {
	// DryRun processes every stage but persists no vehicles; only the run
	// record and its counters are written.
	DryRun bool `json:"dry_run"`
	// StopOnSourceError fails the whole run on the first per-source fatal
	// error instead of marking it partial and continuing.
	StopOnSourceError bool `json:"stop_on_source_error"`
	// OnlyStages restricts processing to a subset of stages. Empty means all.
	OnlyStages []string `json:"only_stages,omitempty"`
	// ResumeRunID attaches to an existing partial run instead of opening a
	// new one. Sources already succeeded are not re-read.
	ResumeRunID int64 `json:"resume_run_id,omitempty"`
	// SnapshotAsOf pins the reference snapshots to a point in time.
	// Nil means "now".
	SnapshotAsOf *time.Time `json:"snapshot_as_of,omitempty"`
}

// stageEnabled reports whether a stage participates in this run.
func (o Options) stageEnabled(stage string) bool {
	if len(o.OnlyStages) == 0 {
		return true
	}
	for _, s := range o.OnlyStages {
		if s == stage {
			return true
		}
	}
	return false
}
