package database

import "time"

// Vehicle statuses across the pipeline stages.
const (
	VehicleStatusImported    = "imported"
	VehicleStatusImportError = "import-error"
	VehicleStatusNormalized  = "normalized"
	VehicleStatusMatched     = "matched"
	VehicleStatusUnmatched   = "unmatched"
)

// Match methods, in evaluation order.
const (
	MethodPatternExact = "pattern-exact"
	MethodCatalogExact = "catalog-exact"
	MethodFuzzy        = "fuzzy"
)

// Run statuses.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusPartial   = "partial"
)

// Per-source statuses within a run.
const (
	SourceStatusPending   = "pending"
	SourceStatusRunning   = "running"
	SourceStatusSucceeded = "succeeded"
	SourceStatusFailed    = "failed"
	SourceStatusPartial   = "partial"
)

// Vehicle is the working offer record flowing through the pipeline. It is
// created by an importer, mutated by the normalizer, matcher and enricher in
// that order within a single run, and becomes immutable at run completion.
type Vehicle struct {
	ID             int64  `json:"id"`
	Supplier       string `json:"supplier"`
	SupplierLineID string `json:"supplier_line_id"`
	RunID          int64  `json:"run_id"`

	// Raw descriptive fields as the supplier spelled them.
	RawMake         string  `json:"raw_make"`
	RawModel        string  `json:"raw_model"`
	RawVersion      string  `json:"raw_version"`
	RawFuel         string  `json:"raw_fuel"`
	RawTransmission string  `json:"raw_transmission"`
	RawBody         string  `json:"raw_body"`
	Doors           int     `json:"doors"`
	Seats           int     `json:"seats"`
	PowerKW         float64 `json:"power_kw"`
	DisplacementCC  int     `json:"displacement_cc"`

	// Commercial fields. The offer is the source of truth for these.
	Price            float64 `json:"price"`
	MonthlyFee       float64 `json:"monthly_fee"`
	DurationMonths   int     `json:"duration_months"`
	MileageCapKM     int     `json:"mileage_cap_km"`
	AvailabilityDate string  `json:"availability_date"` // ISO date, empty when unknown

	// Normalized counterparts of the raw descriptive fields.
	NormMake         string `json:"norm_make"`
	NormModel        string `json:"norm_model"`
	NormVersion      string `json:"norm_version"`
	NormFuel         string `json:"norm_fuel"`
	NormTransmission string `json:"norm_transmission"`
	NormBody         string `json:"norm_body"`

	// Match outcome. CatalogID is recorded by id, not by pointer; staleness
	// is detected at export time.
	CatalogID   *string `json:"catalog_id"`
	Confidence  float64 `json:"confidence"`
	MatchMethod string  `json:"match_method"`
	MatchReason string  `json:"match_reason"`

	// Catalog-derived enrichment.
	Segment       string  `json:"segment"`
	ListPrice     float64 `json:"list_price"`
	PriceDelta    float64 `json:"price_delta"`
	FeePer1000KM  float64 `json:"fee_per_1000km"`
	Label         string  `json:"label"`

	Status string `json:"status"`

	// Provenance.
	ImporterID   string            `json:"importer_id"`
	SourceHash   string            `json:"source_hash"`
	RowIndex     int               `json:"row_index"`
	Provenance   map[string]string `json:"provenance"` // unknown supplier columns, kept verbatim
	Observations []string          `json:"observations"`
	ErrorMessage string            `json:"error_message"`
}

// CatalogVehicle is a canonical vehicle definition (JATO-style). Read-mostly;
// updates arrive through a separate migrator, never from the pipeline.
type CatalogVehicle struct {
	CatalogID      string    `json:"catalog_id"`
	Make           string    `json:"make"`
	Model          string    `json:"model"`
	Version        string    `json:"version"`
	Fuel           string    `json:"fuel"`
	Transmission   string    `json:"transmission"`
	Body           string    `json:"body"`
	Doors          int       `json:"doors"`
	PowerKW        float64   `json:"power_kw"`
	DisplacementCC int       `json:"displacement_cc"`
	ListPrice      float64   `json:"list_price"`
	Segment        string    `json:"segment"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Pattern is a match rule: equality selectors over normalized offer fields
// pointing at one catalog id. Patterns are totally ordered by
// (priority DESC, id ASC) for tie-breaking.
type Pattern struct {
	ID        int64     `json:"id"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	Source    string    `json:"source"` // author/source tag
	CatalogID string    `json:"catalog_id"`
	UpdatedAt time.Time `json:"updated_at"`

	// Selectors. Empty string means the field is unconstrained.
	Make         string `json:"make"`
	Model        string `json:"model"`
	Version      string `json:"version"`
	Fuel         string `json:"fuel"`
	Transmission string `json:"transmission"`
	Body         string `json:"body"`
}

// GlossaryEntry is a normalizer rewrite rule: within one field, Source is
// rewritten to Canonical. All entries of a field form a surjective map from
// observed spellings to canonical tokens.
type GlossaryEntry struct {
	ID        int64     `json:"id"`
	Field     string    `json:"field"`
	Source    string    `json:"source"`
	Canonical string    `json:"canonical"`
	Priority  int       `json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageCounters are the per-stage row counters of a run.
type StageCounters struct {
	RowsIn      int `json:"rows_in"`
	RowsOut     int `json:"rows_out"`
	RowsFlagged int `json:"rows_flagged"`
}

// Elaborazione is one execution of the pipeline, traceable end-to-end.
// Runs are append-only; the snapshot ids pin the reference data the run saw.
type Elaborazione struct {
	ID        int64      `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	Status    string     `json:"status"`

	GlossarySnapshotID string `json:"glossary_snapshot_id"`
	CatalogSnapshotID  string `json:"catalog_snapshot_id"`
	PatternSnapshotID  string `json:"pattern_snapshot_id"`

	Counters map[string]StageCounters `json:"counters"` // keyed by stage name
	Sources  []string                 `json:"sources"`  // input source descriptors
	ErrorLog []string                 `json:"error_log"`
	Options  string                   `json:"options"` // options JSON, for reproducibility
}

// SourceStatus is the per-source progress row of a run.
type SourceStatus struct {
	RunID      int64  `json:"run_id"`
	Source     string `json:"source"`
	Status     string `json:"status"`
	RowsRead   int    `json:"rows_read"`
	RowsFailed int    `json:"rows_failed"`
	Error      string `json:"error"`
}
