package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stockengine/database"
	"stockengine/enrichment"
	"stockengine/importer"
	"stockengine/internal/config"
	"stockengine/matching"
	"stockengine/normalization"
)

// errStore marks record-store write failures: the only error kind that may
// abort a run. Everything else degrades to a partial run.
var errStore = errors.New("record store write failed")

// finalFlushTimeout bounds the flush of in-flight records after the run
// context is already gone (cancellation, source timeout).
const finalFlushTimeout = 30 * time.Second

// Orchestrator drives the staged pipeline: for every source, Importer →
// per-record Normalizer → Matcher → Enricher, with batched flushes to the
// record store and an Elaborazione record tracking the whole run.
type Orchestrator struct {
	db       *database.StockDB
	registry *importer.Registry
	cfg      config.PipelineConfig
}

// NewOrchestrator wires the orchestrator. cfg is passed by value; a run
// never observes configuration changes.
func NewOrchestrator(db *database.StockDB, registry *importer.Registry, cfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{db: db, registry: registry, cfg: cfg}
}

// runCounters aggregates per-stage counters across source workers.
// Sources are processed in parallel, so all updates go through the mutex;
// the counts themselves are commutative.
type runCounters struct {
	mu     sync.Mutex
	stages map[string]*database.StageCounters
}

func newRunCounters() *runCounters {
	return &runCounters{stages: make(map[string]*database.StageCounters)}
}

func (c *runCounters) add(stage string, in, out, flagged int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.stages[stage]
	if sc == nil {
		sc = &database.StageCounters{}
		c.stages[stage] = sc
	}
	sc.RowsIn += in
	sc.RowsOut += out
	sc.RowsFlagged += flagged
}

func (c *runCounters) snapshot() map[string]database.StageCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]database.StageCounters, len(c.stages))
	for stage, sc := range c.stages {
		out[stage] = *sc
	}
	return out
}

// Run executes one Elaborazione over the given sources, synchronously.
// Business failures (failed sources, store errors) are encoded in the
// returned run's status; the error return is reserved for setup problems
// (bad resume id, snapshot failures).
func (o *Orchestrator) Run(ctx context.Context, sources []string, opts Options) (*database.Elaborazione, error) {
	run, err := o.Prepare(sources, opts)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run, opts)
}

// Prepare creates the Elaborazione record (or attaches to a resumable one)
// without starting any work, so callers can hand out the run id before
// launching Execute in the background.
func (o *Orchestrator) Prepare(sources []string, opts Options) (*database.Elaborazione, error) {
	optionsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run options: %w", err)
	}
	return o.openRun(sources, string(optionsJSON), opts)
}

// Execute drives a prepared run to a terminal status.
func (o *Orchestrator) Execute(ctx context.Context, run *database.Elaborazione, opts Options) (*database.Elaborazione, error) {
	pending, err := o.pendingSources(run)
	if err != nil {
		return nil, err
	}

	normalizer, matcher, enricher, err := o.pinSnapshots(run, opts)
	if err != nil {
		return nil, err
	}

	if err := o.db.SetRunStatus(run.ID, database.RunStatusRunning); err != nil {
		return nil, err
	}
	log.Printf("[Run %d] started: %d sources, %d workers", run.ID, len(pending), o.cfg.Workers)

	counters := newRunCounters()
	var mu sync.Mutex
	sourceFailed := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, source := range pending {
		source := source
		g.Go(func() error {
			err := o.processSource(gctx, run.ID, source, opts, normalizer, matcher, enricher, counters)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, errStore):
				if logErr := o.db.AppendRunError(run.ID, fmt.Sprintf("source %s: %v", source, err)); logErr != nil {
					log.Printf("[Run %d] failed to record store error: %v", run.ID, logErr)
				}
				return err
			case errors.Is(err, context.Canceled):
				return nil
			default:
				mu.Lock()
				sourceFailed = true
				mu.Unlock()
				if logErr := o.db.AppendRunError(run.ID, fmt.Sprintf("source %s: %v", source, err)); logErr != nil {
					log.Printf("[Run %d] failed to record source error: %v", run.ID, logErr)
				}
				if opts.StopOnSourceError {
					return err
				}
				return nil
			}
		})
	}
	waitErr := g.Wait()

	status := database.RunStatusSucceeded
	switch {
	case errors.Is(waitErr, errStore):
		status = database.RunStatusFailed
	case waitErr != nil && opts.StopOnSourceError:
		status = database.RunStatusFailed
	case ctx.Err() != nil:
		status = database.RunStatusPartial
	case sourceFailed:
		status = database.RunStatusPartial
	}

	if err := o.db.SaveRunCounters(run.ID, counters.snapshot()); err != nil {
		log.Printf("[Run %d] failed to save counters: %v", run.ID, err)
	}
	if err := o.db.SetRunStatus(run.ID, status); err != nil {
		return nil, err
	}
	runsTotal.WithLabelValues(status).Inc()
	log.Printf("[Run %d] finished with status %s", run.ID, status)

	return o.db.GetRun(run.ID)
}

// openRun creates a new Elaborazione or attaches to a resumable one.
func (o *Orchestrator) openRun(sources []string, optionsJSON string, opts Options) (*database.Elaborazione, error) {
	if opts.ResumeRunID <= 0 {
		return o.db.CreateRun(sources, optionsJSON)
	}

	run, err := o.db.GetRun(opts.ResumeRunID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %d not found", opts.ResumeRunID)
	}
	if run.Status != database.RunStatusPartial {
		return nil, fmt.Errorf("run %d has status %s, only partial runs can be resumed", run.ID, run.Status)
	}
	return run, nil
}

// pendingSources lists the run's sources that have not yet succeeded. For a
// fresh run there are no source statuses and everything is pending; for a
// resumed run the succeeded sources keep their vehicles and are skipped.
func (o *Orchestrator) pendingSources(run *database.Elaborazione) ([]string, error) {
	statuses, err := o.db.GetSourceStatuses(run.ID)
	if err != nil {
		return nil, err
	}
	succeeded := make(map[string]bool)
	for _, ss := range statuses {
		if ss.Status == database.SourceStatusSucceeded {
			succeeded[ss.Source] = true
		}
	}

	pending := make([]string, 0, len(run.Sources))
	for _, source := range run.Sources {
		if !succeeded[source] {
			pending = append(pending, source)
		}
	}
	if len(pending) < len(run.Sources) {
		log.Printf("[Run %d] resuming: %d of %d sources pending", run.ID, len(pending), len(run.Sources))
	}
	return pending, nil
}

// pinSnapshots takes the reference snapshots the whole run will see and
// records their ids on the Elaborazione for reproducibility.
func (o *Orchestrator) pinSnapshots(run *database.Elaborazione, opts Options) (*normalization.Normalizer, *matching.Matcher, *enrichment.Enricher, error) {
	glossarySnap, err := o.db.SnapshotGlossary(opts.SnapshotAsOf)
	if err != nil {
		return nil, nil, nil, err
	}
	catalogSnap, err := o.db.SnapshotCatalog(opts.SnapshotAsOf)
	if err != nil {
		return nil, nil, nil, err
	}
	patternSnap, err := o.db.SnapshotPatterns(opts.SnapshotAsOf)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := o.db.SetRunSnapshots(run.ID, glossarySnap.ID, catalogSnap.ID, patternSnap.ID); err != nil {
		return nil, nil, nil, err
	}
	run.GlossarySnapshotID = glossarySnap.ID
	run.CatalogSnapshotID = catalogSnap.ID
	run.PatternSnapshotID = patternSnap.ID

	normalizer := normalization.NewNormalizer(normalization.BuildGlossary(glossarySnap))
	matcher := matching.NewMatcher(patternSnap, catalogSnap, o.cfg.FuzzyThreshold, o.cfg.FuzzyMargin)
	enricher := enrichment.NewEnricher(catalogSnap)
	return normalizer, matcher, enricher, nil
}

// processSource drives one source through all stages. Within the source,
// rows are processed sequentially in input order.
func (o *Orchestrator) processSource(ctx context.Context, runID int64, source string, opts Options,
	normalizer *normalization.Normalizer, matcher *matching.Matcher, enricher *enrichment.Enricher,
	counters *runCounters) error {

	setStatus := func(status string, rowsRead, rowsFailed int, errMsg string) {
		if err := o.db.UpsertSourceStatus(database.SourceStatus{
			RunID: runID, Source: source, Status: status,
			RowsRead: rowsRead, RowsFailed: rowsFailed, Error: errMsg,
		}); err != nil {
			log.Printf("[Run %d] failed to record source status for %s: %v", runID, source, err)
		}
		if status == database.SourceStatusSucceeded || status == database.SourceStatusFailed ||
			status == database.SourceStatusPartial {
			sourcesTotal.WithLabelValues(status).Inc()
		}
	}
	setStatus(database.SourceStatusRunning, 0, 0, "")

	imp, ok := o.registry.Resolve(source)
	if !ok {
		setStatus(database.SourceStatusFailed, 0, 0, "no importer recognizes the source")
		return fmt.Errorf("no importer recognizes %s", source)
	}

	hash, err := importer.SourceHash(source)
	if err != nil {
		setStatus(database.SourceStatusFailed, 0, 0, err.Error())
		return err
	}

	// Resumed sources re-read from row 0; their earlier partial output goes first.
	if opts.ResumeRunID > 0 && !opts.DryRun {
		if err := o.db.DeleteVehiclesBySource(runID, hash); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}
	}

	srcCtx := ctx
	if o.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		srcCtx, cancel = context.WithTimeout(ctx, o.cfg.SourceTimeout)
		defer cancel()
	}

	var buffer []database.Vehicle
	rowsRead, rowsFailed := 0, 0
	var storeErr error

	flush := func(flushCtx context.Context) error {
		if opts.DryRun || len(buffer) == 0 {
			buffer = buffer[:0]
			return nil
		}
		policy := database.RetryPolicy{
			Attempts: o.cfg.StoreRetryAttempts,
			Base:     o.cfg.StoreRetryBase,
			Cap:      o.cfg.StoreRetryCap,
		}
		if err := o.db.InsertVehiclesBatch(flushCtx, buffer, policy); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}
		flushesTotal.Inc()
		buffer = buffer[:0]
		return nil
	}

	readErr := imp.Read(srcCtx, source, func(outcome importer.RowOutcome) bool {
		rowsRead++
		v := o.processRow(runID, imp, hash, outcome, opts, normalizer, matcher, enricher, counters)
		if v.Status == database.VehicleStatusImportError {
			rowsFailed++
		}
		buffer = append(buffer, v)
		if len(buffer) >= o.cfg.FlushEvery {
			if err := flush(srcCtx); err != nil {
				storeErr = err
				return false
			}
		}
		return true
	})

	// In-flight records finish their current stage and get persisted even
	// when the source context is already gone.
	if storeErr == nil && len(buffer) > 0 {
		flushCtx := srcCtx
		if srcCtx.Err() != nil {
			var cancel context.CancelFunc
			flushCtx, cancel = context.WithTimeout(context.Background(), finalFlushTimeout)
			defer cancel()
		}
		if err := flush(flushCtx); err != nil {
			storeErr = err
		}
	}

	switch {
	case storeErr != nil:
		setStatus(database.SourceStatusFailed, rowsRead, rowsFailed, storeErr.Error())
		return storeErr
	case ctx.Err() != nil:
		// Run-level cancellation: pending records are discarded.
		setStatus(database.SourceStatusPartial, rowsRead, rowsFailed, "cancelled")
		return context.Canceled
	case srcCtx.Err() != nil:
		// Per-source read timeout fails the source, not the run.
		setStatus(database.SourceStatusFailed, rowsRead, rowsFailed, "read timeout")
		return fmt.Errorf("source %s timed out after %s", source, o.cfg.SourceTimeout)
	case readErr != nil:
		setStatus(database.SourceStatusFailed, rowsRead, rowsFailed, readErr.Error())
		return readErr
	default:
		setStatus(database.SourceStatusSucceeded, rowsRead, rowsFailed, "")
		return nil
	}
}

// processRow runs one imported row through the enabled CPU stages. Row-level
// errors never escape the record for that row.
func (o *Orchestrator) processRow(runID int64, imp importer.Importer, hash string,
	outcome importer.RowOutcome, opts Options,
	normalizer *normalization.Normalizer, matcher *matching.Matcher, enricher *enrichment.Enricher,
	counters *runCounters) database.Vehicle {

	if outcome.Err != nil {
		counters.add(StageImport, 1, 0, 1)
		rowsTotal.WithLabelValues(StageImport, "error").Inc()
		return database.Vehicle{
			Supplier:       imp.Supplier(),
			SupplierLineID: importer.LineIDForRow(hash, outcome.RowIndex),
			RunID:          runID,
			Status:         database.VehicleStatusImportError,
			ErrorMessage:   outcome.Err.Error(),
			ImporterID:     imp.ID(),
			SourceHash:     hash,
			RowIndex:       outcome.RowIndex,
		}
	}

	offer := outcome.Offer
	supplier := imp.Supplier()
	if offer.Supplier != "" {
		supplier = offer.Supplier
	}

	v := database.Vehicle{
		Supplier:       supplier,
		SupplierLineID: offer.SupplierLineID,
		RunID:          runID,

		RawMake:         offer.Make,
		RawModel:        offer.Model,
		RawVersion:      offer.Version,
		RawFuel:         offer.Fuel,
		RawTransmission: offer.Transmission,
		RawBody:         offer.Body,
		Doors:           offer.Doors,
		Seats:           offer.Seats,
		PowerKW:         offer.PowerKW,
		DisplacementCC:  offer.DisplacementCC,

		Price:            offer.Price,
		MonthlyFee:       offer.MonthlyFee,
		DurationMonths:   offer.DurationMonths,
		MileageCapKM:     offer.MileageCapKM,
		AvailabilityDate: offer.AvailabilityDate,

		Status:     database.VehicleStatusImported,
		ImporterID: imp.ID(),
		SourceHash: hash,
		RowIndex:   offer.RowIndex,
		Provenance: offer.Extra,
	}
	counters.add(StageImport, 1, 1, 0)
	rowsTotal.WithLabelValues(StageImport, "ok").Inc()

	if opts.stageEnabled(StageNormalize) {
		observations := normalizer.NormalizeVehicle(&v)
		v.Observations = append(v.Observations, observations...)
		v.Status = database.VehicleStatusNormalized
		flagged := 0
		if len(observations) > 0 {
			flagged = 1
		}
		counters.add(StageNormalize, 1, 1, flagged)
		rowsTotal.WithLabelValues(StageNormalize, "ok").Inc()
	}

	if opts.stageEnabled(StageMatch) {
		result := matcher.Match(&v)
		v.CatalogID = result.CatalogID
		v.Confidence = result.Confidence
		v.MatchMethod = result.Method
		v.MatchReason = result.Reason
		v.Observations = append(v.Observations, result.Observations...)
		if result.CatalogID != nil {
			counters.add(StageMatch, 1, 1, 0)
			rowsTotal.WithLabelValues(StageMatch, "matched").Inc()
		} else {
			counters.add(StageMatch, 1, 0, 1)
			rowsTotal.WithLabelValues(StageMatch, "unmatched").Inc()
		}
	}

	if opts.stageEnabled(StageEnrich) {
		enricher.Enrich(&v)
		if v.Status == database.VehicleStatusMatched {
			counters.add(StageEnrich, 1, 1, 0)
			rowsTotal.WithLabelValues(StageEnrich, "ok").Inc()
		} else {
			counters.add(StageEnrich, 1, 0, 1)
			rowsTotal.WithLabelValues(StageEnrich, "flagged").Inc()
		}
	}

	return v
}
