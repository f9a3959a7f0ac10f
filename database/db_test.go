package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *StockDB {
	t.Helper()
	db, err := NewStockDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)

	// NewStockDB already migrated; a second pass must be a no-op.
	if err := db.migrate(); err != nil {
		t.Fatalf("re-running migrations failed: %v", err)
	}

	var applied int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied)
	if err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if applied != 5 {
		t.Errorf("applied migrations = %d, expected 5", applied)
	}
}

func TestRunLifecycle(t *testing.T) {
	db := newTestDB(t)

	run, err := db.CreateRun([]string{"/in/arval.xlsx", "/in/ayvens.csv"}, `{"dry_run":true}`)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID <= 0 || run.Status != RunStatusPending {
		t.Fatalf("fresh run = %+v", run)
	}

	loaded, err := db.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("GetRun returned nil for an existing run")
	}
	if len(loaded.Sources) != 2 || loaded.Sources[0] != "/in/arval.xlsx" {
		t.Errorf("sources did not round-trip: %v", loaded.Sources)
	}
	if loaded.Options != `{"dry_run":true}` {
		t.Errorf("options did not round-trip: %q", loaded.Options)
	}
	if loaded.EndedAt != nil {
		t.Error("a pending run must not have ended_at")
	}

	if err := db.SetRunStatus(run.ID, RunStatusRunning); err != nil {
		t.Fatal(err)
	}
	loaded, _ = db.GetRun(run.ID)
	if loaded.Status != RunStatusRunning || loaded.EndedAt != nil {
		t.Errorf("running run = status %s, ended_at %v", loaded.Status, loaded.EndedAt)
	}

	if err := db.SetRunStatus(run.ID, RunStatusSucceeded); err != nil {
		t.Fatal(err)
	}
	loaded, _ = db.GetRun(run.ID)
	if loaded.Status != RunStatusSucceeded {
		t.Errorf("status = %s", loaded.Status)
	}
	if loaded.EndedAt == nil {
		t.Error("a terminal status must stamp ended_at")
	}
}

func TestGetRun_Missing(t *testing.T) {
	db := newTestDB(t)
	run, err := db.GetRun(999)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil for a missing run, got %+v", run)
	}
}

func TestListRuns(t *testing.T) {
	db := newTestDB(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		run, err := db.CreateRun([]string{"/in/a.csv"}, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}
	if err := db.SetRunStatus(ids[1], RunStatusFailed); err != nil {
		t.Fatal(err)
	}

	runs, err := db.ListRuns("", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[2].ID != ids[0] {
		t.Errorf("runs are not newest-first: %d, %d, %d", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	failed, err := db.ListRuns(RunStatusFailed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != ids[1] {
		t.Errorf("status filter returned %+v", failed)
	}

	limited, err := db.ListRuns("", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored: len = %d", len(limited))
	}
}

func TestAppendRunError(t *testing.T) {
	db := newTestDB(t)
	run, err := db.CreateRun([]string{"/in/a.csv"}, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := db.AppendRunError(run.ID, "source a failed"); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendRunError(run.ID, "source b failed"); err != nil {
		t.Fatal(err)
	}

	loaded, _ := db.GetRun(run.ID)
	if len(loaded.ErrorLog) != 2 || loaded.ErrorLog[0] != "source a failed" {
		t.Errorf("error log = %v", loaded.ErrorLog)
	}

	if err := db.AppendRunError(999, "orphan"); err == nil {
		t.Error("appending to a missing run did not fail")
	}
}

func TestAppendRunError_Concurrent(t *testing.T) {
	db := newTestDB(t)
	run, err := db.CreateRun([]string{"/in/a.csv"}, "")
	if err != nil {
		t.Fatal(err)
	}

	// Sources fail from parallel workers; no append may overwrite another.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := db.AppendRunError(run.ID, fmt.Sprintf("source %d failed", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	loaded, _ := db.GetRun(run.ID)
	if len(loaded.ErrorLog) != 8 {
		t.Errorf("error log lost entries: %v", loaded.ErrorLog)
	}
}

func TestSourceStatusUpsert(t *testing.T) {
	db := newTestDB(t)
	run, err := db.CreateRun([]string{"/in/b.csv", "/in/a.csv"}, "")
	if err != nil {
		t.Fatal(err)
	}

	for _, source := range []string{"/in/b.csv", "/in/a.csv"} {
		if err := db.UpsertSourceStatus(SourceStatus{
			RunID: run.ID, Source: source, Status: SourceStatusRunning,
		}); err != nil {
			t.Fatal(err)
		}
	}
	// Second write for the same (run, source) must update in place.
	if err := db.UpsertSourceStatus(SourceStatus{
		RunID: run.ID, Source: "/in/a.csv", Status: SourceStatusSucceeded,
		RowsRead: 42, RowsFailed: 1,
	}); err != nil {
		t.Fatal(err)
	}

	statuses, err := db.GetSourceStatuses(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("len = %d", len(statuses))
	}
	// Ordered by source.
	if statuses[0].Source != "/in/a.csv" || statuses[1].Source != "/in/b.csv" {
		t.Errorf("statuses out of order: %+v", statuses)
	}
	if statuses[0].Status != SourceStatusSucceeded || statuses[0].RowsRead != 42 || statuses[0].RowsFailed != 1 {
		t.Errorf("upsert did not update: %+v", statuses[0])
	}
}

func TestPreviousSucceededRunID(t *testing.T) {
	db := newTestDB(t)

	first, _ := db.CreateRun([]string{"/in/a.csv"}, "")
	second, _ := db.CreateRun([]string{"/in/a.csv"}, "")
	third, _ := db.CreateRun([]string{"/in/a.csv"}, "")

	prev, err := db.PreviousSucceededRunID(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if prev != 0 {
		t.Errorf("first run has predecessor %d", prev)
	}

	if err := db.SetRunStatus(first.ID, RunStatusSucceeded); err != nil {
		t.Fatal(err)
	}
	if err := db.SetRunStatus(second.ID, RunStatusFailed); err != nil {
		t.Fatal(err)
	}

	prev, err = db.PreviousSucceededRunID(third.ID)
	if err != nil {
		t.Fatal(err)
	}
	// The failed run in between does not count.
	if prev != first.ID {
		t.Errorf("previous succeeded run = %d, expected %d", prev, first.ID)
	}
}

func testVehicle(runID int64, supplier, lineID string) Vehicle {
	return Vehicle{
		Supplier:       supplier,
		SupplierLineID: lineID,
		RunID:          runID,
		RawMake:        "Renault",
		RawModel:       "Clio",
		Status:         VehicleStatusImported,
		ImporterID:     "arval-xlsx",
		SourceHash:     "hash-a",
		Provenance:     map[string]string{"fleet code": "FLEET-A"},
		Observations:   []string{"glossary-miss:model=clio"},
	}
}

func TestVehicleBatchRoundTrip(t *testing.T) {
	db := newTestDB(t)
	run, _ := db.CreateRun([]string{"/in/a.csv"}, "")

	catalogID := "R-CLIO-TCE90-EQ"
	vehicles := []Vehicle{
		testVehicle(run.ID, "ayvens", "AYV-2"),
		testVehicle(run.ID, "arval", "ARV-1"),
	}
	vehicles[1].CatalogID = &catalogID
	vehicles[1].Confidence = 0.99
	vehicles[1].Status = VehicleStatusMatched

	if err := db.InsertVehiclesBatch(context.Background(), vehicles, DefaultRetryPolicy()); err != nil {
		t.Fatalf("InsertVehiclesBatch failed: %v", err)
	}

	loaded, err := db.GetVehiclesByRun(run.ID)
	if err != nil {
		t.Fatalf("GetVehiclesByRun failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("len = %d", len(loaded))
	}
	// Export order: supplier ASC, line id ASC.
	if loaded[0].Supplier != "arval" || loaded[1].Supplier != "ayvens" {
		t.Errorf("vehicles out of export order: %s, %s", loaded[0].Supplier, loaded[1].Supplier)
	}
	if loaded[0].CatalogID == nil || *loaded[0].CatalogID != catalogID {
		t.Errorf("catalog id did not round-trip: %v", loaded[0].CatalogID)
	}
	if loaded[1].CatalogID != nil {
		t.Errorf("unmatched vehicle has catalog id %v", *loaded[1].CatalogID)
	}
	if loaded[0].Provenance["fleet code"] != "FLEET-A" {
		t.Errorf("provenance did not round-trip: %v", loaded[0].Provenance)
	}
	if len(loaded[0].Observations) != 1 || loaded[0].Observations[0] != "glossary-miss:model=clio" {
		t.Errorf("observations did not round-trip: %v", loaded[0].Observations)
	}
}

func TestVehicleBatchUniqueKey(t *testing.T) {
	db := newTestDB(t)
	run, _ := db.CreateRun([]string{"/in/a.csv"}, "")

	first := []Vehicle{testVehicle(run.ID, "arval", "ARV-1")}
	if err := db.InsertVehiclesBatch(context.Background(), first, RetryPolicy{Attempts: 1}); err != nil {
		t.Fatal(err)
	}

	// Same (supplier, line id, run) again: the whole batch must fail.
	dup := []Vehicle{
		testVehicle(run.ID, "arval", "ARV-2"),
		testVehicle(run.ID, "arval", "ARV-1"),
	}
	err := db.InsertVehiclesBatch(context.Background(), dup, RetryPolicy{Attempts: 1})
	if err == nil {
		t.Fatal("duplicate offer key did not fail the batch")
	}
	if !strings.Contains(err.Error(), "ARV-1") {
		t.Errorf("error does not name the offending vehicle: %v", err)
	}

	loaded, _ := db.GetVehiclesByRun(run.ID)
	if len(loaded) != 1 {
		t.Errorf("failed batch left %d vehicles behind, expected the original 1", len(loaded))
	}
}

func TestDeleteVehiclesBySource(t *testing.T) {
	db := newTestDB(t)
	run, _ := db.CreateRun([]string{"/in/a.csv", "/in/b.csv"}, "")

	a := testVehicle(run.ID, "arval", "ARV-1")
	b := testVehicle(run.ID, "ayvens", "AYV-1")
	b.SourceHash = "hash-b"
	if err := db.InsertVehiclesBatch(context.Background(), []Vehicle{a, b}, DefaultRetryPolicy()); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteVehiclesBySource(run.ID, "hash-a"); err != nil {
		t.Fatal(err)
	}
	loaded, _ := db.GetVehiclesByRun(run.ID)
	if len(loaded) != 1 || loaded[0].SourceHash != "hash-b" {
		t.Errorf("remaining vehicles = %+v", loaded)
	}
}

func TestCountVehiclesByRun(t *testing.T) {
	db := newTestDB(t)
	run, _ := db.CreateRun([]string{"/in/a.csv"}, "")

	a := testVehicle(run.ID, "arval", "ARV-1")
	a.Status = VehicleStatusMatched
	b := testVehicle(run.ID, "arval", "ARV-2")
	b.Status = VehicleStatusMatched
	c := testVehicle(run.ID, "arval", "ARV-3")
	c.Status = VehicleStatusUnmatched
	if err := db.InsertVehiclesBatch(context.Background(), []Vehicle{a, b, c}, DefaultRetryPolicy()); err != nil {
		t.Fatal(err)
	}

	counts, err := db.CountVehiclesByRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[VehicleStatusMatched] != 2 || counts[VehicleStatusUnmatched] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func seedReferenceData(t *testing.T, db *StockDB) {
	t.Helper()
	vehicles := []CatalogVehicle{
		{CatalogID: "R-CLIO-TCE90-TE", Make: "renault", Model: "clio", Version: "tce 90 techno"},
		{CatalogID: "R-CLIO-TCE90-EQ", Make: "renault", Model: "clio", Version: "tce 90 equilibre"},
		{CatalogID: "F-PANDA-HY", Make: "fiat", Model: "panda", Version: "hybrid"},
	}
	for _, v := range vehicles {
		if err := db.UpsertCatalogVehicle(v); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSnapshotCatalog(t *testing.T) {
	db := newTestDB(t)
	seedReferenceData(t, db)

	snap, err := db.SnapshotCatalog(nil)
	if err != nil {
		t.Fatalf("SnapshotCatalog failed: %v", err)
	}
	if snap.ID == "" || len(snap.Vehicles) != 3 {
		t.Fatalf("snapshot = id %q, %d vehicles", snap.ID, len(snap.Vehicles))
	}

	if _, ok := snap.ByID("F-PANDA-HY"); !ok {
		t.Error("ByID missed a seeded vehicle")
	}
	if !snap.Contains("R-CLIO-TCE90-EQ") || snap.Contains("GONE") {
		t.Error("Contains is wrong")
	}

	candidates := snap.ByMakeModel("renault", "clio")
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d", len(candidates))
	}
	// Deterministic candidate order: catalog id ASC.
	if candidates[0].CatalogID != "R-CLIO-TCE90-EQ" || candidates[1].CatalogID != "R-CLIO-TCE90-TE" {
		t.Errorf("candidates out of order: %s, %s", candidates[0].CatalogID, candidates[1].CatalogID)
	}
}

func TestSnapshotCatalog_AsOf(t *testing.T) {
	db := newTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	if err := db.UpsertCatalogVehicle(CatalogVehicle{
		CatalogID: "OLD", Make: "fiat", Model: "panda", UpdatedAt: old,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertCatalogVehicle(CatalogVehicle{
		CatalogID: "NEW", Make: "fiat", Model: "panda",
	}); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	snap, err := db.SnapshotCatalog(&cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Vehicles) != 1 || snap.Vehicles[0].CatalogID != "OLD" {
		t.Errorf("as-of snapshot = %+v", snap.Vehicles)
	}
}

func TestGetCatalogSnapshot_Rematerializes(t *testing.T) {
	db := newTestDB(t)
	seedReferenceData(t, db)

	snap, err := db.SnapshotCatalog(nil)
	if err != nil {
		t.Fatal(err)
	}

	// A catalog row added after the snapshot must not leak into it, even
	// when the cache is cold and the snapshot is rebuilt from taken_at.
	time.Sleep(10 * time.Millisecond)
	if err := db.UpsertCatalogVehicle(CatalogVehicle{
		CatalogID: "LATER", Make: "fiat", Model: "500",
	}); err != nil {
		t.Fatal(err)
	}
	db.snapshots.Flush()

	reloaded, err := db.GetCatalogSnapshot(snap.ID)
	if err != nil {
		t.Fatalf("GetCatalogSnapshot failed: %v", err)
	}
	if reloaded.ID != snap.ID {
		t.Errorf("snapshot id changed: %s", reloaded.ID)
	}
	if len(reloaded.Vehicles) != 3 || reloaded.Contains("LATER") {
		t.Errorf("rematerialized snapshot has %d vehicles", len(reloaded.Vehicles))
	}
}

func TestSnapshotPatterns_OrderAndActiveFilter(t *testing.T) {
	db := newTestDB(t)

	patterns := []Pattern{
		{Priority: 10, Active: true, CatalogID: "A", Make: "renault"},
		{Priority: 100, Active: true, CatalogID: "B", Make: "renault"},
		{Priority: 100, Active: true, CatalogID: "C", Make: "renault"},
		{Priority: 500, Active: false, CatalogID: "D", Make: "renault"},
	}
	var ids []int64
	for _, p := range patterns {
		id, err := db.UpsertPattern(p)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	snap, err := db.SnapshotPatterns(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Patterns) != 3 {
		t.Fatalf("inactive pattern leaked: %d patterns", len(snap.Patterns))
	}
	// priority DESC, id ASC.
	if snap.Patterns[0].ID != ids[1] || snap.Patterns[1].ID != ids[2] || snap.Patterns[2].ID != ids[0] {
		t.Errorf("evaluation order wrong: %+v", snap.Patterns)
	}
}

func TestUpsertPattern_Update(t *testing.T) {
	db := newTestDB(t)

	id, err := db.UpsertPattern(Pattern{Priority: 10, Active: true, CatalogID: "A", Make: "renault"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertPattern(Pattern{ID: id, Priority: 20, Active: false, CatalogID: "A", Make: "renault"}); err != nil {
		t.Fatal(err)
	}

	snap, err := db.SnapshotPatterns(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Patterns) != 0 {
		t.Errorf("deactivated pattern still snapshotted: %+v", snap.Patterns)
	}
}

func TestSnapshotGlossary(t *testing.T) {
	db := newTestDB(t)

	entries := []GlossaryEntry{
		{Field: "make", Source: "vw", Canonical: "volkswagen", Priority: 10},
		{Field: "fuel", Source: "benzina", Canonical: "petrol"},
	}
	for _, e := range entries {
		if err := db.UpsertGlossaryEntry(e); err != nil {
			t.Fatal(err)
		}
	}
	// Re-upserting the same (field, source) replaces, not duplicates.
	if err := db.UpsertGlossaryEntry(GlossaryEntry{
		Field: "fuel", Source: "benzina", Canonical: "petrol", Priority: 5,
	}); err != nil {
		t.Fatal(err)
	}

	snap, err := db.SnapshotGlossary(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("entries = %d", len(snap.Entries))
	}
	for _, e := range snap.Entries {
		if e.Field == "fuel" && e.Priority != 5 {
			t.Errorf("glossary upsert did not update: %+v", e)
		}
	}
}

func TestWithRetry(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond}

	attempts := 0
	err := withRetry(context.Background(), policy, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Errorf("err = %v, attempts = %d", err, attempts)
	}

	attempts = 0
	err = withRetry(context.Background(), policy, func() error {
		attempts++
		return errors.New("persistent")
	})
	if err == nil || attempts != 3 {
		t.Errorf("err = %v, attempts = %d", err, attempts)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	attempts = 0
	err = withRetry(cancelled, policy, func() error {
		attempts++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) || attempts != 1 {
		t.Errorf("cancelled retry: err = %v, attempts = %d", err, attempts)
	}
}
