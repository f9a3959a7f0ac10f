package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"stockengine/database"
	"stockengine/importer"
)

func newTestExporter(t *testing.T) (*Exporter, *database.StockDB) {
	t.Helper()
	db, err := database.NewStockDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.UpsertCatalogVehicle(database.CatalogVehicle{
		CatalogID: "R-CLIO-TCE90-EQ",
		Make:      "renault", Model: "clio", Version: "tce 90 equilibre", Segment: "B",
	}); err != nil {
		t.Fatal(err)
	}
	return NewExporter(db), db
}

// seedRun stores a run with the given vehicles and moves it to status.
func seedRun(t *testing.T, db *database.StockDB, status string, vehicles ...database.Vehicle) int64 {
	t.Helper()
	run, err := db.CreateRun([]string{"/in/a.csv"}, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := range vehicles {
		vehicles[i].RunID = run.ID
	}
	if len(vehicles) > 0 {
		if err := db.InsertVehiclesBatch(context.Background(), vehicles, database.DefaultRetryPolicy()); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SetRunStatus(run.ID, status); err != nil {
		t.Fatal(err)
	}
	return run.ID
}

func matchedVehicle(lineID, catalogID string, price float64) database.Vehicle {
	id := catalogID
	return database.Vehicle{
		Supplier:       "arval",
		SupplierLineID: lineID,
		RawMake:        "Renault", RawModel: "Clio", RawVersion: "TCe 90 Equilibre",
		NormMake: "renault", NormModel: "clio", NormVersion: "tce 90 equilibre",
		NormFuel: "petrol", NormTransmission: "manual", NormBody: "hatchback",
		Price: price, MonthlyFee: 299, DurationMonths: 36, MileageCapKM: 15000,
		AvailabilityDate: "2026-04-01",
		CatalogID:        &id, Confidence: 0.99, MatchMethod: database.MethodCatalogExact,
		Segment: "B", ListPrice: 18950, Label: "renault clio tce 90 equilibre",
		Status:     database.VehicleStatusMatched,
		ImporterID: "arval-xlsx", RowIndex: 3,
		Provenance:   map[string]string{"fleet code": "FLEET-A"},
		Observations: []string{"glossary-miss:body=hatchback"},
	}
}

func unmatchedVehicle(lineID string) database.Vehicle {
	return database.Vehicle{
		Supplier:       "ayvens",
		SupplierLineID: lineID,
		RawMake:        "Fiat", RawModel: "Panda",
		NormMake: "fiat", NormModel: "panda",
		Price: 15500, MonthlyFee: 249, DurationMonths: 36, MileageCapKM: 10000,
		AvailabilityDate: "2026-05-01",
		MatchReason:      "no-candidates",
		Status:           database.VehicleStatusUnmatched,
		ImporterID:       "ayvens-csv",
	}
}

func errorVehicle(lineID string) database.Vehicle {
	return database.Vehicle{
		Supplier:       "ayvens",
		SupplierLineID: lineID,
		Status:         database.VehicleStatusImportError,
		ErrorMessage:   "row 4: required field make is empty",
		ImporterID:     "ayvens-csv",
	}
}

func exportToCSV(t *testing.T, e *Exporter, runID int64, projection string, opts Options) [][]string {
	t.Helper()
	var buf bytes.Buffer
	if err := e.Export(&buf, runID, projection, FormatCSV, opts); err != nil {
		t.Fatalf("Export %s failed: %v", projection, err)
	}
	records, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(buf.Bytes(), utf8BOM))).ReadAll()
	if err != nil {
		t.Fatalf("exported CSV does not parse: %v", err)
	}
	return records
}

func TestExport_RunGuards(t *testing.T) {
	e, db := newTestExporter(t)
	var buf bytes.Buffer

	if err := e.Export(&buf, 999, ProjectionFull, FormatCSV, Options{}); err == nil {
		t.Error("exporting a missing run did not fail")
	}

	running := seedRun(t, db, database.RunStatusRunning)
	if err := e.Export(&buf, running, ProjectionFull, FormatCSV, Options{}); err == nil {
		t.Error("exporting a running run did not fail")
	}

	partial := seedRun(t, db, database.RunStatusPartial, matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500))
	err := e.Export(&buf, partial, ProjectionFull, FormatCSV, Options{})
	if err == nil || !strings.Contains(err.Error(), "include_partial") {
		t.Errorf("partial guard error = %v", err)
	}
	if err := e.Export(&buf, partial, ProjectionFull, FormatCSV, Options{IncludePartial: true}); err != nil {
		t.Errorf("include_partial export failed: %v", err)
	}
}

func TestExport_UnknownProjectionAndFormat(t *testing.T) {
	e, db := newTestExporter(t)
	runID := seedRun(t, db, database.RunStatusSucceeded)
	var buf bytes.Buffer

	if err := e.Export(&buf, runID, "sideways", FormatCSV, Options{}); err == nil {
		t.Error("unknown projection accepted")
	}
	if err := e.Export(&buf, runID, ProjectionFull, Format("yaml"), Options{}); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestExport_FullCSV(t *testing.T) {
	e, db := newTestExporter(t)
	runID := seedRun(t, db, database.RunStatusSucceeded,
		matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500),
		errorVehicle("AYV-9"))

	records := exportToCSV(t, e, runID, ProjectionFull, Options{})
	if len(records) != 3 {
		t.Fatalf("records = %d, full projection must keep error rows", len(records))
	}

	header := records[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	// Export order is supplier ASC, line id ASC.
	row := records[1]
	if row[col["supplier"]] != "arval" || row[col["supplier_line_id"]] != "ARV-1" {
		t.Errorf("first row = %v", row)
	}
	if row[col["catalog_id"]] != "R-CLIO-TCE90-EQ" || row[col["confidence"]] != "0.99" {
		t.Errorf("match columns = %q, %q", row[col["catalog_id"]], row[col["confidence"]])
	}
	if row[col["catalog_stale"]] != "false" {
		t.Errorf("catalog_stale = %q", row[col["catalog_stale"]])
	}
	if !strings.Contains(row[col["provenance"]], `"fleet code":"FLEET-A"`) {
		t.Errorf("provenance = %q", row[col["provenance"]])
	}
	if records[2][col["error_message"]] == "" {
		t.Error("error row lost its message")
	}
}

func TestExport_StaleCatalogReference(t *testing.T) {
	e, db := newTestExporter(t)
	runID := seedRun(t, db, database.RunStatusSucceeded,
		matchedVehicle("ARV-1", "GONE-FROM-CATALOG", 18500))

	records := exportToCSV(t, e, runID, ProjectionTechnical, Options{})
	header, row := records[0], records[1]
	staleCol := -1
	for i, h := range header {
		if h == "Catalog Stale" {
			staleCol = i
		}
	}
	if staleCol < 0 {
		t.Fatalf("no Catalog Stale column in %v", header)
	}
	if row[staleCol] != "true" {
		t.Errorf("stale = %q for a catalog id that no longer exists", row[staleCol])
	}
}

func TestExport_CommercialCSV(t *testing.T) {
	e, db := newTestExporter(t)
	runID := seedRun(t, db, database.RunStatusSucceeded,
		matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500),
		errorVehicle("AYV-9"))

	var buf bytes.Buffer
	if err := e.Export(&buf, runID, ProjectionCommercial, FormatCSV, Options{}); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), utf8BOM) {
		t.Error("commercial CSV is missing the UTF-8 BOM")
	}

	records, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(buf.Bytes(), utf8BOM))).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	// Header plus the matched row; the import-error row is dropped.
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	wantHeader := []string{
		"Supplier", "Offer ID", "Vehicle",
		"Make", "Model", "Version",
		"Price", "List Price", "Price Delta",
		"Monthly Fee", "Duration Months", "Mileage Cap KM", "Fee per 1000 KM",
		"Availability Date",
	}
	if !reflect.DeepEqual(records[0], wantHeader) {
		t.Errorf("commercial header = %v", records[0])
	}
	if records[1][0] != "arval" || records[1][2] != "renault clio tce 90 equilibre" {
		t.Errorf("commercial row = %v", records[1])
	}
}

func TestExport_Unmatched(t *testing.T) {
	e, db := newTestExporter(t)
	runID := seedRun(t, db, database.RunStatusSucceeded,
		matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500),
		unmatchedVehicle("AYV-2"),
		errorVehicle("AYV-9"))

	records := exportToCSV(t, e, runID, ProjectionUnmatched, Options{})
	// Only the unmatched and import-error rows make the review queue.
	if len(records) != 3 {
		t.Fatalf("records = %d", len(records))
	}
	statuses := []string{records[1][2], records[2][2]}
	if statuses[0] != database.VehicleStatusUnmatched || statuses[1] != database.VehicleStatusImportError {
		t.Errorf("statuses = %v", statuses)
	}

	// Reviewers see the commercial terms of the offer they are triaging.
	col := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		col[h] = i
	}
	row := records[1]
	if row[col["Price"]] != "15500" || row[col["Monthly Fee"]] != "249" ||
		row[col["Duration Months"]] != "36" || row[col["Mileage Cap KM"]] != "10000" ||
		row[col["Availability Date"]] != "2026-05-01" {
		t.Errorf("unmatched commercial columns = %v", row)
	}
}

func TestExport_JSON(t *testing.T) {
	e, db := newTestExporter(t)
	runID := seedRun(t, db, database.RunStatusSucceeded,
		matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500))

	var buf bytes.Buffer
	if err := e.Export(&buf, runID, ProjectionTechnical, FormatJSON, Options{}); err != nil {
		t.Fatal(err)
	}

	var payload struct {
		ExportedAt string                   `json:"exported_at"`
		Projection string                   `json:"projection"`
		Total      int                      `json:"total"`
		Items      []map[string]interface{} `json:"items"`
	}
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("exported JSON does not parse: %v", err)
	}
	if payload.Projection != "Technical" || payload.Total != 1 || len(payload.Items) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Items[0]["Catalog ID"] != "R-CLIO-TCE90-EQ" {
		t.Errorf("item = %v", payload.Items[0])
	}
}

func TestExport_XLSX(t *testing.T) {
	e, db := newTestExporter(t)
	runID := seedRun(t, db, database.RunStatusSucceeded,
		matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500))

	var buf bytes.Buffer
	if err := e.Export(&buf, runID, ProjectionCommercial, FormatXLSX, Options{}); err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("exported workbook does not open: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Commercial")
	if err != nil {
		t.Fatalf("no Commercial sheet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0] != "Supplier" || rows[1][1] != "ARV-1" {
		t.Errorf("sheet content = %v", rows)
	}
}

func TestExport_Diff(t *testing.T) {
	e, db := newTestExporter(t)

	kept := matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500)
	removed := matchedVehicle("ARV-2", "R-CLIO-TCE90-EQ", 20000)
	seedRun(t, db, database.RunStatusSucceeded, kept, removed)

	repriced := matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 17900)
	added := unmatchedVehicle("AYV-7")
	current := seedRun(t, db, database.RunStatusSucceeded, repriced, added)

	records := exportToCSV(t, e, current, ProjectionDiff, Options{})
	if len(records) != 4 {
		t.Fatalf("diff rows = %d, expected changed + added + removed", len(records))
	}

	byChange := make(map[string][]string)
	for _, row := range records[1:] {
		byChange[row[0]] = row
	}
	changed, ok := byChange[changeChanged]
	if !ok || changed[2] != "ARV-1" {
		t.Fatalf("changed row = %v", changed)
	}
	if changed[6] != "17900" || changed[7] != "18500" {
		t.Errorf("price columns = %q, %q", changed[6], changed[7])
	}
	if changed[11] != "price" {
		t.Errorf("changed fields = %q", changed[11])
	}
	if addedRow := byChange[changeAdded]; addedRow[2] != "AYV-7" {
		t.Errorf("added row = %v", addedRow)
	}
	if removedRow := byChange[changeRemoved]; removedRow[2] != "ARV-2" {
		t.Errorf("removed row = %v", removedRow)
	}
}

func TestExport_DiffFirstRun(t *testing.T) {
	e, db := newTestExporter(t)
	runID := seedRun(t, db, database.RunStatusSucceeded,
		matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500),
		unmatchedVehicle("AYV-2"))

	records := exportToCSV(t, e, runID, ProjectionDiff, Options{})
	if len(records) != 3 {
		t.Fatalf("records = %d", len(records))
	}
	for _, row := range records[1:] {
		if row[0] != changeAdded {
			t.Errorf("with no earlier run every offer is an addition, got %q", row[0])
		}
	}
}

// A full xlsx export read back through the identity importer reproduces the
// offers it was made from.
func TestExport_FullRoundTrip(t *testing.T) {
	e, db := newTestExporter(t)
	original := matchedVehicle("ARV-1", "R-CLIO-TCE90-EQ", 18500)
	runID := seedRun(t, db, database.RunStatusSucceeded, original)

	var buf bytes.Buffer
	if err := e.Export(&buf, runID, ProjectionFull, FormatXLSX, Options{}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "full.xlsx")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	imp := importer.NewIdentityImporter(0)
	if !imp.Detect(path) {
		t.Fatal("identity importer does not recognize a full export")
	}

	var offers []*importer.RawOffer
	err := imp.Read(context.Background(), path, func(o importer.RowOutcome) bool {
		if o.Err != nil {
			t.Fatalf("round-trip row failed: %v", o.Err)
		}
		offers = append(offers, o.Offer)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != 1 {
		t.Fatalf("offers = %d", len(offers))
	}

	got := offers[0]
	if got.Supplier != original.Supplier {
		t.Errorf("supplier = %q", got.Supplier)
	}
	if got.SupplierLineID != original.SupplierLineID ||
		got.Make != original.RawMake || got.Model != original.RawModel ||
		got.Version != original.RawVersion {
		t.Errorf("descriptive fields did not survive: %+v", got)
	}
	if got.Price != original.Price || got.MonthlyFee != original.MonthlyFee ||
		got.DurationMonths != original.DurationMonths || got.MileageCapKM != original.MileageCapKM ||
		got.AvailabilityDate != original.AvailabilityDate {
		t.Errorf("commercial fields did not survive: %+v", got)
	}
}
