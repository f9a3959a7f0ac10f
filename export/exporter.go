package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cast"
	"github.com/xuri/excelize/v2"

	"stockengine/database"
	"stockengine/internal/apperrors"
)

// Format is the output encoding of a projection.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// Projection names. Each projection is a fixed column view over the
// vehicles of one run, emitted in supplier ASC, supplier_line_id ASC order.
const (
	ProjectionFull       = "full"
	ProjectionCommercial = "commercial"
	ProjectionTechnical  = "technical"
	ProjectionUnmatched  = "unmatched"
	ProjectionDiff       = "diff"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Options tunes one export call.
type Options struct {
	// IncludePartial allows exporting a partial run. Partial output is
	// incomplete by definition, so the caller must opt in.
	IncludePartial bool
}

// table is a rendered projection before encoding.
type table struct {
	name    string
	headers []string
	rows    [][]interface{}
	// csvBOM prepends a UTF-8 BOM so spreadsheet tools pick the right
	// encoding. Only the commercial projection needs it.
	csvBOM bool
}

// Exporter renders run projections. Runs in a non-terminal state are never
// exportable; partial runs only with Options.IncludePartial.
type Exporter struct {
	db *database.StockDB
}

// NewExporter creates a new exporter.
func NewExporter(db *database.StockDB) *Exporter {
	return &Exporter{db: db}
}

// Export writes the given projection of a run to w.
func (e *Exporter) Export(w io.Writer, runID int64, projection string, format Format, opts Options) error {
	run, err := e.db.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("run %d not found", runID), nil)
	}
	switch run.Status {
	case database.RunStatusSucceeded:
	case database.RunStatusPartial:
		if !opts.IncludePartial {
			return apperrors.NewValidationError(fmt.Sprintf("run %d is partial; set include_partial to export it", runID), nil)
		}
	default:
		return apperrors.NewValidationError(fmt.Sprintf("run %d has status %s and cannot be exported", runID, run.Status), nil)
	}

	vehicles, err := e.db.GetVehiclesByRun(runID)
	if err != nil {
		return fmt.Errorf("failed to load vehicles: %w", err)
	}

	// Stale flags are computed against the live catalog, not the run's
	// snapshot: an export tells the reader what is wrong NOW.
	currentCatalog, err := e.db.CatalogIDs()
	if err != nil {
		return fmt.Errorf("failed to load catalog ids: %w", err)
	}
	stale := func(v database.Vehicle) bool {
		return v.CatalogID != nil && !currentCatalog[*v.CatalogID]
	}

	var t table
	switch projection {
	case ProjectionFull:
		t = fullTable(vehicles, stale)
	case ProjectionCommercial:
		t = commercialTable(vehicles)
	case ProjectionTechnical:
		t = technicalTable(vehicles, stale)
	case ProjectionUnmatched:
		t = unmatchedTable(vehicles)
	case ProjectionDiff:
		t, err = e.diffTable(run, vehicles)
		if err != nil {
			return err
		}
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown projection %q", projection), nil)
	}

	switch format {
	case FormatCSV:
		return writeCSV(w, t)
	case FormatXLSX:
		return writeXLSX(w, t)
	case FormatJSON:
		return writeJSON(w, t)
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown format %q", format), nil)
	}
}

func writeCSV(w io.Writer, t table) error {
	if t.csvBOM {
		if _, err := w.Write(utf8BOM); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(t.headers); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	record := make([]string, len(t.headers))
	for _, row := range t.rows {
		for i, cell := range row {
			record[i] = cast.ToString(cell)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeXLSX(w io.Writer, t table) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(t.name)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for i, header := range t.headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(t.name, cell, header)
		f.SetCellStyle(t.name, cell, cell, headerStyle)
	}

	for rowIdx, row := range t.rows {
		for colIdx, value := range row {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			f.SetCellValue(t.name, cell, value)
		}
	}

	for i := range t.headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(t.name, col, col, 15)
	}

	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write xlsx: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, t table) error {
	items := make([]map[string]interface{}, 0, len(t.rows))
	for _, row := range t.rows {
		item := make(map[string]interface{}, len(t.headers))
		for i, header := range t.headers {
			item[header] = row[i]
		}
		items = append(items, item)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	result := map[string]interface{}{
		"exported_at": time.Now().Format(time.RFC3339),
		"projection":  t.name,
		"total":       len(items),
		"items":       items,
	}
	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
