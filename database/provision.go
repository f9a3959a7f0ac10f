package database

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/xuri/excelize/v2"
)

// Bulk loaders for the reference tables. Provisioning workbooks are small
// (thousands of rows), so these read the whole sheet at once instead of
// streaming. Each row is upserted; existing rows with the same key are
// overwritten, nothing is deleted.

// LoadCatalogFromXLSX loads catalog vehicles from the first sheet of a
// workbook. Expected headers: catalog_id, make, model, version, fuel,
// transmission, body, doors, power_kw, displacement_cc, list_price, segment.
func (db *StockDB) LoadCatalogFromXLSX(path string) (int, error) {
	rows, header, err := readSheet(path)
	if err != nil {
		return 0, err
	}
	required := []string{"catalog_id", "make", "model"}
	if err := checkHeader(header, required); err != nil {
		return 0, fmt.Errorf("catalog workbook %s: %w", path, err)
	}

	loaded := 0
	for i, row := range rows {
		cells := rowCells(header, row)
		if cells["catalog_id"] == "" {
			continue
		}
		v := CatalogVehicle{
			CatalogID:      cells["catalog_id"],
			Make:           cells["make"],
			Model:          cells["model"],
			Version:        cells["version"],
			Fuel:           cells["fuel"],
			Transmission:   cells["transmission"],
			Body:           cells["body"],
			Doors:          cast.ToInt(cells["doors"]),
			PowerKW:        cast.ToFloat64(cells["power_kw"]),
			DisplacementCC: cast.ToInt(cells["displacement_cc"]),
			ListPrice:      cast.ToFloat64(cells["list_price"]),
			Segment:        cells["segment"],
		}
		if err := db.UpsertCatalogVehicle(v); err != nil {
			return loaded, fmt.Errorf("failed to upsert catalog row %d: %w", i+2, err)
		}
		loaded++
	}
	return loaded, nil
}

// LoadPatternsFromXLSX loads match patterns. Expected headers: catalog_id,
// priority, active, source, make, model, version, fuel, transmission, body.
func (db *StockDB) LoadPatternsFromXLSX(path string) (int, error) {
	rows, header, err := readSheet(path)
	if err != nil {
		return 0, err
	}
	if err := checkHeader(header, []string{"catalog_id"}); err != nil {
		return 0, fmt.Errorf("pattern workbook %s: %w", path, err)
	}

	loaded := 0
	for i, row := range rows {
		cells := rowCells(header, row)
		if cells["catalog_id"] == "" {
			continue
		}
		active := true
		if raw, ok := cells["active"]; ok && raw != "" {
			active = cast.ToBool(raw)
		}
		p := Pattern{
			Priority:     cast.ToInt(cells["priority"]),
			Active:       active,
			Source:       cells["source"],
			CatalogID:    cells["catalog_id"],
			Make:         cells["make"],
			Model:        cells["model"],
			Version:      cells["version"],
			Fuel:         cells["fuel"],
			Transmission: cells["transmission"],
			Body:         cells["body"],
		}
		if _, err := db.UpsertPattern(p); err != nil {
			return loaded, fmt.Errorf("failed to upsert pattern row %d: %w", i+2, err)
		}
		loaded++
	}
	return loaded, nil
}

// LoadGlossaryFromXLSX loads normalizer rewrite rules. Expected headers:
// field, source, canonical, priority.
func (db *StockDB) LoadGlossaryFromXLSX(path string) (int, error) {
	rows, header, err := readSheet(path)
	if err != nil {
		return 0, err
	}
	if err := checkHeader(header, []string{"field", "source", "canonical"}); err != nil {
		return 0, fmt.Errorf("glossary workbook %s: %w", path, err)
	}

	loaded := 0
	for i, row := range rows {
		cells := rowCells(header, row)
		if cells["field"] == "" || cells["source"] == "" {
			continue
		}
		e := GlossaryEntry{
			Field:     cells["field"],
			Source:    cells["source"],
			Canonical: cells["canonical"],
			Priority:  cast.ToInt(cells["priority"]),
		}
		if err := db.UpsertGlossaryEntry(e); err != nil {
			return loaded, fmt.Errorf("failed to upsert glossary row %d: %w", i+2, err)
		}
		loaded++
	}
	return loaded, nil
}

// readSheet returns the data rows and lowercased header of a workbook's
// first sheet.
func readSheet(path string) ([][]string, []string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sheet: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("workbook %s is empty", path)
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return rows[1:], header, nil
}

func checkHeader(header, required []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	for _, name := range required {
		if !have[name] {
			return fmt.Errorf("missing required column %q", name)
		}
	}
	return nil
}

func rowCells(header []string, row []string) map[string]string {
	cells := make(map[string]string, len(header))
	for i, name := range header {
		if name == "" {
			continue
		}
		if i < len(row) {
			cells[name] = strings.TrimSpace(row[i])
		} else {
			cells[name] = ""
		}
	}
	return cells
}
