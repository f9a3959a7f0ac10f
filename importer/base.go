package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"
)

// headerScanLimit is how many leading rows are probed for the header.
// Supplier files occasionally carry title or legend rows above it.
const headerScanLimit = 10

// columnMap maps canonical raw-offer fields to the supplier's header names
// (compared lowercased). The importer tolerates header reordering but not
// header renaming.
type columnMap map[string]string

// baseImporter is the shared skeleton of all supplier adapters: format
// recognition, header detection, row iteration and row-to-record assembly.
// Suppliers differ only in their column map and per-field cleaner hooks.
type baseImporter struct {
	id        string
	supplier  string
	extension string // ".xlsx" or ".csv"
	signature []string
	columns   columnMap
	required  []string

	csvComma    rune
	csvEncoding string // "windows-1252" or "" for UTF-8

	limiter *rate.Limiter

	// cleanRow lets a supplier adjust the assembled offer (unit quirks,
	// composite cells) before it is yielded.
	cleanRow func(offer *RawOffer) error
}

func newBaseImporter(id, supplier, extension string, signature []string, columns columnMap, rowsPerSecond int) *baseImporter {
	b := &baseImporter{
		id:        id,
		supplier:  supplier,
		extension: extension,
		signature: signature,
		columns:   columns,
		required:  []string{FieldMake, FieldModel},
		csvComma:  ';',
	}
	if rowsPerSecond > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(rowsPerSecond), rowsPerSecond)
	}
	return b
}

// ID identifies the importer in vehicle provenance.
func (b *baseImporter) ID() string { return b.id }

// Supplier is the supplier tag stamped on every vehicle.
func (b *baseImporter) Supplier() string { return b.supplier }

// errNoContent marks a source without a single non-empty row. An empty
// delivery is a valid delivery of zero offers, not a failure.
var errNoContent = errors.New("source has no content")

// Detect recognizes a source by extension plus header signature. A source
// with no content at all is claimed by extension alone, so an empty
// delivery still resolves to an importer and succeeds with zero rows.
func (b *baseImporter) Detect(source string) bool {
	if !strings.EqualFold(filepath.Ext(source), b.extension) {
		return false
	}
	next, closeRows, err := b.openRows(source)
	if err != nil {
		return false
	}
	defer closeRows()

	_, _, err = b.findHeader(next)
	return err == nil || errors.Is(err, errNoContent)
}

// Read streams the source once: header detection, then one RowOutcome per
// data row. Malformed rows fail the row and iteration continues; an
// unopenable file or unidentified header fails the source.
func (b *baseImporter) Read(ctx context.Context, source string, yield func(RowOutcome) bool) error {
	next, closeRows, err := b.openRows(source)
	if err != nil {
		return err
	}
	defer closeRows()

	headers, headerIdx, err := b.findHeader(next)
	if errors.Is(err, errNoContent) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to identify header in %s: %w", source, err)
	}

	// Synthetic line ids are keyed by the source hash so two deliveries of
	// the same supplier cannot collide within one run.
	hash, err := SourceHash(source)
	if err != nil {
		return err
	}

	rowIndex := headerIdx
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		row, ok, err := next()
		if !ok {
			return nil
		}
		rowIndex++
		if err != nil {
			if !yield(RowOutcome{Err: fmt.Errorf("failed to read row: %w", err), RowIndex: rowIndex}) {
				return nil
			}
			continue
		}
		if isEmptyRow(row) {
			continue
		}

		offer, err := b.assemble(headers, row, rowIndex, hash)
		if err != nil {
			if !yield(RowOutcome{Err: err, RowIndex: rowIndex}) {
				return nil
			}
			continue
		}
		if !yield(RowOutcome{Offer: offer, RowIndex: rowIndex}) {
			return nil
		}
	}
}

// rowFunc yields the next row. ok=false signals end of input; a non-nil err
// with ok=true is a row-level read failure.
type rowFunc func() (row []string, ok bool, err error)

// openRows opens the source as a stream of string rows.
func (b *baseImporter) openRows(source string) (rowFunc, func(), error) {
	switch b.extension {
	case ".xlsx":
		return openXLSXRows(source)
	case ".csv":
		return openCSVRows(source, b.csvComma, b.csvEncoding)
	default:
		return nil, nil, fmt.Errorf("unsupported source format %s", b.extension)
	}
}

func openXLSXRows(source string) (rowFunc, func(), error) {
	f, err := excelize.OpenFile(source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", source, err)
	}

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		f.Close()
		return nil, nil, fmt.Errorf("no sheets found in %s", source)
	}

	rows, err := f.Rows(sheetName)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to iterate %s: %w", source, err)
	}

	next := func() ([]string, bool, error) {
		if !rows.Next() {
			return nil, false, nil
		}
		cols, err := rows.Columns()
		if err != nil {
			return nil, true, err
		}
		return cols, true, nil
	}
	closeAll := func() {
		rows.Close()
		f.Close()
	}
	return next, closeAll, nil
}

func openCSVRows(source string, comma rune, encoding string) (rowFunc, func(), error) {
	f, err := os.Open(source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", source, err)
	}

	var reader io.Reader = f
	if encoding == "windows-1252" {
		reader = transform.NewReader(f, charmap.Windows1252.NewDecoder())
	}

	cr := csv.NewReader(reader)
	cr.Comma = comma
	cr.FieldsPerRecord = -1 // ragged rows are a row error, not a file error

	next := func() ([]string, bool, error) {
		row, err := cr.Read()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, true, err
		}
		return row, true, nil
	}
	closeAll := func() { f.Close() }
	return next, closeAll, nil
}

// findHeader scans the leading rows for one containing every signature
// header and returns the headers with the header's row index.
func (b *baseImporter) findHeader(next rowFunc) ([]string, int, error) {
	sawContent := false
	for i := 1; i <= headerScanLimit; i++ {
		row, ok, err := next()
		if !ok {
			break
		}
		if err != nil {
			sawContent = true
			continue
		}
		if !isEmptyRow(row) {
			sawContent = true
		}
		if b.matchesSignature(row) {
			headers := make([]string, len(row))
			for j, h := range row {
				headers[j] = strings.TrimSpace(h)
			}
			return headers, i, nil
		}
	}
	if !sawContent {
		return nil, 0, errNoContent
	}
	return nil, 0, fmt.Errorf("header signature %v not found", b.signature)
}

// matchesSignature reports whether every signature header appears in the row.
func (b *baseImporter) matchesSignature(row []string) bool {
	present := make(map[string]bool, len(row))
	for _, cell := range row {
		present[strings.ToLower(strings.TrimSpace(cell))] = true
	}
	for _, want := range b.signature {
		if !present[want] {
			return false
		}
	}
	return true
}

// assemble turns one data row into a RawOffer via the column map. Unknown
// columns are preserved verbatim in the provenance bag.
func (b *baseImporter) assemble(headers []string, row []string, rowIndex int, sourceHash string) (*RawOffer, error) {
	cells := make(map[string]string, len(headers))
	for i, header := range headers {
		if header == "" || i >= len(row) {
			continue
		}
		cells[strings.ToLower(header)] = strings.TrimSpace(row[i])
	}

	cell := func(field string) string {
		header, ok := b.columns[field]
		if !ok {
			return ""
		}
		return cells[header]
	}

	offer := &RawOffer{
		RowIndex:       rowIndex,
		SupplierLineID: CleanText(cell(FieldLineID)),
		Make:           CleanText(cell(FieldMake)),
		Model:          CleanText(cell(FieldModel)),
		Version:        CleanText(cell(FieldVersion)),
		Fuel:           CleanText(cell(FieldFuel)),
		Transmission:   CleanText(cell(FieldTransmission)),
		Body:           CleanText(cell(FieldBody)),
	}

	for _, field := range b.required {
		if cell(field) == "" {
			return nil, fmt.Errorf("row %d: required field %s is empty", rowIndex, field)
		}
	}
	if offer.SupplierLineID == "" {
		offer.SupplierLineID = LineIDForRow(sourceHash, rowIndex)
	}

	var err error
	if offer.Doors, err = CleanInt(cell(FieldDoors)); err != nil {
		return nil, fmt.Errorf("row %d: doors: %w", rowIndex, err)
	}
	if offer.Seats, err = CleanInt(cell(FieldSeats)); err != nil {
		return nil, fmt.Errorf("row %d: seats: %w", rowIndex, err)
	}
	if offer.PowerKW, err = CleanPowerKW(cell(FieldPower)); err != nil {
		return nil, fmt.Errorf("row %d: power: %w", rowIndex, err)
	}
	if offer.DisplacementCC, err = CleanDisplacementCC(cell(FieldDisplacement)); err != nil {
		return nil, fmt.Errorf("row %d: displacement: %w", rowIndex, err)
	}
	if offer.Price, err = CleanNumber(cell(FieldPrice)); err != nil {
		return nil, fmt.Errorf("row %d: price: %w", rowIndex, err)
	}
	if offer.MonthlyFee, err = CleanNumber(cell(FieldMonthlyFee)); err != nil {
		return nil, fmt.Errorf("row %d: monthly fee: %w", rowIndex, err)
	}
	if offer.DurationMonths, err = CleanInt(cell(FieldDuration)); err != nil {
		return nil, fmt.Errorf("row %d: duration: %w", rowIndex, err)
	}
	if offer.MileageCapKM, err = CleanInt(cell(FieldMileageCap)); err != nil {
		return nil, fmt.Errorf("row %d: mileage cap: %w", rowIndex, err)
	}
	if offer.AvailabilityDate, err = CleanDate(cell(FieldAvailabilityDate)); err != nil {
		return nil, fmt.Errorf("row %d: availability date: %w", rowIndex, err)
	}

	// Anything the column map does not consume goes to the provenance bag.
	consumed := make(map[string]bool, len(b.columns))
	for _, header := range b.columns {
		consumed[header] = true
	}
	for header, value := range cells {
		if !consumed[header] && value != "" {
			if offer.Extra == nil {
				offer.Extra = make(map[string]string)
			}
			offer.Extra[header] = value
		}
	}

	if b.cleanRow != nil {
		if err := b.cleanRow(offer); err != nil {
			return nil, fmt.Errorf("row %d: %w", rowIndex, err)
		}
	}

	return offer, nil
}

// isEmptyRow reports whether every cell of the row is blank.
func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
