package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Canonical raw-offer fields importers map supplier columns onto.
const (
	FieldLineID           = "line_id"
	FieldMake             = "make"
	FieldModel            = "model"
	FieldVersion          = "version"
	FieldFuel             = "fuel"
	FieldTransmission     = "transmission"
	FieldBody             = "body"
	FieldDoors            = "doors"
	FieldSeats            = "seats"
	FieldPower            = "power"
	FieldDisplacement     = "displacement"
	FieldPrice            = "price"
	FieldMonthlyFee       = "monthly_fee"
	FieldDuration         = "duration"
	FieldMileageCap       = "mileage_cap"
	FieldAvailabilityDate = "availability_date"
)

// RawOffer is the canonical raw-offer record an importer yields per supplier
// row, before normalization.
type RawOffer struct {
	// Supplier overrides the importer's supplier tag when set. Only the
	// identity importer uses it: re-imported exports carry mixed suppliers.
	Supplier       string
	SupplierLineID string

	Make         string
	Model        string
	Version      string
	Fuel         string
	Transmission string
	Body         string

	Doors          int
	Seats          int
	PowerKW        float64
	DisplacementCC int

	Price            float64
	MonthlyFee       float64
	DurationMonths   int
	MileageCapKM     int
	AvailabilityDate string // ISO date

	RowIndex int
	// Extra keeps unknown supplier columns verbatim for debugging.
	Extra map[string]string
}

// RowOutcome carries either a parsed offer or a row-level error. A malformed
// row fails the row, not the file.
type RowOutcome struct {
	Offer    *RawOffer
	Err      error
	RowIndex int
}

// Importer is a per-supplier adapter. Read streams the source once, pushing
// one RowOutcome per data row; returning false from yield stops iteration.
// Read returns an error only for source-level failures (unopenable file,
// unidentified header).
type Importer interface {
	// ID identifies the importer in vehicle provenance.
	ID() string
	// Supplier is the supplier tag stamped on every vehicle.
	Supplier() string
	// Detect reports whether this importer recognizes the source file.
	Detect(source string) bool
	// Read streams the source's rows.
	Read(ctx context.Context, source string, yield func(RowOutcome) bool) error
}

// Registry resolves sources to importers. It is built once at startup; new
// suppliers are added by registering an importer, downstream stages never
// change.
type Registry struct {
	importers []Importer
}

// NewRegistry builds the default registry: Arval, Ayvens, and the identity
// importer for re-imported exports. rowsPerSecond throttles reads
// (0 = unlimited).
func NewRegistry(rowsPerSecond int) *Registry {
	r := &Registry{}
	r.Register(NewIdentityImporter(rowsPerSecond)) // checked first: narrowest signature
	r.Register(NewArvalImporter(rowsPerSecond))
	r.Register(NewAyvensImporter(rowsPerSecond))
	return r
}

// Register appends an importer. Resolution order follows registration order.
func (r *Registry) Register(imp Importer) {
	r.importers = append(r.importers, imp)
}

// Resolve returns the first importer that recognizes the source.
func (r *Registry) Resolve(source string) (Importer, bool) {
	for _, imp := range r.importers {
		if imp.Detect(source) {
			return imp, true
		}
	}
	return nil, false
}

// SourceHash fingerprints a source file. It ties vehicles to the exact bytes
// they were imported from and keys per-source cleanup on resumption.
func SourceHash(source string) (string, error) {
	f, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("failed to open source %s: %w", source, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash source %s: %w", source, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LineIDForRow synthesizes a supplier line id for rows that carry none.
// The id is keyed by the source hash so that rows at the same index in two
// files of the same supplier never collide on (supplier, line id, run).
func LineIDForRow(sourceHash string, rowIndex int) string {
	if len(sourceHash) > 8 {
		sourceHash = sourceHash[:8]
	}
	return fmt.Sprintf("%s-row-%d", sourceHash, rowIndex)
}
