package enrichment

import (
	"strings"

	"stockengine/database"
)

// Enricher copies catalog attributes onto matched offers and derives the
// computed commercial fields. The offer stays the source of truth for
// commercial data, the catalog for technical data; non-empty offer fields
// are never overwritten. Enrichment never fails.
type Enricher struct {
	catalog *database.CatalogSnapshot
}

// NewEnricher creates an enricher over the run's catalog snapshot.
func NewEnricher(catalog *database.CatalogSnapshot) *Enricher {
	return &Enricher{catalog: catalog}
}

// Enrich finalizes one vehicle after matching. Matched vehicles receive the
// catalog-derived technical fields and the computed fields; unmatched
// vehicles are flagged and keep their catalog-derived fields zero.
func (e *Enricher) Enrich(v *database.Vehicle) {
	if v.CatalogID == nil {
		v.Status = database.VehicleStatusUnmatched
		return
	}

	c, ok := e.catalog.ByID(*v.CatalogID)
	if !ok {
		// The matcher only emits ids present in the snapshot; a miss here
		// means the caller paired the enricher with a different snapshot.
		v.Status = database.VehicleStatusUnmatched
		v.Observations = append(v.Observations, "enrich-stale:"+*v.CatalogID)
		return
	}

	// Technical fields: catalog fills the gaps the supplier left empty.
	if v.NormBody == "" {
		v.NormBody = c.Body
	}
	if v.PowerKW == 0 {
		v.PowerKW = c.PowerKW
	}
	if v.DisplacementCC == 0 {
		v.DisplacementCC = c.DisplacementCC
	}
	if v.Doors == 0 {
		v.Doors = c.Doors
	}
	v.Segment = c.Segment

	// List price only where the offer has none.
	if v.ListPrice == 0 {
		v.ListPrice = c.ListPrice
	}

	// Derived fields.
	if v.ListPrice > 0 && v.Price > 0 {
		v.PriceDelta = v.Price - v.ListPrice
	}
	if v.MonthlyFee > 0 && v.MileageCapKM > 0 {
		v.FeePer1000KM = v.MonthlyFee / (float64(v.MileageCapKM) / 1000.0)
	}
	v.Label = buildLabel(c.Make, c.Model, c.Version)

	v.Status = database.VehicleStatusMatched
}

// buildLabel renders the human-readable "{make} {model} {version}" label from
// canonical tokens, skipping empty parts.
func buildLabel(brand, model, version string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{brand, model, version} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}
