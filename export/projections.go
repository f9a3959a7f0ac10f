package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"stockengine/database"
)

// fullTable is the lossless projection: every stored column, headers named
// after the store columns. A full export re-imported through the identity
// importer reproduces the offers it was made from.
func fullTable(vehicles []database.Vehicle, stale func(database.Vehicle) bool) table {
	t := table{
		name: "Full",
		headers: []string{
			"supplier", "supplier_line_id",
			"raw_make", "raw_model", "raw_version", "raw_fuel", "raw_transmission", "raw_body",
			"doors", "seats", "power_kw", "displacement_cc",
			"price", "monthly_fee", "duration_months", "mileage_cap_km", "availability_date",
			"norm_make", "norm_model", "norm_version", "norm_fuel", "norm_transmission", "norm_body",
			"catalog_id", "confidence", "match_method", "match_reason",
			"segment", "list_price", "price_delta", "fee_per_1000km", "label",
			"status", "importer_id", "row_index",
			"provenance", "observations", "error_message", "catalog_stale",
		},
	}
	for _, v := range vehicles {
		t.rows = append(t.rows, []interface{}{
			v.Supplier, v.SupplierLineID,
			v.RawMake, v.RawModel, v.RawVersion, v.RawFuel, v.RawTransmission, v.RawBody,
			v.Doors, v.Seats, v.PowerKW, v.DisplacementCC,
			v.Price, v.MonthlyFee, v.DurationMonths, v.MileageCapKM, v.AvailabilityDate,
			v.NormMake, v.NormModel, v.NormVersion, v.NormFuel, v.NormTransmission, v.NormBody,
			catalogID(v), v.Confidence, v.MatchMethod, v.MatchReason,
			v.Segment, v.ListPrice, v.PriceDelta, v.FeePer1000KM, v.Label,
			v.Status, v.ImporterID, v.RowIndex,
			jsonBag(v.Provenance), strings.Join(v.Observations, "; "), v.ErrorMessage, stale(v),
		})
	}
	return t
}

// commercialTable is the price sheet handed to sales. Rows that never made
// it past import carry no commercial data and are left out.
func commercialTable(vehicles []database.Vehicle) table {
	t := table{
		name: "Commercial",
		headers: []string{
			"Supplier", "Offer ID", "Vehicle",
			"Make", "Model", "Version",
			"Price", "List Price", "Price Delta",
			"Monthly Fee", "Duration Months", "Mileage Cap KM", "Fee per 1000 KM",
			"Availability Date",
		},
		csvBOM: true,
	}
	for _, v := range vehicles {
		if v.Status == database.VehicleStatusImportError {
			continue
		}
		t.rows = append(t.rows, []interface{}{
			v.Supplier, v.SupplierLineID, v.Label,
			v.NormMake, v.NormModel, v.NormVersion,
			v.Price, v.ListPrice, v.PriceDelta,
			v.MonthlyFee, v.DurationMonths, v.MileageCapKM, v.FeePer1000KM,
			v.AvailabilityDate,
		})
	}
	return t
}

// technicalTable is the engineering view: normalized descriptors plus the
// match outcome, with a staleness flag for audits.
func technicalTable(vehicles []database.Vehicle, stale func(database.Vehicle) bool) table {
	t := table{
		name: "Technical",
		headers: []string{
			"Supplier", "Offer ID",
			"Make", "Model", "Version", "Fuel", "Transmission", "Body",
			"Doors", "Seats", "Power KW", "Displacement CC", "Segment",
			"Catalog ID", "Confidence", "Match Method", "Catalog Stale",
		},
	}
	for _, v := range vehicles {
		if v.Status == database.VehicleStatusImportError {
			continue
		}
		t.rows = append(t.rows, []interface{}{
			v.Supplier, v.SupplierLineID,
			v.NormMake, v.NormModel, v.NormVersion, v.NormFuel, v.NormTransmission, v.NormBody,
			v.Doors, v.Seats, v.PowerKW, v.DisplacementCC, v.Segment,
			catalogID(v), v.Confidence, v.MatchMethod, stale(v),
		})
	}
	return t
}

// unmatchedTable is the review queue: rows that failed import or found no
// catalog vehicle, with everything a reviewer needs to decide what rule or
// pattern is missing.
func unmatchedTable(vehicles []database.Vehicle) table {
	t := table{
		name: "Unmatched",
		headers: []string{
			"Supplier", "Offer ID", "Status",
			"Price", "Monthly Fee", "Duration Months", "Mileage Cap KM", "Availability Date",
			"Raw Make", "Raw Model", "Raw Version", "Raw Fuel", "Raw Transmission", "Raw Body",
			"Norm Make", "Norm Model", "Norm Version", "Norm Fuel", "Norm Transmission", "Norm Body",
			"Match Reason", "Error", "Observations", "Provenance",
		},
	}
	for _, v := range vehicles {
		if v.Status != database.VehicleStatusUnmatched && v.Status != database.VehicleStatusImportError {
			continue
		}
		t.rows = append(t.rows, []interface{}{
			v.Supplier, v.SupplierLineID, v.Status,
			v.Price, v.MonthlyFee, v.DurationMonths, v.MileageCapKM, v.AvailabilityDate,
			v.RawMake, v.RawModel, v.RawVersion, v.RawFuel, v.RawTransmission, v.RawBody,
			v.NormMake, v.NormModel, v.NormVersion, v.NormFuel, v.NormTransmission, v.NormBody,
			v.MatchReason, v.ErrorMessage, strings.Join(v.Observations, "; "), jsonBag(v.Provenance),
		})
	}
	return t
}

func catalogID(v database.Vehicle) string {
	if v.CatalogID == nil {
		return ""
	}
	return *v.CatalogID
}

func jsonBag(bag map[string]string) string {
	if len(bag) == 0 {
		return "{}"
	}
	data, err := json.Marshal(bag)
	if err != nil {
		return fmt.Sprintf("{%q: %q}", "_error", err.Error())
	}
	return string(data)
}
