package export

import (
	"fmt"
	"strings"

	"stockengine/database"
)

const (
	changeAdded   = "added"
	changeRemoved = "removed"
	changeChanged = "changed"
)

// diffTable compares a run against the most recent succeeded run before it.
// Offers are matched by (supplier, supplier_line_id); unchanged offers are
// omitted. With no earlier run every offer is an addition.
func (e *Exporter) diffTable(run *database.Elaborazione, vehicles []database.Vehicle) (table, error) {
	t := table{
		name: "Diff",
		headers: []string{
			"Change", "Supplier", "Offer ID", "Vehicle",
			"Catalog ID", "Previous Catalog ID",
			"Price", "Previous Price",
			"Monthly Fee", "Previous Monthly Fee",
			"Status", "Changed Fields",
		},
	}

	prevID, err := e.db.PreviousSucceededRunID(run.ID)
	if err != nil {
		return table{}, fmt.Errorf("failed to find previous run: %w", err)
	}

	previous := map[string]database.Vehicle{}
	var previousOrder []string
	if prevID != 0 {
		prevVehicles, err := e.db.GetVehiclesByRun(prevID)
		if err != nil {
			return table{}, fmt.Errorf("failed to load previous run vehicles: %w", err)
		}
		for _, v := range prevVehicles {
			key := offerKey(v)
			previous[key] = v
			previousOrder = append(previousOrder, key)
		}
	}

	seen := map[string]bool{}
	for _, v := range vehicles {
		key := offerKey(v)
		seen[key] = true
		old, existed := previous[key]
		if !existed {
			t.rows = append(t.rows, diffRow(changeAdded, v, nil, nil))
			continue
		}
		changed := changedFields(old, v)
		if len(changed) > 0 {
			t.rows = append(t.rows, diffRow(changeChanged, v, &old, changed))
		}
	}
	for _, key := range previousOrder {
		if seen[key] {
			continue
		}
		old := previous[key]
		t.rows = append(t.rows, diffRow(changeRemoved, old, &old, nil))
	}

	return t, nil
}

func offerKey(v database.Vehicle) string {
	return v.Supplier + "\x00" + v.SupplierLineID
}

// changedFields lists the commercially relevant fields that differ between
// two editions of the same offer.
func changedFields(old, cur database.Vehicle) []string {
	var changed []string
	if catalogID(old) != catalogID(cur) {
		changed = append(changed, "catalog_id")
	}
	if old.Price != cur.Price {
		changed = append(changed, "price")
	}
	if old.MonthlyFee != cur.MonthlyFee {
		changed = append(changed, "monthly_fee")
	}
	if old.MileageCapKM != cur.MileageCapKM {
		changed = append(changed, "mileage_cap_km")
	}
	if old.DurationMonths != cur.DurationMonths {
		changed = append(changed, "duration_months")
	}
	if old.AvailabilityDate != cur.AvailabilityDate {
		changed = append(changed, "availability_date")
	}
	if old.Status != cur.Status {
		changed = append(changed, "status")
	}
	return changed
}

func diffRow(change string, v database.Vehicle, old *database.Vehicle, changed []string) []interface{} {
	prevCatalog, prevPrice, prevFee := "", interface{}(""), interface{}("")
	if old != nil {
		prevCatalog = catalogID(*old)
		prevPrice = old.Price
		prevFee = old.MonthlyFee
	}
	return []interface{}{
		change, v.Supplier, v.SupplierLineID, v.Label,
		catalogID(v), prevCatalog,
		v.Price, prevPrice,
		v.MonthlyFee, prevFee,
		v.Status, strings.Join(changed, ", "),
	}
}
