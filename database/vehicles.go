package database

import (
	"context"
	"encoding/json"
	"fmt"
)

const vehicleColumns = `
	supplier, supplier_line_id, run_id,
	raw_make, raw_model, raw_version, raw_fuel, raw_transmission, raw_body,
	doors, seats, power_kw, displacement_cc,
	price, monthly_fee, duration_months, mileage_cap_km, availability_date,
	norm_make, norm_model, norm_version, norm_fuel, norm_transmission, norm_body,
	catalog_id, confidence, match_method, match_reason,
	segment, list_price, price_delta, fee_per_1000km, label,
	status, importer_id, source_hash, row_index, provenance, observations, error_message
`

// InsertVehiclesBatch writes a batch of vehicles in one transaction, with
// exponential-backoff retry per the store-error policy. The whole batch is
// retried; the unique (supplier, supplier_line_id, run_id) key serializes
// concurrent writers.
func (db *StockDB) InsertVehiclesBatch(ctx context.Context, vehicles []Vehicle, policy RetryPolicy) error {
	if len(vehicles) == 0 {
		return nil
	}

	return withRetry(ctx, policy, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin vehicle batch: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO vehicles (` + vehicleColumns + `)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare vehicle insert: %w", err)
		}
		defer stmt.Close()

		for i := range vehicles {
			v := &vehicles[i]
			provenanceJSON, observationsJSON, err := marshalVehicleBags(v)
			if err != nil {
				return err
			}

			_, err = stmt.Exec(
				v.Supplier, v.SupplierLineID, v.RunID,
				v.RawMake, v.RawModel, v.RawVersion, v.RawFuel, v.RawTransmission, v.RawBody,
				v.Doors, v.Seats, v.PowerKW, v.DisplacementCC,
				v.Price, v.MonthlyFee, v.DurationMonths, v.MileageCapKM, v.AvailabilityDate,
				v.NormMake, v.NormModel, v.NormVersion, v.NormFuel, v.NormTransmission, v.NormBody,
				v.CatalogID, v.Confidence, v.MatchMethod, v.MatchReason,
				v.Segment, v.ListPrice, v.PriceDelta, v.FeePer1000KM, v.Label,
				v.Status, v.ImporterID, v.SourceHash, v.RowIndex,
				provenanceJSON, observationsJSON, v.ErrorMessage,
			)
			if err != nil {
				return fmt.Errorf("failed to insert vehicle %s/%s: %w", v.Supplier, v.SupplierLineID, err)
			}
		}

		return tx.Commit()
	})
}

func marshalVehicleBags(v *Vehicle) (string, string, error) {
	provenance := v.Provenance
	if provenance == nil {
		provenance = map[string]string{}
	}
	provenanceJSON, err := json.Marshal(provenance)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal provenance: %w", err)
	}

	observations := v.Observations
	if observations == nil {
		observations = []string{}
	}
	observationsJSON, err := json.Marshal(observations)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal observations: %w", err)
	}
	return string(provenanceJSON), string(observationsJSON), nil
}

// GetVehiclesByRun returns the vehicles of a run in export order
// (supplier ASC, supplier_line_id ASC).
func (db *StockDB) GetVehiclesByRun(runID int64) ([]Vehicle, error) {
	rows, err := db.conn.Query(`
		SELECT id, `+vehicleColumns+`
		FROM vehicles
		WHERE run_id = ?
		ORDER BY supplier ASC, supplier_line_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles for run %d: %w", runID, err)
	}
	defer rows.Close()

	vehicles := []Vehicle{}
	for rows.Next() {
		var v Vehicle
		var provenanceJSON, observationsJSON string
		err := rows.Scan(
			&v.ID, &v.Supplier, &v.SupplierLineID, &v.RunID,
			&v.RawMake, &v.RawModel, &v.RawVersion, &v.RawFuel, &v.RawTransmission, &v.RawBody,
			&v.Doors, &v.Seats, &v.PowerKW, &v.DisplacementCC,
			&v.Price, &v.MonthlyFee, &v.DurationMonths, &v.MileageCapKM, &v.AvailabilityDate,
			&v.NormMake, &v.NormModel, &v.NormVersion, &v.NormFuel, &v.NormTransmission, &v.NormBody,
			&v.CatalogID, &v.Confidence, &v.MatchMethod, &v.MatchReason,
			&v.Segment, &v.ListPrice, &v.PriceDelta, &v.FeePer1000KM, &v.Label,
			&v.Status, &v.ImporterID, &v.SourceHash, &v.RowIndex,
			&provenanceJSON, &observationsJSON, &v.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		if err := json.Unmarshal([]byte(provenanceJSON), &v.Provenance); err != nil {
			v.Provenance = map[string]string{}
		}
		if err := json.Unmarshal([]byte(observationsJSON), &v.Observations); err != nil {
			v.Observations = []string{}
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// DeleteVehiclesBySource removes the vehicles a source produced within a run.
// Resumption re-reads failed sources from row 0, so their partial output has
// to go first.
func (db *StockDB) DeleteVehiclesBySource(runID int64, sourceHash string) error {
	_, err := db.conn.Exec(`DELETE FROM vehicles WHERE run_id = ? AND source_hash = ?`,
		runID, sourceHash)
	if err != nil {
		return fmt.Errorf("failed to delete vehicles for source %s: %w", sourceHash, err)
	}
	return nil
}

// CountVehiclesByRun returns per-status counts for a run.
func (db *StockDB) CountVehiclesByRun(runID int64) (map[string]int, error) {
	rows, err := db.conn.Query(`
		SELECT status, COUNT(*) FROM vehicles WHERE run_id = ? GROUP BY status
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count vehicles for run %d: %w", runID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan vehicle count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
