package importer

// IdentityImporter re-reads a full-projection export. Column names are the
// export's own, so Export(run, full) followed by an identity import
// reproduces the stored vehicles on the exported columns. Mostly a
// round-trip verification tool, registered first because its signature is
// the narrowest.
type IdentityImporter struct {
	*baseImporter
}

// NewIdentityImporter creates the identity adapter.
func NewIdentityImporter(rowsPerSecond int) *IdentityImporter {
	base := newBaseImporter(
		"identity-xlsx", "identity", ".xlsx",
		[]string{"supplier", "supplier_line_id", "raw_make"},
		columnMap{
			FieldLineID:           "supplier_line_id",
			FieldMake:             "raw_make",
			FieldModel:            "raw_model",
			FieldVersion:          "raw_version",
			FieldFuel:             "raw_fuel",
			FieldTransmission:     "raw_transmission",
			FieldBody:             "raw_body",
			FieldDoors:            "doors",
			FieldSeats:            "seats",
			FieldPower:            "power_kw",
			FieldDisplacement:     "displacement_cc",
			FieldPrice:            "price",
			FieldMonthlyFee:       "monthly_fee",
			FieldDuration:         "duration_months",
			FieldMileageCap:       "mileage_cap_km",
			FieldAvailabilityDate: "availability_date",
		},
		rowsPerSecond,
	)

	// The exported rows carry their original supplier; keep it.
	base.cleanRow = func(offer *RawOffer) error {
		if supplier, ok := offer.Extra["supplier"]; ok {
			offer.Supplier = supplier
			delete(offer.Extra, "supplier")
		}
		return nil
	}

	return &IdentityImporter{baseImporter: base}
}
