package importer

// AyvensImporter reads Ayvens' semicolon-separated CSV feed. The feed is
// exported from a legacy system in Windows-1252.
type AyvensImporter struct {
	*baseImporter
}

// NewAyvensImporter creates the Ayvens adapter.
func NewAyvensImporter(rowsPerSecond int) *AyvensImporter {
	base := newBaseImporter(
		"ayvens-csv", "ayvens", ".csv",
		[]string{"offer id", "make", "model"},
		columnMap{
			FieldLineID:           "offer id",
			FieldMake:             "make",
			FieldModel:            "model",
			FieldVersion:          "trim",
			FieldFuel:             "fuel type",
			FieldTransmission:     "gearbox",
			FieldBody:             "body type",
			FieldDoors:            "doors",
			FieldSeats:            "seats",
			FieldPower:            "power kw",
			FieldDisplacement:     "engine cc",
			FieldPrice:            "price",
			FieldMonthlyFee:       "monthly rate",
			FieldDuration:         "contract months",
			FieldMileageCap:       "mileage limit",
			FieldAvailabilityDate: "available from",
		},
		rowsPerSecond,
	)
	base.csvEncoding = "windows-1252"

	return &AyvensImporter{baseImporter: base}
}
