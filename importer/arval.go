package importer

// ArvalImporter reads Arval's xlsx offer catalog. Headers are Italian; the
// power column carries metric horsepower without a unit suffix.
type ArvalImporter struct {
	*baseImporter
}

// NewArvalImporter creates the Arval adapter.
func NewArvalImporter(rowsPerSecond int) *ArvalImporter {
	base := newBaseImporter(
		"arval-xlsx", "arval", ".xlsx",
		[]string{"codice offerta", "marca", "modello"},
		columnMap{
			FieldLineID:           "codice offerta",
			FieldMake:             "marca",
			FieldModel:            "modello",
			FieldVersion:          "allestimento",
			FieldFuel:             "alimentazione",
			FieldTransmission:     "cambio",
			FieldBody:             "carrozzeria",
			FieldDoors:            "porte",
			FieldSeats:            "posti",
			FieldPower:            "potenza cv",
			FieldDisplacement:     "cilindrata",
			FieldPrice:            "prezzo",
			FieldMonthlyFee:       "canone mensile",
			FieldDuration:         "durata mesi",
			FieldMileageCap:       "percorrenza km",
			FieldAvailabilityDate: "disponibilita",
		},
		rowsPerSecond,
	)

	// "potenza cv" is a bare number in cavalli; the generic cleaner only
	// converts when a unit suffix is present.
	base.cleanRow = func(offer *RawOffer) error {
		offer.PowerKW *= cvToKW
		return nil
	}

	return &ArvalImporter{baseImporter: base}
}
