// genstock generates supplier-shaped offer files for manual pipeline
// testing: an Arval-style Italian xlsx and an Ayvens-style semicolon CSV.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

type fakeOffer struct {
	lineID         string
	brand          string
	model          string
	version        string
	fuel           string
	transmission   string
	body           string
	doors          int
	seats          int
	powerCV        int
	displacementCC int
	price          float64
	monthlyFee     float64
	durationMonths int
	mileageCapKM   int
	available      string
}

// Small embedded catalog of plausible make/model pairs. Raw spellings vary
// on purpose so the normalizer has something to chew on.
var makes = []string{"Volkswagen", "VW", "Fiat", "Renault", "Peugeot", "Toyota", "BMW"}

var modelsByMake = map[string][]string{
	"Volkswagen": {"Golf", "Polo", "Tiguan", "Passat"},
	"VW":         {"Golf", "T-Roc"},
	"Fiat":       {"Panda", "500", "Tipo"},
	"Renault":    {"Clio", "Captur", "Megane"},
	"Peugeot":    {"208", "2008", "308"},
	"Toyota":     {"Yaris", "Corolla", "C-HR"},
	"BMW":        {"Serie 1", "X1", "Serie 3"},
}

var versions = []string{"Business", "Style", "Sport", "Active", "Lounge", "Executive", ""}
var fuels = []string{"Benzina", "Diesel", "Hybrid", "Elettrica", "GPL", "petrol", "diesel"}
var transmissions = []string{"Manuale", "Automatico", "manual", "automatic", "DSG"}
var bodies = []string{"Berlina", "SUV", "Station Wagon", "Hatchback", "city car"}

func main() {
	count := flag.Int("count", 200, "offers per file")
	outDir := flag.String("out", "sources", "output directory")
	seed := flag.Int64("seed", 0, "random seed (0 = random)")
	flag.Parse()

	if *seed != 0 {
		gofakeit.Seed(*seed)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	arvalPath := filepath.Join(*outDir, "arval_offers.xlsx")
	if err := writeArval(arvalPath, *count); err != nil {
		log.Fatalf("Failed to write %s: %v", arvalPath, err)
	}
	log.Printf("Wrote %d offers to %s", *count, arvalPath)

	ayvensPath := filepath.Join(*outDir, "ayvens_offers.csv")
	if err := writeAyvens(ayvensPath, *count); err != nil {
		log.Fatalf("Failed to write %s: %v", ayvensPath, err)
	}
	log.Printf("Wrote %d offers to %s", *count, ayvensPath)
}

func randomOffer(prefix string, n int) fakeOffer {
	brand := gofakeit.RandomString(makes)
	models := modelsByMake[brand]
	price := float64(gofakeit.Number(14000, 65000))
	available := gofakeit.DateRange(time.Now(), time.Now().AddDate(0, 6, 0))

	return fakeOffer{
		lineID:         fmt.Sprintf("%s-%05d", prefix, n),
		brand:          brand,
		model:          gofakeit.RandomString(models),
		version:        gofakeit.RandomString(versions),
		fuel:           gofakeit.RandomString(fuels),
		transmission:   gofakeit.RandomString(transmissions),
		body:           gofakeit.RandomString(bodies),
		doors:          gofakeit.RandomInt([]int{3, 5}),
		seats:          gofakeit.RandomInt([]int{4, 5, 7}),
		powerCV:        gofakeit.Number(70, 300),
		displacementCC: gofakeit.Number(999, 2993),
		price:          price,
		monthlyFee:     price / float64(gofakeit.Number(40, 80)),
		durationMonths: gofakeit.RandomInt([]int{24, 36, 48}),
		mileageCapKM:   gofakeit.RandomInt([]int{10000, 15000, 20000, 30000}),
		available:      available.Format("02/01/2006"),
	}
}

// italianDecimal renders a float the way the Arval feed does: comma as the
// decimal separator.
func italianDecimal(f float64) string {
	return strings.Replace(fmt.Sprintf("%.2f", f), ".", ",", 1)
}

func writeArval(path string, count int) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Offerte"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return err
	}
	f.DeleteSheet("Sheet1")

	headers := []string{
		"Codice Offerta", "Marca", "Modello", "Allestimento", "Alimentazione",
		"Cambio", "Carrozzeria", "Porte", "Posti", "Potenza CV", "Cilindrata",
		"Prezzo", "Canone Mensile", "Durata Mesi", "Percorrenza KM", "Disponibilita",
	}
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		o := randomOffer("ARV", i+1)
		row := []interface{}{
			o.lineID, o.brand, o.model, o.version, o.fuel,
			o.transmission, o.body, o.doors, o.seats, o.powerCV, o.displacementCC,
			italianDecimal(o.price), italianDecimal(o.monthlyFee),
			o.durationMonths, o.mileageCapKM, o.available,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	f.SetActiveSheet(index)
	return f.SaveAs(path)
}

func writeAyvens(path string, count int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	// The real feed arrives in Windows-1252.
	encoder := transform.NewWriter(file, charmap.Windows1252.NewEncoder())
	writer := csv.NewWriter(encoder)
	writer.Comma = ';'

	headers := []string{
		"Offer ID", "Make", "Model", "Trim", "Fuel Type", "Gearbox", "Body Type",
		"Doors", "Seats", "Power KW", "Engine CC", "Price", "Monthly Rate",
		"Contract Months", "Mileage Limit", "Available From",
	}
	if err := writer.Write(headers); err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		o := randomOffer("AYV", i+1)
		record := []string{
			o.lineID, o.brand, o.model, o.version, o.fuel, o.transmission, o.body,
			fmt.Sprintf("%d", o.doors), fmt.Sprintf("%d", o.seats),
			fmt.Sprintf("%.0f", float64(o.powerCV)*0.7355),
			fmt.Sprintf("%d", o.displacementCC),
			fmt.Sprintf("%.2f", o.price), fmt.Sprintf("%.2f", o.monthlyFee),
			fmt.Sprintf("%d", o.durationMonths), fmt.Sprintf("%d", o.mileageCapKM),
			o.available,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return encoder.Close()
}
