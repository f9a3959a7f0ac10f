package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cvToKW converts metric horsepower (cavalli) to kilowatts.
const cvToKW = 0.7355

// CleanText trims a free-text cell. Content normalization is the
// normalizer's job; importers only tidy the raw value.
func CleanText(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// CleanNumber parses a supplier numeric cell: currency symbols and units are
// stripped, decimal comma is accepted, thousand separators are dropped.
// Empty cells parse to 0.
func CleanNumber(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}

	// Keep digits, separators and sign only.
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	s = b.String()
	if s == "" || s == "-" {
		return 0, fmt.Errorf("not a number: %q", raw)
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both present: the later one is the decimal separator.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// Comma only: decimal comma unless it looks like a thousand group.
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case strings.Count(s, ".") > 1:
		// Multiple dots are thousand separators.
		s = strings.ReplaceAll(s, ".", "")
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	return value, nil
}

// CleanInt parses an integer cell with the same locale rules as CleanNumber.
func CleanInt(raw string) (int, error) {
	value, err := CleanNumber(raw)
	if err != nil {
		return 0, err
	}
	return int(value + 0.5), nil
}

// dateLayouts are the accepted input date formats, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"02/01/2006", // DD/MM/YYYY
	"2/1/2006",
}

// CleanDate parses a date cell and renders it as an ISO date. Empty cells
// stay empty.
func CleanDate(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date: %q", raw)
}

// CleanPowerKW parses an engine-power cell, converting horsepower units to
// kilowatts: "81 kw" stays 81, "110 cv" becomes 80.9.
func CleanPowerKW(raw string) (float64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, nil
	}

	value, err := CleanNumber(s)
	if err != nil {
		return 0, err
	}
	if strings.Contains(s, "cv") || strings.Contains(s, "hp") || strings.Contains(s, "ps") {
		return value * cvToKW, nil
	}
	return value, nil
}

// CleanDisplacementCC parses engine displacement: values under 20 are read as
// liters ("1.5") and converted to cc, anything else is already cc ("1498 cc").
func CleanDisplacementCC(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	value, err := CleanNumber(s)
	if err != nil {
		return 0, err
	}
	if value > 0 && value < 20 {
		value *= 1000
	}
	return int(value + 0.5), nil
}
