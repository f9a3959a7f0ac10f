package matching

import (
	"math"
	"strings"
)

// TokenSetJaccard computes the Jaccard index of the word sets of two
// normalized tokens: |A ∩ B| / |A ∪ B|, from 0.0 (disjoint) to 1.0 (equal).
func TokenSetJaccard(text1, text2 string) float64 {
	if text1 == "" && text2 == "" {
		return 1.0
	}
	if text1 == "" || text2 == "" {
		return 0.0
	}

	set1 := tokenizeToSet(text1)
	set2 := tokenizeToSet(text2)

	intersection := 0
	for elem := range set1 {
		if set2[elem] {
			intersection++
		}
	}
	union := len(set1)
	for elem := range set2 {
		if !set1[elem] {
			union++
		}
	}
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// tokenizeToSet splits a normalized token into its word set. Inputs come out
// of the normalizer already lowercased and punctuation-free.
func tokenizeToSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(text) {
		set[word] = true
	}
	return set
}

// fuelFamilies groups canonical fuel tokens into compatibility families.
// An exact fuel match scores 1.0, same family 0.5, everything else 0.
var fuelFamilies = map[string]string{
	"petrol":             "petrol",
	"mild-hybrid-petrol": "petrol",
	"hybrid-petrol":      "petrol",
	"diesel":             "diesel",
	"mild-hybrid-diesel": "diesel",
	"hybrid-diesel":      "diesel",
	"electric":           "electric",
	"plugin-hybrid":      "electric",
	"lpg":                "gas",
	"cng":                "gas",
	"methane":            "gas",
}

// FuelScore scores fuel compatibility between a normalized offer fuel and a
// catalog fuel.
func FuelScore(offer, catalog string) float64 {
	if offer == catalog {
		return 1.0
	}
	of, ok1 := fuelFamilies[offer]
	cf, ok2 := fuelFamilies[catalog]
	if ok1 && ok2 && of == cf {
		return 0.5
	}
	return 0.0
}

// ExactScore scores plain string equality (transmission, body).
func ExactScore(offer, catalog string) float64 {
	if offer == catalog {
		return 1.0
	}
	return 0.0
}

// PowerScore scores engine-power agreement: within ±10% of the catalog value
// scores 1.0, within ±25% scores 0.5, further off scores 0. Missing values
// on either side score 0.
func PowerScore(offerKW, catalogKW float64) float64 {
	if offerKW <= 0 || catalogKW <= 0 {
		return 0.0
	}
	deviation := math.Abs(offerKW-catalogKW) / catalogKW
	switch {
	case deviation <= 0.10:
		return 1.0
	case deviation <= 0.25:
		return 0.5
	default:
		return 0.0
	}
}
