package matching

import (
	"math"
	"testing"
)

func TestTokenSetJaccard(t *testing.T) {
	testCases := []struct {
		a, b     string
		expected float64
	}{
		{"", "", 1.0},
		{"tce 90", "", 0.0},
		{"tce 90 equilibre", "tce 90 equilibre", 1.0},
		{"equilibre tce 90", "tce 90 equilibre", 1.0}, // word order irrelevant
		{"tce 90 techno", "tce 90 equilibre", 0.5},    // 2 shared / 4 union
		{"sport", "lounge", 0.0},
	}

	for _, tc := range testCases {
		t.Run(tc.a+"_vs_"+tc.b, func(t *testing.T) {
			got := TokenSetJaccard(tc.a, tc.b)
			if math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("TokenSetJaccard(%q, %q) = %.3f, expected %.3f", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}

func TestFuelScore(t *testing.T) {
	testCases := []struct {
		offer, catalog string
		expected       float64
	}{
		{"petrol", "petrol", 1.0},
		{"hybrid-petrol", "petrol", 0.5},
		{"mild-hybrid-diesel", "diesel", 0.5},
		{"lpg", "cng", 0.5},
		{"petrol", "diesel", 0.0},
		{"benz", "petrol", 0.0}, // unknown fuel is incompatible
		{"benz", "benz", 1.0},   // but equal strings always agree
	}

	for _, tc := range testCases {
		t.Run(tc.offer+"_"+tc.catalog, func(t *testing.T) {
			if got := FuelScore(tc.offer, tc.catalog); got != tc.expected {
				t.Errorf("FuelScore(%q, %q) = %.1f, expected %.1f", tc.offer, tc.catalog, got, tc.expected)
			}
		})
	}
}

func TestPowerScore(t *testing.T) {
	testCases := []struct {
		offer, catalog float64
		expected       float64
	}{
		{66, 66, 1.0},
		{70, 66, 1.0},  // ~6% off
		{80, 66, 0.5},  // ~21% off
		{100, 66, 0.0}, // ~51% off
		{0, 66, 0.0},   // missing offer power
		{66, 0, 0.0},   // missing catalog power
	}

	for _, tc := range testCases {
		if got := PowerScore(tc.offer, tc.catalog); got != tc.expected {
			t.Errorf("PowerScore(%.0f, %.0f) = %.1f, expected %.1f", tc.offer, tc.catalog, got, tc.expected)
		}
	}
}
