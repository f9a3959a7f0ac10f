package matching

import (
	"fmt"

	"stockengine/database"
)

// Fuzzy component weights. They sum to 1.0, so the weighted score stays in [0,1].
const (
	weightVersion      = 0.45
	weightFuel         = 0.20
	weightTransmission = 0.15
	weightBody         = 0.10
	weightPower        = 0.10
)

// catalogExactConfidence is the fixed confidence of a catalog-exact match.
// Only pattern-exact matches carry 1.0.
const catalogExactConfidence = 0.99

// Unmatched reasons.
const (
	ReasonAmbiguous      = "ambiguous"
	ReasonBelowThreshold = "below-threshold"
	ReasonNoCandidates   = "no-candidates"
)

// Result is the outcome of matching one normalized offer.
type Result struct {
	CatalogID    *string
	Confidence   float64
	Method       string
	Reason       string
	Observations []string
}

// Matcher resolves normalized offers against immutable pattern and catalog
// snapshots. Given identical snapshots, Match is a pure function of the
// offer; it never fails, unmatched offers pass through with a nil catalog id.
type Matcher struct {
	patterns  *database.PatternSnapshot
	catalog   *database.CatalogSnapshot
	threshold float64
	margin    float64
}

// NewMatcher creates a matcher over the given snapshots. threshold is the
// minimum fuzzy score, margin the minimum lead over the runner-up.
func NewMatcher(patterns *database.PatternSnapshot, catalog *database.CatalogSnapshot, threshold, margin float64) *Matcher {
	return &Matcher{
		patterns:  patterns,
		catalog:   catalog,
		threshold: threshold,
		margin:    margin,
	}
}

// Match evaluates the methods in order; the first success wins.
func (m *Matcher) Match(v *database.Vehicle) Result {
	if result, ok := m.matchPatternExact(v); ok {
		return result
	}
	if result, ok := m.matchCatalogExact(v); ok {
		return result
	}
	return m.matchFuzzy(v)
}

// matchPatternExact walks the patterns in their total order
// (priority DESC, id ASC) and returns the first whose declared selectors all
// hold by equality on the normalized fields. A pattern pointing at a catalog
// id absent from the snapshot is skipped with an observation.
func (m *Matcher) matchPatternExact(v *database.Vehicle) (Result, bool) {
	var observations []string
	for i := range m.patterns.Patterns {
		p := &m.patterns.Patterns[i]
		if !patternApplies(p, v) {
			continue
		}
		if !m.catalog.Contains(p.CatalogID) {
			observations = append(observations,
				fmt.Sprintf("pattern-stale:%d=%s", p.ID, p.CatalogID))
			continue
		}
		catalogID := p.CatalogID
		return Result{
			CatalogID:    &catalogID,
			Confidence:   1.0,
			Method:       database.MethodPatternExact,
			Observations: observations,
		}, true
	}
	return Result{Observations: observations}, false
}

// patternApplies reports whether every selector the pattern declares is
// satisfied. Empty selector fields are unconstrained.
func patternApplies(p *database.Pattern, v *database.Vehicle) bool {
	if p.Make != "" && p.Make != v.NormMake {
		return false
	}
	if p.Model != "" && p.Model != v.NormModel {
		return false
	}
	if p.Version != "" && p.Version != v.NormVersion {
		return false
	}
	if p.Fuel != "" && p.Fuel != v.NormFuel {
		return false
	}
	if p.Transmission != "" && p.Transmission != v.NormTransmission {
		return false
	}
	if p.Body != "" && p.Body != v.NormBody {
		return false
	}
	// A pattern with no selectors matches nothing; it would otherwise
	// swallow the whole stock.
	return p.Make != "" || p.Model != "" || p.Version != "" ||
		p.Fuel != "" || p.Transmission != "" || p.Body != ""
}

// matchCatalogExact joins on (make, model, version, fuel, transmission).
// Ambiguity falls through to fuzzy.
func (m *Matcher) matchCatalogExact(v *database.Vehicle) (Result, bool) {
	var hit *database.CatalogVehicle
	for _, c := range m.catalog.ByMakeModel(v.NormMake, v.NormModel) {
		if c.Version == v.NormVersion && c.Fuel == v.NormFuel && c.Transmission == v.NormTransmission {
			if hit != nil {
				return Result{}, false // ambiguous, let fuzzy margin decide
			}
			hit = c
		}
	}
	if hit == nil {
		return Result{}, false
	}
	catalogID := hit.CatalogID
	return Result{
		CatalogID:  &catalogID,
		Confidence: catalogExactConfidence,
		Method:     database.MethodCatalogExact,
	}, true
}

// matchFuzzy scores every candidate agreeing on (make, model) with the
// weighted similarity and accepts the best candidate when it clears the
// threshold with enough margin over the runner-up.
func (m *Matcher) matchFuzzy(v *database.Vehicle) Result {
	candidates := m.catalog.ByMakeModel(v.NormMake, v.NormModel)
	if len(candidates) == 0 {
		return Result{Reason: ReasonNoCandidates}
	}

	var best, runnerUp float64
	var bestCandidate *database.CatalogVehicle
	for _, c := range candidates {
		score := m.fuzzyScore(v, c)
		if score > best {
			runnerUp = best
			best = score
			bestCandidate = c
		} else if score > runnerUp {
			runnerUp = score
		}
	}

	// Both gates are strict: a score sitting exactly on the threshold, or a
	// lead of exactly the margin, stays unmatched.
	if bestCandidate == nil || best <= m.threshold {
		return Result{Reason: ReasonBelowThreshold}
	}
	if best-runnerUp <= m.margin {
		return Result{Reason: ReasonAmbiguous}
	}

	// Full confidence is reserved for pattern-exact; a fuzzy score of 1.0
	// (token reorderings score a perfect Jaccard) is capped just below.
	if best >= 1.0 {
		best = catalogExactConfidence
	}

	catalogID := bestCandidate.CatalogID
	return Result{
		CatalogID:  &catalogID,
		Confidence: best,
		Method:     database.MethodFuzzy,
	}
}

// fuzzyScore is the weighted similarity of one offer/candidate pair, in [0,1].
func (m *Matcher) fuzzyScore(v *database.Vehicle, c *database.CatalogVehicle) float64 {
	score := weightVersion * TokenSetJaccard(v.NormVersion, c.Version)
	score += weightFuel * FuelScore(v.NormFuel, c.Fuel)
	score += weightTransmission * ExactScore(v.NormTransmission, c.Transmission)
	score += weightBody * ExactScore(v.NormBody, c.Body)
	score += weightPower * PowerScore(v.PowerKW, c.PowerKW)
	return score
}
