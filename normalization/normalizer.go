package normalization

import (
	"fmt"
	"strings"
	"unicode"

	"stockengine/database"
)

// maxRewriteDepth bounds the prefix-rewrite recursion. Glossaries are small;
// anything deeper than this is a cyclic rule set, not real data.
const maxRewriteDepth = 16

// Normalizer rewrites free-text descriptive fields into canonical tokens
// using a glossary snapshot. It is a pure function of (raw fields, glossary):
// the same input against the same snapshot always yields the same output.
type Normalizer struct {
	glossary *Glossary
}

// NewNormalizer creates a normalizer over an immutable glossary.
func NewNormalizer(glossary *Glossary) *Normalizer {
	return &Normalizer{glossary: glossary}
}

// CleanToken lowercases, strips punctuation except hyphen and collapses
// whitespace. Cleaning is idempotent.
func CleanToken(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// punctuation other than hyphen: dropped
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeToken normalizes one raw value within a field's glossary scope.
// It returns the canonical token and any glossary-miss observations,
// including misses on remainders left over by a prefix rewrite.
func (n *Normalizer) NormalizeToken(field, raw string) (string, []string) {
	cleaned := CleanToken(raw)
	if cleaned == "" {
		return "", nil
	}

	result, rewritten, misses := n.resolve(field, cleaned, 0)
	if !rewritten {
		// Fell through to identity: an observation, not a failure.
		misses = []string{cleaned}
	}

	var observations []string
	for _, miss := range misses {
		observations = append(observations, fmt.Sprintf("glossary-miss:%s=%s", field, miss))
		if suggestion := n.Suggest(field, miss); suggestion != "" {
			observations = append(observations, fmt.Sprintf("glossary-suggestion:%s=%s", field, suggestion))
		}
	}
	return result, observations
}

// resolve applies the glossary to a cleaned token: exact lookup first, then
// longest-prefix rewrite with recursion on the remainder. The third return
// value lists remainder tokens that fell through to identity.
func (n *Normalizer) resolve(field, token string, depth int) (string, bool, []string) {
	if token == "" || depth > maxRewriteDepth {
		return token, false, nil
	}

	if canonical, ok := n.glossary.lookup(field, token); ok {
		return canonical, true, nil
	}

	for _, rule := range n.glossary.prefixRules(field) {
		if !strings.HasPrefix(token, rule.source) {
			continue
		}
		remainder := strings.TrimSpace(token[len(rule.source):])
		if remainder == "" {
			return rule.canonical, true, nil
		}
		resolved, rewritten, misses := n.resolve(field, remainder, depth+1)
		if !rewritten {
			misses = append(misses, remainder)
		}
		return strings.TrimSpace(rule.canonical + " " + resolved), true, misses
	}

	return token, false, nil
}

// NormalizeVehicle populates the normalized counterparts of the raw
// descriptive fields. It returns the glossary observations collected across
// all fields; the caller appends them to the vehicle.
func (n *Normalizer) NormalizeVehicle(v *database.Vehicle) []string {
	var observations []string

	normalize := func(field, raw string, target *string) {
		token, obs := n.NormalizeToken(field, raw)
		*target = token
		observations = append(observations, obs...)
	}

	normalize(FieldMake, v.RawMake, &v.NormMake)
	normalize(FieldModel, v.RawModel, &v.NormModel)
	normalize(FieldVersion, v.RawVersion, &v.NormVersion)
	normalize(FieldFuel, v.RawFuel, &v.NormFuel)
	normalize(FieldTransmission, v.RawTransmission, &v.NormTransmission)
	normalize(FieldBody, v.RawBody, &v.NormBody)

	return observations
}
