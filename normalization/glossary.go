package normalization

import (
	"sort"

	"stockengine/database"
)

// Fields the normalizer rewrites. Glossary entries are scoped to one of these.
const (
	FieldMake         = "make"
	FieldModel        = "model"
	FieldVersion      = "version"
	FieldFuel         = "fuel"
	FieldTransmission = "transmission"
	FieldBody         = "body"
)

// glossaryRule is one rewrite rule with its tie-break attributes.
type glossaryRule struct {
	id        int64
	priority  int
	source    string
	canonical string
}

// fieldGlossary holds the rules of one field: an exact-lookup map plus the
// same rules ordered for longest-prefix matching.
type fieldGlossary struct {
	exact map[string]glossaryRule
	// byLength is sorted by (len(source) DESC, priority DESC, id ASC):
	// the longer source token wins, equal lengths fall back to priority/id.
	byLength []glossaryRule
}

// Glossary is an immutable, field-scoped index over a glossary snapshot.
type Glossary struct {
	SnapshotID string
	fields     map[string]*fieldGlossary
}

// BuildGlossary indexes a glossary snapshot for the normalizer. Every
// canonical token gains an implicit identity rule so that normalization is
// idempotent: normalizing an already-canonical token yields itself.
func BuildGlossary(snap *database.GlossarySnapshot) *Glossary {
	g := &Glossary{
		SnapshotID: snap.ID,
		fields:     make(map[string]*fieldGlossary),
	}

	for _, e := range snap.Entries {
		fg := g.fields[e.Field]
		if fg == nil {
			fg = &fieldGlossary{exact: make(map[string]glossaryRule)}
			g.fields[e.Field] = fg
		}
		rule := glossaryRule{id: e.ID, priority: e.Priority, source: CleanToken(e.Source), canonical: CleanToken(e.Canonical)}
		if rule.source == "" {
			continue
		}
		if existing, ok := fg.exact[rule.source]; ok {
			// UNIQUE(field, source) makes this unreachable through the store,
			// but snapshots built in tests may collide: priority DESC, id ASC wins.
			if existing.priority > rule.priority ||
				(existing.priority == rule.priority && existing.id < rule.id) {
				continue
			}
		}
		fg.exact[rule.source] = rule
	}

	// Identity rules for canonical tokens not present as sources.
	for _, fg := range g.fields {
		for _, rule := range fg.exact {
			if _, ok := fg.exact[rule.canonical]; !ok {
				fg.exact[rule.canonical] = glossaryRule{
					id:        0,
					priority:  0,
					source:    rule.canonical,
					canonical: rule.canonical,
				}
			}
		}
	}

	for _, fg := range g.fields {
		fg.byLength = make([]glossaryRule, 0, len(fg.exact))
		for _, rule := range fg.exact {
			fg.byLength = append(fg.byLength, rule)
		}
		sort.Slice(fg.byLength, func(i, j int) bool {
			a, b := fg.byLength[i], fg.byLength[j]
			if len(a.source) != len(b.source) {
				return len(a.source) > len(b.source)
			}
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			return a.id < b.id
		})
	}

	return g
}

// lookup returns the canonical rewrite of a cleaned token, if the field has one.
func (g *Glossary) lookup(field, token string) (string, bool) {
	fg := g.fields[field]
	if fg == nil {
		return "", false
	}
	rule, ok := fg.exact[token]
	if !ok {
		return "", false
	}
	return rule.canonical, true
}

// prefixRules returns the field's rules in longest-prefix order.
func (g *Glossary) prefixRules(field string) []glossaryRule {
	fg := g.fields[field]
	if fg == nil {
		return nil
	}
	return fg.byLength
}

// sourceTokens returns the observed source spellings of a field, used by the
// glossary-miss suggester.
func (g *Glossary) sourceTokens(field string) []string {
	fg := g.fields[field]
	if fg == nil {
		return nil
	}
	tokens := make([]string, 0, len(fg.exact))
	for source := range fg.exact {
		tokens = append(tokens, source)
	}
	sort.Strings(tokens)
	return tokens
}
