// Package ontology provides the read-only concept catalog that concept
// field extraction resolves against. A catalog is loaded once at startup
// and shared by reference; it is never mutated afterwards.
package ontology

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/getcaravan/caravan/schemas"
)

// Concept is one catalog entry: a preferred label plus the alternate
// spellings it may appear under in scraped text.
type Concept struct {
	ID        string   `json:"id"`
	PrefLabel string   `json:"pref_label"`
	AltLabels []string `json:"alt_labels,omitempty"`
}

type compiledConcept struct {
	concept Concept
	matcher *regexp.Regexp
}

// Catalog holds the concepts for every concept field, indexed for label
// lookup and literal text matching.
type Catalog struct {
	concepts map[schemas.FieldName][]compiledConcept
	byLabel  map[schemas.FieldName]map[string]*Concept
}

// Normalize canonicalizes a label for comparison: lower case, collapsed
// inner whitespace, trimmed.
func Normalize(label string) string {
	return strings.Join(strings.Fields(strings.ToLower(label)), " ")
}

func compileMatcher(c Concept) (*regexp.Regexp, error) {
	labels := append([]string{c.PrefLabel}, c.AltLabels...)
	quoted := make([]string, 0, len(labels))
	for _, label := range labels {
		if strings.TrimSpace(label) == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(label))
	}
	if len(quoted) == 0 {
		return nil, fmt.Errorf("concept %q has no usable labels", c.ID)
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// NewCatalog builds a catalog from per-field concept lists. Only concept
// fields are legal keys.
func NewCatalog(fields map[schemas.FieldName][]Concept) (*Catalog, error) {
	catalog := &Catalog{
		concepts: make(map[schemas.FieldName][]compiledConcept),
		byLabel:  make(map[schemas.FieldName]map[string]*Concept),
	}
	for field, concepts := range fields {
		kind, ok := schemas.KindOf(field)
		if !ok || kind != schemas.FieldKindConcept {
			return nil, fmt.Errorf("ontology key %q is not a concept field", field)
		}
		seen := make(map[string]struct{}, len(concepts))
		compiled := make([]compiledConcept, 0, len(concepts))
		for i := range concepts {
			c := concepts[i]
			if c.ID == "" {
				return nil, fmt.Errorf("ontology %s: concept %q has no id", field, c.PrefLabel)
			}
			if _, dup := seen[c.ID]; dup {
				return nil, fmt.Errorf("ontology %s: duplicate concept id %q", field, c.ID)
			}
			seen[c.ID] = struct{}{}
			matcher, err := compileMatcher(c)
			if err != nil {
				return nil, fmt.Errorf("ontology %s: %w", field, err)
			}
			compiled = append(compiled, compiledConcept{concept: c, matcher: matcher})
		}

		labels := make(map[string]*Concept)
		for i := range compiled {
			concept := &compiled[i].concept
			labels[Normalize(concept.PrefLabel)] = concept
			for _, alt := range concept.AltLabels {
				if Normalize(alt) != "" {
					labels[Normalize(alt)] = concept
				}
			}
		}
		catalog.concepts[field] = compiled
		catalog.byLabel[field] = labels
	}
	return catalog, nil
}

// LoadFile reads a catalog from a JSON file keyed by concept field name.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ontology file: %w", err)
	}
	var fields map[schemas.FieldName][]Concept
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parsing ontology file %s: %w", path, err)
	}
	return NewCatalog(fields)
}

// Size returns the number of concepts for a field.
func (c *Catalog) Size(field schemas.FieldName) int {
	return len(c.concepts[field])
}

// KnownLabels returns the sorted preferred labels for a field. The mapping
// prompt context embeds these as the closed vocabulary.
func (c *Catalog) KnownLabels(field schemas.FieldName) []string {
	compiled := c.concepts[field]
	labels := make([]string, 0, len(compiled))
	for _, cc := range compiled {
		labels = append(labels, cc.concept.PrefLabel)
	}
	sort.Strings(labels)
	return labels
}

// LookupLabel resolves a label (preferred or alternate, any casing) to its
// concept.
func (c *Catalog) LookupLabel(field schemas.FieldName, label string) (*Concept, bool) {
	concept, ok := c.byLabel[field][Normalize(label)]
	return concept, ok
}

// BruteMatch returns the preferred labels of every concept whose labels
// occur literally in the text, matched case-insensitively on word
// boundaries. Results are sorted and unique.
func (c *Catalog) BruteMatch(field schemas.FieldName, text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	for _, cc := range c.concepts[field] {
		if cc.matcher.MatchString(text) {
			found = append(found, cc.concept.PrefLabel)
		}
	}
	sort.Strings(found)
	return found
}
