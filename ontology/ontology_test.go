package ontology

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/getcaravan/caravan/schemas"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(map[schemas.FieldName][]Concept{
		schemas.FieldCertificates: {
			{ID: "cert:iso9001", PrefLabel: "ISO 9001", AltLabels: []string{"ISO9001", "ISO 9001:2015"}},
			{ID: "cert:as9100", PrefLabel: "AS9100"},
		},
		schemas.FieldProcessCaps: {
			{ID: "proc:cnc-milling", PrefLabel: "CNC Milling", AltLabels: []string{"cnc milled"}},
			{ID: "proc:anodizing", PrefLabel: "Anodizing"},
		},
	})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	return catalog
}

func TestNewCatalog_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		fields map[schemas.FieldName][]Concept
	}{
		{
			name:   "non-concept field",
			fields: map[schemas.FieldName][]Concept{schemas.FieldProducts: {{ID: "x", PrefLabel: "X"}}},
		},
		{
			name:   "unknown field",
			fields: map[schemas.FieldName][]Concept{"colors": {{ID: "x", PrefLabel: "X"}}},
		},
		{
			name:   "missing id",
			fields: map[schemas.FieldName][]Concept{schemas.FieldCertificates: {{PrefLabel: "ISO 9001"}}},
		},
		{
			name: "duplicate id",
			fields: map[schemas.FieldName][]Concept{schemas.FieldCertificates: {
				{ID: "a", PrefLabel: "One"},
				{ID: "a", PrefLabel: "Two"},
			}},
		},
		{
			name:   "no usable labels",
			fields: map[schemas.FieldName][]Concept{schemas.FieldCertificates: {{ID: "a", PrefLabel: "  "}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.fields); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestCatalog_LookupLabel(t *testing.T) {
	catalog := testCatalog(t)

	concept, ok := catalog.LookupLabel(schemas.FieldCertificates, "iso 9001")
	if !ok || concept.ID != "cert:iso9001" {
		t.Errorf("pref label lookup failed: %v %v", concept, ok)
	}
	concept, ok = catalog.LookupLabel(schemas.FieldCertificates, "  ISO   9001:2015 ")
	if !ok || concept.ID != "cert:iso9001" {
		t.Errorf("alt label lookup with messy spacing failed: %v %v", concept, ok)
	}
	if _, ok := catalog.LookupLabel(schemas.FieldCertificates, "TS 16949"); ok {
		t.Errorf("unknown label resolved")
	}
	if _, ok := catalog.LookupLabel(schemas.FieldProcessCaps, "ISO 9001"); ok {
		t.Errorf("label resolved against the wrong field")
	}
}

func TestCatalog_BruteMatch(t *testing.T) {
	catalog := testCatalog(t)

	text := "We are iso9001 certified and offer CNC milling plus anodizing services."
	got := catalog.BruteMatch(schemas.FieldProcessCaps, text)
	want := []string{"Anodizing", "CNC Milling"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BruteMatch = %v, want %v", got, want)
	}

	certs := catalog.BruteMatch(schemas.FieldCertificates, text)
	if !reflect.DeepEqual(certs, []string{"ISO 9001"}) {
		t.Errorf("BruteMatch certificates = %v, want [ISO 9001]", certs)
	}
}

func TestCatalog_BruteMatchWordBoundaries(t *testing.T) {
	catalog := testCatalog(t)

	// AS9100 inside a longer token must not match.
	if got := catalog.BruteMatch(schemas.FieldCertificates, "PART-AS9100X housings"); len(got) != 0 {
		t.Errorf("matched inside a longer token: %v", got)
	}
	if got := catalog.BruteMatch(schemas.FieldCertificates, "certified to AS9100 rev D"); !reflect.DeepEqual(got, []string{"AS9100"}) {
		t.Errorf("missed standalone occurrence: %v", got)
	}
	if got := catalog.BruteMatch(schemas.FieldCertificates, ""); got != nil {
		t.Errorf("empty text matched: %v", got)
	}
}

func TestCatalog_KnownLabels(t *testing.T) {
	catalog := testCatalog(t)
	want := []string{"AS9100", "ISO 9001"}
	if got := catalog.KnownLabels(schemas.FieldCertificates); !reflect.DeepEqual(got, want) {
		t.Errorf("KnownLabels = %v, want %v", got, want)
	}
	if got := catalog.KnownLabels(schemas.FieldMaterialCaps); len(got) != 0 {
		t.Errorf("labels for unconfigured field: %v", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology.json")
	content := `{
		"industries": [
			{"id": "ind:aero", "pref_label": "Aerospace", "alt_labels": ["aviation"]},
			{"id": "ind:auto", "pref_label": "Automotive"}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	catalog, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if catalog.Size(schemas.FieldIndustries) != 2 {
		t.Errorf("Size = %d, want 2", catalog.Size(schemas.FieldIndustries))
	}
	if got := catalog.BruteMatch(schemas.FieldIndustries, "serving the aviation sector"); !reflect.DeepEqual(got, []string{"Aerospace"}) {
		t.Errorf("BruteMatch after load = %v", got)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("expected error for missing file")
	}
}
