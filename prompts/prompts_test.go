package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/getcaravan/caravan/schemas"
)

func TestDefault_CoversEveryField(t *testing.T) {
	catalog := Default()
	for _, field := range schemas.FieldOrder {
		kind, _ := schemas.KindOf(field)
		if kind == schemas.FieldKindConcept {
			for _, rk := range []schemas.RequestKind{schemas.RequestKindLLMSearch, schemas.RequestKindMapping} {
				prompt, err := catalog.Get(field, rk)
				if err != nil {
					t.Errorf("missing prompt for %s/%s: %v", field, rk, err)
					continue
				}
				if prompt.VersionID == "" || prompt.System == "" {
					t.Errorf("prompt for %s/%s is incomplete", field, rk)
				}
			}
			continue
		}
		prompt, err := catalog.Get(field, schemas.RequestKindChunk)
		if err != nil {
			t.Errorf("missing prompt for %s: %v", field, err)
			continue
		}
		if prompt.VersionID == "" || prompt.System == "" {
			t.Errorf("prompt for %s is incomplete", field)
		}
	}
}

func TestGet_UnknownPairFails(t *testing.T) {
	catalog := Default()
	if _, err := catalog.Get(schemas.FieldProducts, schemas.RequestKindMapping); err == nil {
		t.Errorf("mapping prompt for a keyword field should not exist")
	}
	if _, err := catalog.Get("logo_url", schemas.RequestKindChunk); err == nil {
		t.Errorf("prompt for unknown field should not exist")
	}
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.json")
	content := `[
		{"field": "products", "kind": "chunk", "version_id": "products@v2", "system": "List only machined products."}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	catalog, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	prompt, err := catalog.Get(schemas.FieldProducts, schemas.RequestKindChunk)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if prompt.VersionID != "products@v2" {
		t.Errorf("override not applied, got version %q", prompt.VersionID)
	}

	// Untouched prompts stay at their defaults.
	original, err := catalog.Get(schemas.FieldIsManufacturer, schemas.RequestKindChunk)
	if err != nil || original.VersionID != "is_manufacturer@v1" {
		t.Errorf("default prompt lost after override: %v %v", original.VersionID, err)
	}
}

func TestLoadFile_RejectsBadOverrides(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown field", content: `[{"field": "colors", "kind": "chunk", "version_id": "x@v1", "system": "x"}]`},
		{name: "missing version", content: `[{"field": "products", "kind": "chunk", "system": "x"}]`},
		{name: "missing system", content: `[{"field": "products", "kind": "chunk", "version_id": "x@v1"}]`},
		{name: "not json", content: `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "prompts.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("writing fixture: %v", err)
			}
			if _, err := LoadFile(path); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}
