// Package prompts provides the read-only versioned prompt catalog. Every
// generated request records the version ID of the prompt it was built with,
// so results stay attributable after prompt revisions.
package prompts

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"

	"github.com/getcaravan/caravan/schemas"
)

// Prompt is one versioned system prompt.
type Prompt struct {
	Field     schemas.FieldName   `json:"field"`
	Kind      schemas.RequestKind `json:"kind"`
	VersionID string              `json:"version_id"`
	System    string              `json:"system"`
}

type promptKey struct {
	field schemas.FieldName
	kind  schemas.RequestKind
}

// Catalog resolves (field, kind) pairs to prompts. Immutable after
// construction.
type Catalog struct {
	prompts map[promptKey]Prompt
}

// Get returns the prompt for a field and request kind.
func (c *Catalog) Get(field schemas.FieldName, kind schemas.RequestKind) (Prompt, error) {
	prompt, ok := c.prompts[promptKey{field: field, kind: kind}]
	if !ok {
		return Prompt{}, fmt.Errorf("no prompt registered for field %s kind %s", field, kind)
	}
	return prompt, nil
}

// Default returns the built-in prompt catalog covering every field in the
// catalog and both concept phases.
func Default() *Catalog {
	catalog := &Catalog{prompts: make(map[promptKey]Prompt)}
	for _, p := range defaultPrompts {
		catalog.prompts[promptKey{field: p.Field, kind: p.Kind}] = p
	}
	return catalog
}

// LoadFile returns the default catalog with the prompts from a JSON file
// layered on top. The file holds a list of Prompt objects.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}
	var overrides []Prompt
	if err := sonic.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parsing prompts file %s: %w", path, err)
	}
	catalog := Default()
	for _, p := range overrides {
		if !schemas.IsValidField(p.Field) {
			return nil, fmt.Errorf("prompts file %s: unknown field %q", path, p.Field)
		}
		if p.VersionID == "" || p.System == "" {
			return nil, fmt.Errorf("prompts file %s: prompt for %s/%s missing version_id or system", path, p.Field, p.Kind)
		}
		catalog.prompts[promptKey{field: p.Field, kind: p.Kind}] = p
	}
	return catalog, nil
}

const jsonOnly = " Respond with a single JSON object and nothing else."

var defaultPrompts = []Prompt{
	{
		Field:     schemas.FieldIsManufacturer,
		Kind:      schemas.RequestKindChunk,
		VersionID: "is_manufacturer@v1",
		System: "You are given text scraped from a company website. Decide whether the company manufactures physical goods itself, " +
			"as opposed to only distributing, reselling, or providing services." +
			` Respond as {"answer": true|false, "confidence": <0..1>, "reason": "<short justification>"}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldIsContractManufacturer,
		Kind:      schemas.RequestKindChunk,
		VersionID: "is_contract_manufacturer@v1",
		System: "You are given text scraped from a manufacturer's website. Decide whether the company offers contract manufacturing, " +
			"building parts or products to other companies' specifications." +
			` Respond as {"answer": true|false, "confidence": <0..1>, "reason": "<short justification>"}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldIsProductManufacturer,
		Kind:      schemas.RequestKindChunk,
		VersionID: "is_product_manufacturer@v1",
		System: "You are given text scraped from a manufacturer's website. Decide whether the company makes and sells products of its own design." +
			` Respond as {"answer": true|false, "confidence": <0..1>, "reason": "<short justification>"}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldAddresses,
		Kind:      schemas.RequestKindChunk,
		VersionID: "addresses@v1",
		System: "Extract every physical company location mentioned in the text." +
			` Respond as {"addresses": [{"name": "", "street": "", "city": "", "region": "", "postal_code": "", "country": "", "lat": null, "lon": null}]}.` +
			" Use ISO country codes. Leave unknown fields empty and unknown coordinates null. Do not invent locations." + jsonOnly,
	},
	{
		Field:     schemas.FieldBusinessDesc,
		Kind:      schemas.RequestKindChunk,
		VersionID: "business_desc@v1",
		System: "Summarize what this company does in two or three plain sentences and extract its trading name." +
			` Respond as {"name": "<company name>", "description": "<summary>"}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldProducts,
		Kind:      schemas.RequestKindChunk,
		VersionID: "products@v1",
		System: "List the products the company manufactures, as short noun phrases. Only include products actually made by the company." +
			` Respond as {"products": ["<product>", ...]}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldCertificates,
		Kind:      schemas.RequestKindLLMSearch,
		VersionID: "certificates.llm_search@v1",
		System: "List the quality, safety, and compliance certifications this text claims the company holds, exactly as written." +
			` Respond as {"labels": ["<certification>", ...]}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldCertificates,
		Kind:      schemas.RequestKindMapping,
		VersionID: "certificates.mapping@v1",
		System:    mappingSystem("certifications"),
	},
	{
		Field:     schemas.FieldIndustries,
		Kind:      schemas.RequestKindLLMSearch,
		VersionID: "industries.llm_search@v1",
		System: "List the industries and end markets this company serves according to the text." +
			` Respond as {"labels": ["<industry>", ...]}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldIndustries,
		Kind:      schemas.RequestKindMapping,
		VersionID: "industries.mapping@v1",
		System:    mappingSystem("industries"),
	},
	{
		Field:     schemas.FieldProcessCaps,
		Kind:      schemas.RequestKindLLMSearch,
		VersionID: "process_caps.llm_search@v1",
		System: "List the manufacturing processes this company can perform according to the text, such as machining, casting, or coating processes." +
			` Respond as {"labels": ["<process>", ...]}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldProcessCaps,
		Kind:      schemas.RequestKindMapping,
		VersionID: "process_caps.mapping@v1",
		System:    mappingSystem("manufacturing processes"),
	},
	{
		Field:     schemas.FieldMaterialCaps,
		Kind:      schemas.RequestKindLLMSearch,
		VersionID: "material_caps.llm_search@v1",
		System: "List the materials this company can work with according to the text, such as metals, polymers, or composites." +
			` Respond as {"labels": ["<material>", ...]}.` + jsonOnly,
	},
	{
		Field:     schemas.FieldMaterialCaps,
		Kind:      schemas.RequestKindMapping,
		VersionID: "material_caps.mapping@v1",
		System:    mappingSystem("materials"),
	},
}

func mappingSystem(domain string) string {
	return "You map free-form " + domain + " labels onto a fixed vocabulary. " +
		`The user message contains {"unknowns": [...], "knowns": [...]}. For each unknown label pick the known label with the same meaning, or null if none matches.` +
		` Respond as {"mapping": {"<unknown>": "<known or null>", ...}} covering every unknown exactly once.` + jsonOnly
}
