package schemas

// FieldName identifies one enrichable field of a manufacturer record.
type FieldName string

const (
	FieldIsManufacturer         FieldName = "is_manufacturer"
	FieldIsContractManufacturer FieldName = "is_contract_manufacturer"
	FieldIsProductManufacturer  FieldName = "is_product_manufacturer"
	FieldAddresses              FieldName = "addresses"
	FieldBusinessDesc           FieldName = "business_desc"
	FieldProducts               FieldName = "products"
	FieldCertificates           FieldName = "certificates"
	FieldIndustries             FieldName = "industries"
	FieldProcessCaps            FieldName = "process_caps"
	FieldMaterialCaps           FieldName = "material_caps"
)

// FieldKind classifies how a field is extracted and materialized.
type FieldKind string

const (
	// FieldKindBinary is a yes/no classification answered from a single chunk.
	FieldKindBinary FieldKind = "binary"
	// FieldKindBasic is a one-shot extraction against the first chunk.
	FieldKindBasic FieldKind = "basic"
	// FieldKindKeyword is a free-text extraction over every chunk.
	FieldKindKeyword FieldKind = "keyword"
	// FieldKindConcept is a two-phase extraction (per-chunk search, then one
	// mapping pass) whose results resolve against a concept catalog.
	FieldKindConcept FieldKind = "concept"
)

// RequestKind tags what a batch request addresses within a field's workflow.
type RequestKind string

const (
	// RequestKindChunk is a plain per-chunk request (binary, basic, keyword).
	RequestKindChunk RequestKind = "chunk"
	// RequestKindLLMSearch is the phase-one concept search over a chunk.
	RequestKindLLMSearch RequestKind = "llm_search"
	// RequestKindMapping is the phase-two concept mapping over unknown labels.
	RequestKindMapping RequestKind = "mapping"
)

// FieldOrder is the fixed processing order the orchestrator walks. The
// gate field is first so a negative classification can short-circuit the
// remaining nine.
var FieldOrder = []FieldName{
	FieldIsManufacturer,
	FieldIsContractManufacturer,
	FieldIsProductManufacturer,
	FieldAddresses,
	FieldBusinessDesc,
	FieldProducts,
	FieldCertificates,
	FieldIndustries,
	FieldProcessCaps,
	FieldMaterialCaps,
}

var fieldKinds = map[FieldName]FieldKind{
	FieldIsManufacturer:         FieldKindBinary,
	FieldIsContractManufacturer: FieldKindBinary,
	FieldIsProductManufacturer:  FieldKindBinary,
	FieldAddresses:              FieldKindBasic,
	FieldBusinessDesc:           FieldKindBasic,
	FieldProducts:               FieldKindKeyword,
	FieldCertificates:           FieldKindConcept,
	FieldIndustries:             FieldKindConcept,
	FieldProcessCaps:            FieldKindConcept,
	FieldMaterialCaps:           FieldKindConcept,
}

// KindOf returns the extraction kind for a field, and false for names
// outside the catalog.
func KindOf(field FieldName) (FieldKind, bool) {
	kind, ok := fieldKinds[field]
	return kind, ok
}

// IsValidField reports whether the name belongs to the field catalog.
func IsValidField(field FieldName) bool {
	_, ok := fieldKinds[field]
	return ok
}

// ConceptFields lists the fields resolved against the concept catalog, in
// processing order.
func ConceptFields() []FieldName {
	return []FieldName{FieldCertificates, FieldIndustries, FieldProcessCaps, FieldMaterialCaps}
}

// ChunkStrategy describes how a field's source text is chunked before
// requests are generated.
type ChunkStrategy struct {
	SoftLimitTokens int
	OverlapRatio    float64
	// MaxChunks caps how many chunks are consulted; 0 means every chunk.
	MaxChunks int
}

var chunkStrategies = map[FieldKind]ChunkStrategy{
	FieldKindBinary:  {SoftLimitTokens: 6000, OverlapRatio: 0, MaxChunks: 1},
	FieldKindBasic:   {SoftLimitTokens: 6000, OverlapRatio: 0, MaxChunks: 1},
	FieldKindKeyword: {SoftLimitTokens: 4000, OverlapRatio: 0.10, MaxChunks: 0},
	FieldKindConcept: {SoftLimitTokens: 4000, OverlapRatio: 0.10, MaxChunks: 0},
}

// StrategyFor returns the chunking strategy for a field's kind.
func StrategyFor(field FieldName) ChunkStrategy {
	kind, ok := fieldKinds[field]
	if !ok {
		return chunkStrategies[FieldKindKeyword]
	}
	return chunkStrategies[kind]
}
