package schemas

import (
	"fmt"
	"sort"
	"time"
)

// DeferredManufacturer tracks the in-flight enrichment state of one
// manufacturer against one version of its scraped text. The document exists
// only while at least one field is unresolved; finalization deletes it.
type DeferredManufacturer struct {
	Etld1 string

	// ScrapedTextFileVersionID pins the text version every request of this
	// document was generated from. A manufacturer whose text moves to a new
	// version gets a fresh document; stale ones are never mixed.
	ScrapedTextFileVersionID string

	// TextTokens mirrors the manufacturer's text size for packer ordering.
	TextTokens int64

	// Fields holds one sub-document per field that has been initiated but
	// not yet materialized.
	Fields map[FieldName]*DeferredField

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Field returns the sub-document for a field, or nil when the field has not
// been initiated.
func (d *DeferredManufacturer) Field(name FieldName) *DeferredField {
	if d.Fields == nil {
		return nil
	}
	return d.Fields[name]
}

// SetField installs or replaces a field's sub-document.
func (d *DeferredManufacturer) SetField(name FieldName, field *DeferredField) {
	if d.Fields == nil {
		d.Fields = make(map[FieldName]*DeferredField)
	}
	d.Fields[name] = field
}

// ClearField removes a field's sub-document after materialization.
func (d *DeferredManufacturer) ClearField(name FieldName) {
	delete(d.Fields, name)
}

// Empty reports whether no field is deferred anymore.
func (d *DeferredManufacturer) Empty() bool {
	return len(d.Fields) == 0
}

// RequestIDs returns every custom ID referenced by any sub-document,
// sorted. The packer harvests these to find the document's pending rows.
func (d *DeferredManufacturer) RequestIDs() []string {
	var ids []string
	for _, field := range d.Fields {
		ids = append(ids, field.RequestIDs()...)
	}
	sort.Strings(ids)
	return ids
}

// DeferredField is the per-field in-flight state. It is a tagged union:
// Kind selects which single variant pointer is populated.
type DeferredField struct {
	Kind    FieldKind     `json:"kind"`
	Binary  *BinaryState  `json:"binary,omitempty"`
	Basic   *BasicState   `json:"basic,omitempty"`
	Keyword *KeywordState `json:"keyword,omitempty"`
	Concept *ConceptState `json:"concept,omitempty"`
}

// BinaryState defers a yes/no classification. One chunk request is issued;
// FinalChunkKey records which chunk was consulted.
type BinaryState struct {
	PromptVersionID string            `json:"prompt_version_id"`
	FinalChunkKey   string            `json:"final_chunk_key"`
	ChunkRequests   map[string]string `json:"chunk_request_id_map"`
}

// BasicState defers a one-shot extraction against the first chunk.
type BasicState struct {
	PromptVersionID string `json:"prompt_version_id"`
	RequestID       string `json:"gpt_request_id"`
}

// KeywordState defers a per-chunk free-text extraction.
type KeywordState struct {
	ExtractPromptVersionID string            `json:"extract_prompt_version_id"`
	ChunkRequests          map[string]string `json:"chunk_request_id_map"`
}

// ConceptChunk is the phase-one bundle for one chunk: the search request
// plus the catalog labels found literally in the chunk text at initiation.
type ConceptChunk struct {
	SearchRequestID string   `json:"llm_search_request_id"`
	Brute           []string `json:"brute,omitempty"`
}

// ConceptState defers a two-phase concept extraction. Phase one searches
// every chunk; phase two maps the leftover unknown labels against the
// catalog with a single request, recorded in MappingRequestID once issued.
type ConceptState struct {
	SearchPromptVersionID  string                  `json:"search_prompt_version_id"`
	MappingPromptVersionID string                  `json:"mapping_prompt_version_id,omitempty"`
	Chunks                 map[string]ConceptChunk `json:"chunks"`
	MappingRequestID       string                  `json:"llm_mapping_request_id,omitempty"`
}

// Validate checks the union invariant: exactly one variant set, matching
// the declared kind.
func (f *DeferredField) Validate() error {
	set := 0
	if f.Binary != nil {
		set++
	}
	if f.Basic != nil {
		set++
	}
	if f.Keyword != nil {
		set++
	}
	if f.Concept != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("deferred field has %d variants set, want exactly 1", set)
	}
	ok := false
	switch f.Kind {
	case FieldKindBinary:
		ok = f.Binary != nil
	case FieldKindBasic:
		ok = f.Basic != nil
	case FieldKindKeyword:
		ok = f.Keyword != nil
	case FieldKindConcept:
		ok = f.Concept != nil
	default:
		return fmt.Errorf("deferred field has unknown kind %q", f.Kind)
	}
	if !ok {
		return fmt.Errorf("deferred field kind %q does not match its populated variant", f.Kind)
	}
	return nil
}

// RequestIDs returns every custom ID this sub-document references, sorted.
func (f *DeferredField) RequestIDs() []string {
	var ids []string
	switch {
	case f.Binary != nil:
		for _, id := range f.Binary.ChunkRequests {
			ids = append(ids, id)
		}
	case f.Basic != nil:
		if f.Basic.RequestID != "" {
			ids = append(ids, f.Basic.RequestID)
		}
	case f.Keyword != nil:
		for _, id := range f.Keyword.ChunkRequests {
			ids = append(ids, id)
		}
	case f.Concept != nil:
		for _, chunk := range f.Concept.Chunks {
			if chunk.SearchRequestID != "" {
				ids = append(ids, chunk.SearchRequestID)
			}
		}
		if f.Concept.MappingRequestID != "" {
			ids = append(ids, f.Concept.MappingRequestID)
		}
	}
	sort.Strings(ids)
	return ids
}
