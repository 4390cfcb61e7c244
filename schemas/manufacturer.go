package schemas

import (
	"fmt"
	"time"
)

// Manufacturer is one enrichable record, keyed by its registrable domain.
// Each result slot is nil until the orchestrator materializes it; a nil slot
// with no deferred sub-document means the field has never been initiated.
type Manufacturer struct {
	Etld1 string

	// ScrapedTextFileVersionID pins the blob store version of the scraped
	// text this record is enriched against. Empty means no text is available
	// and the record is not processable.
	ScrapedTextFileVersionID string

	// TextTokens is the token estimate of the full scraped text. The packer
	// orders candidates by it and skips records over the processing cap.
	TextTokens int64

	IsManufacturer         *BinaryResult
	IsContractManufacturer *BinaryResult
	IsProductManufacturer  *BinaryResult
	Addresses              *AddressesResult
	BusinessDesc           *BusinessDescResult
	Products               *KeywordResult
	Certificates           *ConceptResult
	Industries             *ConceptResult
	ProcessCaps            *ConceptResult
	MaterialCaps           *ConceptResult

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FieldIsSet reports whether the given field already holds a result.
func (m *Manufacturer) FieldIsSet(field FieldName) bool {
	switch field {
	case FieldIsManufacturer:
		return m.IsManufacturer != nil
	case FieldIsContractManufacturer:
		return m.IsContractManufacturer != nil
	case FieldIsProductManufacturer:
		return m.IsProductManufacturer != nil
	case FieldAddresses:
		return m.Addresses != nil
	case FieldBusinessDesc:
		return m.BusinessDesc != nil
	case FieldProducts:
		return m.Products != nil
	case FieldCertificates:
		return m.Certificates != nil
	case FieldIndustries:
		return m.Industries != nil
	case FieldProcessCaps:
		return m.ProcessCaps != nil
	case FieldMaterialCaps:
		return m.MaterialCaps != nil
	}
	return false
}

// AllFieldsSet reports whether every field in the catalog holds a result.
func (m *Manufacturer) AllFieldsSet() bool {
	for _, field := range FieldOrder {
		if !m.FieldIsSet(field) {
			return false
		}
	}
	return true
}

// BinaryStats records how a binary classification was produced.
type BinaryStats struct {
	PromptVersionID string `json:"prompt_version_id"`
	ChunkKey        string `json:"chunk_key"`
}

// BinaryResult is the materialized outcome of a yes/no classification.
type BinaryResult struct {
	Answer     bool        `json:"answer"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason,omitempty"`
	Stats      BinaryStats `json:"stats"`
}

// BasicStats records how a one-shot extraction was produced.
type BasicStats struct {
	PromptVersionID string `json:"prompt_version_id"`
	ChunkKey        string `json:"chunk_key"`
}

// Address is one extracted facility or office location.
type Address struct {
	Name       string   `json:"name,omitempty"`
	Street     string   `json:"street,omitempty"`
	City       string   `json:"city"`
	Region     string   `json:"region,omitempty"`
	PostalCode string   `json:"postal_code,omitempty"`
	Country    string   `json:"country"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

// Validate enforces the minimum shape for a usable address. City and
// country are required; coordinates are optional but must be in range and
// paired when present.
func (a *Address) Validate() error {
	if a.City == "" {
		return fmt.Errorf("address missing city")
	}
	if a.Country == "" {
		return fmt.Errorf("address missing country")
	}
	if (a.Lat == nil) != (a.Lon == nil) {
		return fmt.Errorf("address has unpaired coordinates")
	}
	if a.Lat != nil {
		if *a.Lat < -90 || *a.Lat > 90 {
			return fmt.Errorf("latitude %v out of range", *a.Lat)
		}
		if *a.Lon < -180 || *a.Lon > 180 {
			return fmt.Errorf("longitude %v out of range", *a.Lon)
		}
	}
	return nil
}

// AddressesResult is the materialized outcome of the addresses field.
// Dropped counts completion entries that failed validation.
type AddressesResult struct {
	Addresses []Address  `json:"addresses"`
	Dropped   int        `json:"dropped,omitempty"`
	Stats     BasicStats `json:"stats"`
}

// BusinessDescResult is the materialized outcome of the business
// description field.
type BusinessDescResult struct {
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description"`
	Stats       BasicStats `json:"stats"`
}

// KeywordStats records per-chunk extraction counts.
type KeywordStats struct {
	PromptVersionID string         `json:"prompt_version_id"`
	ChunkCounts     map[string]int `json:"chunk_counts,omitempty"`
}

// KeywordResult is the materialized outcome of a free-text keyword field:
// the deduplicated union of per-chunk extractions.
type KeywordResult struct {
	Results []string     `json:"results"`
	Stats   KeywordStats `json:"stats"`
}

// ConceptChunkStat records per-chunk concept agreement counts.
type ConceptChunkStat struct {
	LLMLabels int `json:"llm_labels"`
	Agreed    int `json:"agreed"`
}

// ConceptStats records how a concept extraction was produced across both
// phases.
type ConceptStats struct {
	SearchPromptVersionID  string                      `json:"search_prompt_version_id"`
	MappingPromptVersionID string                      `json:"mapping_prompt_version_id,omitempty"`
	ChunkStats             map[string]ConceptChunkStat `json:"chunk_stats,omitempty"`
}

// ConceptResult is the materialized outcome of a concept field. Results
// hold catalog labels; UnmappedLLM keeps the labels the mapping pass could
// not resolve, preserved for later catalog growth.
type ConceptResult struct {
	Results     []string     `json:"results"`
	UnmappedLLM []string     `json:"unmapped_llm,omitempty"`
	Stats       ConceptStats `json:"stats"`
}
