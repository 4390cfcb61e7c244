package mfgstore

import (
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/getcaravan/caravan/schemas"
)

// TableManufacturer is the GORM model for one manufacturer. Each result
// slot is a nullable text column holding the serialized result; null means
// the field has not been materialized.
type TableManufacturer struct {
	Etld1                    string `gorm:"primaryKey;type:varchar(255)" json:"etld1"`
	ScrapedTextFileVersionID string `gorm:"type:varchar(255)" json:"scraped_text_file_version_id"`
	TextTokens               int64  `gorm:"default:0" json:"text_tokens"`

	IsManufacturer         *string `gorm:"type:text" json:"-"`
	IsContractManufacturer *string `gorm:"type:text" json:"-"`
	IsProductManufacturer  *string `gorm:"type:text" json:"-"`
	Addresses              *string `gorm:"type:text" json:"-"`
	BusinessDesc           *string `gorm:"type:text" json:"-"`
	Products               *string `gorm:"type:text" json:"-"`
	Certificates           *string `gorm:"type:text" json:"-"`
	Industries             *string `gorm:"type:text" json:"-"`
	ProcessCaps            *string `gorm:"type:text" json:"-"`
	MaterialCaps           *string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the table name for GORM
func (TableManufacturer) TableName() string {
	return "manufacturers"
}

// resultColumns whitelists the column per field for point updates.
var resultColumns = map[schemas.FieldName]string{
	schemas.FieldIsManufacturer:         "is_manufacturer",
	schemas.FieldIsContractManufacturer: "is_contract_manufacturer",
	schemas.FieldIsProductManufacturer:  "is_product_manufacturer",
	schemas.FieldAddresses:              "addresses",
	schemas.FieldBusinessDesc:           "business_desc",
	schemas.FieldProducts:               "products",
	schemas.FieldCertificates:           "certificates",
	schemas.FieldIndustries:             "industries",
	schemas.FieldProcessCaps:            "process_caps",
	schemas.FieldMaterialCaps:           "material_caps",
}

func marshalResult[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func unmarshalResult[T any](raw *string) (*T, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var v T
	if err := sonic.Unmarshal([]byte(*raw), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func newTableManufacturer(m *schemas.Manufacturer) (*TableManufacturer, error) {
	row := &TableManufacturer{
		Etld1:                    m.Etld1,
		ScrapedTextFileVersionID: m.ScrapedTextFileVersionID,
		TextTokens:               m.TextTokens,
	}
	var err error
	if row.IsManufacturer, err = marshalResult(m.IsManufacturer); err != nil {
		return nil, err
	}
	if row.IsContractManufacturer, err = marshalResult(m.IsContractManufacturer); err != nil {
		return nil, err
	}
	if row.IsProductManufacturer, err = marshalResult(m.IsProductManufacturer); err != nil {
		return nil, err
	}
	if row.Addresses, err = marshalResult(m.Addresses); err != nil {
		return nil, err
	}
	if row.BusinessDesc, err = marshalResult(m.BusinessDesc); err != nil {
		return nil, err
	}
	if row.Products, err = marshalResult(m.Products); err != nil {
		return nil, err
	}
	if row.Certificates, err = marshalResult(m.Certificates); err != nil {
		return nil, err
	}
	if row.Industries, err = marshalResult(m.Industries); err != nil {
		return nil, err
	}
	if row.ProcessCaps, err = marshalResult(m.ProcessCaps); err != nil {
		return nil, err
	}
	if row.MaterialCaps, err = marshalResult(m.MaterialCaps); err != nil {
		return nil, err
	}
	return row, nil
}

func (t *TableManufacturer) toManufacturer() (*schemas.Manufacturer, error) {
	m := &schemas.Manufacturer{
		Etld1:                    t.Etld1,
		ScrapedTextFileVersionID: t.ScrapedTextFileVersionID,
		TextTokens:               t.TextTokens,
		CreatedAt:                t.CreatedAt,
		UpdatedAt:                t.UpdatedAt,
	}
	var err error
	if m.IsManufacturer, err = unmarshalResult[schemas.BinaryResult](t.IsManufacturer); err != nil {
		return nil, err
	}
	if m.IsContractManufacturer, err = unmarshalResult[schemas.BinaryResult](t.IsContractManufacturer); err != nil {
		return nil, err
	}
	if m.IsProductManufacturer, err = unmarshalResult[schemas.BinaryResult](t.IsProductManufacturer); err != nil {
		return nil, err
	}
	if m.Addresses, err = unmarshalResult[schemas.AddressesResult](t.Addresses); err != nil {
		return nil, err
	}
	if m.BusinessDesc, err = unmarshalResult[schemas.BusinessDescResult](t.BusinessDesc); err != nil {
		return nil, err
	}
	if m.Products, err = unmarshalResult[schemas.KeywordResult](t.Products); err != nil {
		return nil, err
	}
	if m.Certificates, err = unmarshalResult[schemas.ConceptResult](t.Certificates); err != nil {
		return nil, err
	}
	if m.Industries, err = unmarshalResult[schemas.ConceptResult](t.Industries); err != nil {
		return nil, err
	}
	if m.ProcessCaps, err = unmarshalResult[schemas.ConceptResult](t.ProcessCaps); err != nil {
		return nil, err
	}
	if m.MaterialCaps, err = unmarshalResult[schemas.ConceptResult](t.MaterialCaps); err != nil {
		return nil, err
	}
	return m, nil
}

// TableDeferredManufacturer is the GORM model for one deferred extraction
// document, keyed by (etld1, text version). Fields is the serialized
// per-field state map.
type TableDeferredManufacturer struct {
	Etld1                    string `gorm:"primaryKey;type:varchar(255)" json:"etld1"`
	ScrapedTextFileVersionID string `gorm:"primaryKey;type:varchar(255)" json:"scraped_text_file_version_id"`
	TextTokens               int64  `gorm:"index:idx_deferred_text_tokens;default:0" json:"text_tokens"`
	Fields                   string `gorm:"type:text;not null" json:"-"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	// Virtual field populated from the serialized column
	FieldsParsed map[schemas.FieldName]*schemas.DeferredField `gorm:"-" json:"fields,omitempty"`
}

// TableName sets the table name for GORM
func (TableDeferredManufacturer) TableName() string {
	return "deferred_manufacturers"
}

// BeforeSave GORM hook to serialize JSON fields
func (t *TableDeferredManufacturer) BeforeSave(tx *gorm.DB) error {
	if t.FieldsParsed != nil {
		data, err := sonic.Marshal(t.FieldsParsed)
		if err != nil {
			return err
		}
		t.Fields = string(data)
	}
	return nil
}

// AfterFind GORM hook to deserialize JSON fields
func (t *TableDeferredManufacturer) AfterFind(tx *gorm.DB) error {
	if t.Fields != "" {
		var fields map[schemas.FieldName]*schemas.DeferredField
		if err := sonic.Unmarshal([]byte(t.Fields), &fields); err != nil {
			return err
		}
		t.FieldsParsed = fields
	}
	return nil
}

func newTableDeferred(d *schemas.DeferredManufacturer) *TableDeferredManufacturer {
	return &TableDeferredManufacturer{
		Etld1:                    d.Etld1,
		ScrapedTextFileVersionID: d.ScrapedTextFileVersionID,
		TextTokens:               d.TextTokens,
		FieldsParsed:             d.Fields,
	}
}

func (t *TableDeferredManufacturer) toDeferred() *schemas.DeferredManufacturer {
	return &schemas.DeferredManufacturer{
		Etld1:                    t.Etld1,
		ScrapedTextFileVersionID: t.ScrapedTextFileVersionID,
		TextTokens:               t.TextTokens,
		Fields:                   t.FieldsParsed,
		CreatedAt:                t.CreatedAt,
		UpdatedAt:                t.UpdatedAt,
	}
}

// TableExtractionError is one recorded parse or validation failure. Rows
// are never retried automatically; an operator clears the deferred state
// after inspecting them.
type TableExtractionError struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Etld1     string    `gorm:"type:varchar(255);index:idx_extraction_errors_etld1;not null" json:"etld1"`
	Field     string    `gorm:"type:varchar(64);not null" json:"field"`
	RequestID string    `gorm:"type:varchar(512)" json:"request_id"`
	Reason    string    `gorm:"type:text" json:"reason"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`
}

// TableName sets the table name for GORM
func (TableExtractionError) TableName() string {
	return "extraction_errors"
}
