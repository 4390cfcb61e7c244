package batchstore

import (
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/getcaravan/caravan/schemas"
)

// TableBatch is the GORM model for one provider batch.
//
// Provider-side timestamps are kept as unix seconds the way the wire
// carries them; CreatedAt/UpdatedAt are row bookkeeping. A batch holds
// its TotalTokens against the key until ProcessingCompletedAt is set.
type TableBatch struct {
	ExternalBatchID string  `gorm:"primaryKey;type:varchar(255)" json:"external_batch_id"`
	APIKeyLabel     string  `gorm:"type:varchar(255);index:idx_batches_api_key_label;not null" json:"api_key_label"`
	InputFileID     string  `gorm:"type:varchar(255)" json:"input_file_id"`
	OutputFileID    *string `gorm:"type:varchar(255)" json:"output_file_id"`
	ErrorFileID     *string `gorm:"type:varchar(255)" json:"error_file_id"`
	Status          string  `gorm:"type:varchar(50);index;not null" json:"status"`
	TotalTokens     int64   `gorm:"default:0" json:"total_tokens"`
	Source          string  `gorm:"type:varchar(255)" json:"source"`
	RequestCounts   string  `gorm:"type:text" json:"-"`

	ProviderCreatedAt int64  `gorm:"column:provider_created_at" json:"provider_created_at"`
	ExpiresAt         *int64 `json:"expires_at"`
	InProgressAt      *int64 `json:"in_progress_at"`
	FinalizingAt      *int64 `json:"finalizing_at"`
	CompletedAt       *int64 `json:"completed_at"`
	FailedAt          *int64 `json:"failed_at"`
	ExpiredAt         *int64 `json:"expired_at"`
	CancelledAt       *int64 `json:"cancelled_at"`

	ProcessingCompletedAt *time.Time `gorm:"index" json:"processing_completed_at"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	// Virtual field populated from the serialized column
	RequestCountsParsed *schemas.BatchRequestCounts `gorm:"-" json:"request_counts,omitempty"`
}

// TableName sets the table name for GORM
func (TableBatch) TableName() string {
	return "batches"
}

// BeforeSave GORM hook to serialize JSON fields
func (b *TableBatch) BeforeSave(tx *gorm.DB) error {
	if b.RequestCountsParsed != nil {
		data, err := sonic.Marshal(b.RequestCountsParsed)
		if err != nil {
			return err
		}
		b.RequestCounts = string(data)
	}
	return nil
}

// AfterFind GORM hook to deserialize JSON fields
func (b *TableBatch) AfterFind(tx *gorm.DB) error {
	if b.RequestCounts != "" {
		var counts schemas.BatchRequestCounts
		if err := sonic.Unmarshal([]byte(b.RequestCounts), &counts); err != nil {
			return err
		}
		b.RequestCountsParsed = &counts
	}
	return nil
}

// NewTableBatch builds a row from the provider-side batch object.
func NewTableBatch(batch *schemas.Batch, keyLabel string) *TableBatch {
	counts := batch.RequestCounts
	return &TableBatch{
		ExternalBatchID:     batch.ID,
		APIKeyLabel:         keyLabel,
		InputFileID:         batch.InputFileID,
		OutputFileID:        batch.OutputFileID,
		ErrorFileID:         batch.ErrorFileID,
		Status:              string(batch.Status),
		TotalTokens:         batch.TotalTokens(),
		Source:              batch.Metadata[schemas.MetadataSource],
		ProviderCreatedAt:   batch.CreatedAt,
		ExpiresAt:           batch.ExpiresAt,
		InProgressAt:        batch.InProgressAt,
		FinalizingAt:        batch.FinalizingAt,
		CompletedAt:         batch.CompletedAt,
		FailedAt:            batch.FailedAt,
		ExpiredAt:           batch.ExpiredAt,
		CancelledAt:         batch.CancelledAt,
		RequestCountsParsed: &counts,
	}
}

// BatchStatus returns the status as its typed form.
func (b *TableBatch) BatchStatus() schemas.BatchStatus {
	return schemas.BatchStatus(b.Status)
}

// IsProcessed reports whether the station finished reconciling the batch.
func (b *TableBatch) IsProcessed() bool {
	return b.ProcessingCompletedAt != nil
}
