package batchstore

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/getcaravan/caravan/schemas"
)

// RDBStore represents a batch store that uses a relational database.
type RDBStore struct {
	db     *gorm.DB
	logger schemas.Logger
}

// Upsert inserts the row or refreshes the provider-owned columns of an
// existing one. The key label and input file never change after insert,
// and processing_completed_at belongs to MarkProcessed.
func (s *RDBStore) Upsert(ctx context.Context, batch *TableBatch) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_batch_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "output_file_id", "error_file_id", "request_counts",
			"total_tokens", "source",
			"expires_at", "in_progress_at", "finalizing_at", "completed_at",
			"failed_at", "expired_at", "cancelled_at", "updated_at",
		}),
	}).Create(batch).Error
}

// MarkProcessed stamps the batch as reconciled. A batch already stamped
// keeps its original timestamp.
func (s *RDBStore) MarkProcessed(ctx context.Context, batchID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&TableBatch{}).
		Where("external_batch_id = ?", batchID).
		Where("processing_completed_at IS NULL").
		Update("processing_completed_at", at).Error
}

// FindByID returns the batch row or ErrNotFound.
func (s *RDBStore) FindByID(ctx context.Context, batchID string) (*TableBatch, error) {
	var batch TableBatch
	if err := s.db.WithContext(ctx).Where("external_batch_id = ?", batchID).First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// ListUnprocessedByKey returns the batches still holding tokens against a
// key, oldest provider creation first.
func (s *RDBStore) ListUnprocessedByKey(ctx context.Context, keyLabel string) ([]*TableBatch, error) {
	var batches []*TableBatch
	err := s.db.WithContext(ctx).
		Where("api_key_label = ? AND processing_completed_at IS NULL", keyLabel).
		Order("provider_created_at").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// ListByStatus returns every batch currently in one of the given statuses.
func (s *RDBStore) ListByStatus(ctx context.Context, statuses ...schemas.BatchStatus) ([]*TableBatch, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := lo.Map(statuses, func(status schemas.BatchStatus, _ int) string {
		return string(status)
	})
	var batches []*TableBatch
	err := s.db.WithContext(ctx).
		Where("status IN ?", values).
		Order("provider_created_at").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// Close closes the store.
func (s *RDBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
