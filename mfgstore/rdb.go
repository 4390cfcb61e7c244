package mfgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/getcaravan/caravan/schemas"
)

// RDBStore represents a manufacturer store that uses a relational database.
type RDBStore struct {
	db     *gorm.DB
	logger schemas.Logger
}

// GetManufacturer returns the manufacturer or ErrNotFound.
func (s *RDBStore) GetManufacturer(ctx context.Context, etld1 string) (*schemas.Manufacturer, error) {
	var row TableManufacturer
	if err := s.db.WithContext(ctx).Where("etld1 = ?", etld1).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toManufacturer()
}

// PutManufacturer replaces the whole row, results included.
func (s *RDBStore) PutManufacturer(ctx context.Context, m *schemas.Manufacturer) error {
	row, err := newTableManufacturer(m)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "etld1"}},
		UpdateAll: true,
	}).Create(row).Error
}

// UpsertManufacturer seeds a manufacturer or refreshes its text pointer.
// Result columns are left untouched so a re-seed cannot wipe finished work.
func (s *RDBStore) UpsertManufacturer(ctx context.Context, m *schemas.Manufacturer) error {
	row, err := newTableManufacturer(m)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "etld1"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"scraped_text_file_version_id", "text_tokens", "updated_at",
		}),
	}).Create(row).Error
}

// SetResultField writes one materialized result under the field-is-null
// guard. Results are immutable once written.
func (s *RDBStore) SetResultField(ctx context.Context, etld1 string, field schemas.FieldName, payload []byte) error {
	column, ok := resultColumns[field]
	if !ok {
		return fmt.Errorf("unknown field %q", field)
	}
	tx := s.db.WithContext(ctx).Model(&TableManufacturer{}).
		Where("etld1 = ?", etld1).
		Where(column + " IS NULL").
		Update(column, string(payload))
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&TableManufacturer{}).
			Where("etld1 = ?", etld1).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrFieldAlreadySet
	}
	return nil
}

// GetDeferred returns the deferred document for one text version, or
// ErrNotFound.
func (s *RDBStore) GetDeferred(ctx context.Context, etld1, versionID string) (*schemas.DeferredManufacturer, error) {
	var row TableDeferredManufacturer
	err := s.db.WithContext(ctx).
		Where("etld1 = ? AND scraped_text_file_version_id = ?", etld1, versionID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toDeferred(), nil
}

// SaveDeferred replaces the document for its (etld1, version) key.
func (s *RDBStore) SaveDeferred(ctx context.Context, d *schemas.DeferredManufacturer) error {
	if d.Etld1 == "" || d.ScrapedTextFileVersionID == "" {
		return fmt.Errorf("deferred document needs etld1 and text version")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "etld1"}, {Name: "scraped_text_file_version_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"text_tokens", "fields", "updated_at",
		}),
	}).Create(newTableDeferred(d)).Error
}

// DeleteDeferred removes the document. Deleting a missing document is not
// an error.
func (s *RDBStore) DeleteDeferred(ctx context.Context, etld1, versionID string) error {
	return s.db.WithContext(ctx).
		Where("etld1 = ? AND scraped_text_file_version_id = ?", etld1, versionID).
		Delete(&TableDeferredManufacturer{}).Error
}

// ListDeferredByTextSize pages deferred documents smallest text first.
// Documents over the cap never surface, matching the packer's processing
// ceiling.
func (s *RDBStore) ListDeferredByTextSize(ctx context.Context, maxTextTokens int64, limit, offset int) ([]*schemas.DeferredManufacturer, error) {
	var rows []*TableDeferredManufacturer
	query := s.db.WithContext(ctx).
		Where("text_tokens <= ?", maxTextTokens).
		Order("text_tokens, etld1")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	docs := make([]*schemas.DeferredManufacturer, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.toDeferred())
	}
	return docs, nil
}

// RecordExtractionError appends one row to the extraction-error log.
func (s *RDBStore) RecordExtractionError(ctx context.Context, e *TableExtractionError) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// ListExtractionErrors returns the newest recorded errors for one
// manufacturer.
func (s *RDBStore) ListExtractionErrors(ctx context.Context, etld1 string, limit int) ([]*TableExtractionError, error) {
	var rows []*TableExtractionError
	query := s.db.WithContext(ctx).
		Where("etld1 = ?", etld1).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Close closes the store.
func (s *RDBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
