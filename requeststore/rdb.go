package requeststore

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/getcaravan/caravan/schemas"
)

const (
	// findChunkSize bounds the number of placeholders per IN query.
	findChunkSize = 500
	// deleteBatchSize bounds how many rows one delete statement removes.
	deleteBatchSize = 1000
)

// RDBStore represents a request store that uses a relational database.
type RDBStore struct {
	db     *gorm.DB
	logger schemas.Logger
}

// BulkUpsertBodies inserts rows for new custom ids and refreshes the body
// and input_tokens columns for existing ones. batch_id and response are
// never touched, so re-initiating a manufacturer cannot detach rows that
// are already in flight.
func (s *RDBStore) BulkUpsertBodies(ctx context.Context, reqs []*schemas.BatchRequest) (BulkResult, error) {
	var result BulkResult
	if len(reqs) == 0 {
		return result, nil
	}
	rows := make([]*TableBatchRequest, 0, len(reqs))
	for _, req := range reqs {
		if req == nil {
			continue
		}
		rows = append(rows, fromRequest(req))
	}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "custom_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "input_tokens", "updated_at"}),
	}).CreateInBatches(rows, findChunkSize)
	if tx.Error != nil {
		return result, tx.Error
	}
	result.Upserted = tx.RowsAffected
	return result, nil
}

// FindByCustomIDs returns the stored requests for the given ids, keyed by
// custom id. Ids with no row are simply absent from the map.
func (s *RDBStore) FindByCustomIDs(ctx context.Context, ids []string) (map[string]*schemas.BatchRequest, error) {
	found := make(map[string]*schemas.BatchRequest, len(ids))
	for _, chunk := range lo.Chunk(ids, findChunkSize) {
		var rows []*TableBatchRequest
		if err := s.db.WithContext(ctx).Where("custom_id IN ?", chunk).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			found[row.CustomID] = row.toRequest()
		}
	}
	return found, nil
}

// FindIDsOnly reports which of the given custom ids have a row, without
// deserializing bodies.
func (s *RDBStore) FindIDsOnly(ctx context.Context, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(ids))
	for _, chunk := range lo.Chunk(ids, findChunkSize) {
		var present []string
		if err := s.db.WithContext(ctx).Model(&TableBatchRequest{}).
			Where("custom_id IN ?", chunk).
			Pluck("custom_id", &present).Error; err != nil {
			return nil, err
		}
		for _, id := range present {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

// FindCustomIDsByBatch returns the custom ids paired with a batch, the
// expected set when reconciling its output files.
func (s *RDBStore) FindCustomIDsByBatch(ctx context.Context, batchID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&TableBatchRequest{}).
		Where("batch_id = ?", batchID).
		Order("custom_id").
		Pluck("custom_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// PairWithBatch stamps the batch id onto pending rows. Rows already paired
// with a different batch are left alone; re-pairing with the same batch is
// a no-op that still counts, which keeps the station's persist retry
// idempotent.
func (s *RDBStore) PairWithBatch(ctx context.Context, ids []string, batchID string) (int64, error) {
	if batchID == "" {
		return 0, fmt.Errorf("batch id is required")
	}
	var paired int64
	for _, chunk := range lo.Chunk(ids, findChunkSize) {
		tx := s.db.WithContext(ctx).Model(&TableBatchRequest{}).
			Where("custom_id IN ?", chunk).
			Where("batch_id IS NULL OR batch_id = ?", batchID).
			Update("batch_id", batchID)
		if tx.Error != nil {
			return paired, tx.Error
		}
		paired += tx.RowsAffected
	}
	return paired, nil
}

// UnpairFromBatch returns every row of a batch to the pending state,
// clearing the response along with the pairing.
func (s *RDBStore) UnpairFromBatch(ctx context.Context, batchID string) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&TableBatchRequest{}).
		Where("batch_id = ?", batchID).
		Updates(map[string]any{"batch_id": nil, "response": nil})
	return tx.RowsAffected, tx.Error
}

// UnpairByIDs returns the given rows to the pending state.
func (s *RDBStore) UnpairByIDs(ctx context.Context, ids []string) (int64, error) {
	var unpaired int64
	for _, chunk := range lo.Chunk(ids, findChunkSize) {
		tx := s.db.WithContext(ctx).Model(&TableBatchRequest{}).
			Where("custom_id IN ?", chunk).
			Updates(map[string]any{"batch_id": nil, "response": nil})
		if tx.Error != nil {
			return unpaired, tx.Error
		}
		unpaired += tx.RowsAffected
	}
	return unpaired, nil
}

// DeleteByPrefix removes every request of one manufacturer field. Custom
// ids share a field prefix, so the rows are selected with a range scan on
// the primary key and removed in batches.
func (s *RDBStore) DeleteByPrefix(ctx context.Context, etld1 string, field schemas.FieldName) (int64, error) {
	start, end := schemas.FieldPrefixRange(etld1, field)
	var deleted int64
	for {
		var ids []string
		if err := s.db.WithContext(ctx).Model(&TableBatchRequest{}).
			Where("custom_id >= ? AND custom_id < ?", start, end).
			Limit(deleteBatchSize).
			Pluck("custom_id", &ids).Error; err != nil {
			return deleted, err
		}
		if len(ids) == 0 {
			break
		}
		tx := s.db.WithContext(ctx).Where("custom_id IN ?", ids).Delete(&TableBatchRequest{})
		if tx.Error != nil {
			return deleted, tx.Error
		}
		deleted += tx.RowsAffected
		if len(ids) < deleteBatchSize {
			break
		}
	}
	return deleted, nil
}

// CountPending returns the number of rows not yet paired with a batch.
func (s *RDBStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&TableBatchRequest{}).
		Where("batch_id IS NULL").
		Count(&count).Error
	return count, err
}

// Close closes the store.
func (s *RDBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
