package requeststore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/getcaravan/caravan/schemas"
)

// writeChunkSize bounds how many ops one writer shard carries.
const writeChunkSize = 5000

// OpKind selects what a write op does to its row.
type OpKind string

const (
	OpSetBatch    OpKind = "set_batch"
	OpSetResponse OpKind = "set_response"
	OpUnpair      OpKind = "unpair"
)

// Op is one unordered write against a single request row.
type Op struct {
	CustomID string
	Kind     OpKind
	BatchID  string
	Response *schemas.RequestResponse
}

// BulkResult carries the row counts of a bulk invocation. Counts are
// returned even when the invocation also returns an error.
type BulkResult struct {
	Upserted int64
	Modified int64
}

// ErrInvalidOp marks an op that was malformed before it reached the
// database. It is recorded per op, not raised as an exception.
var ErrInvalidOp = errors.New("invalid write op")

// BulkUpdate applies ops in shards of writeChunkSize, strictly in order.
// Within a shard each op runs as its own statement: data-level failures
// are collected per op and the shard keeps going, while an infrastructure
// failure aborts the shard and is re-raised after every shard has run.
//
// The returned error is *BulkException when any shard aborted, otherwise
// *BulkWriteError when any single op failed, otherwise nil. Counts are
// accurate in all three cases.
func (s *RDBStore) BulkUpdate(ctx context.Context, ops []Op, logID string) (BulkResult, error) {
	var result BulkResult
	if len(ops) == 0 {
		return result, nil
	}
	if logID == "" {
		logID = uuid.NewString()
	}

	var writeErrs []WriteError
	var aborted error
	chunks := lo.Chunk(ops, writeChunkSize)
	for i, chunk := range chunks {
		if err := s.applyChunk(ctx, chunk, &result, &writeErrs); err != nil {
			s.logger.Error("bulk write shard aborted", "log_id", logID, "shard", i+1, "shards", len(chunks), "error", err)
			aborted = multierr.Append(aborted, fmt.Errorf("shard %d: %w", i+1, err))
		}
	}

	if aborted != nil {
		return result, &BulkException{LogID: logID, Err: aborted}
	}
	if len(writeErrs) > 0 {
		s.logger.Warn("bulk write had op failures", "log_id", logID, "failed", len(writeErrs), "ops", len(ops))
		return result, &BulkWriteError{LogID: logID, Errors: writeErrs}
	}
	s.logger.Debug("bulk write applied", "log_id", logID, "ops", len(ops), "modified", result.Modified)
	return result, nil
}

func (s *RDBStore) applyChunk(ctx context.Context, chunk []Op, result *BulkResult, writeErrs *[]WriteError) error {
	for _, op := range chunk {
		affected, err := s.applyOp(ctx, op)
		if err != nil {
			if isDataError(err) {
				*writeErrs = append(*writeErrs, WriteError{CustomID: op.CustomID, Err: err})
				continue
			}
			return err
		}
		result.Modified += affected
	}
	return nil
}

func (s *RDBStore) applyOp(ctx context.Context, op Op) (int64, error) {
	query := s.db.WithContext(ctx).Model(&TableBatchRequest{}).Where("custom_id = ?", op.CustomID)
	switch op.Kind {
	case OpSetBatch:
		if op.BatchID == "" {
			return 0, fmt.Errorf("%w: set_batch without batch id", ErrInvalidOp)
		}
		tx := query.Update("batch_id", op.BatchID)
		return tx.RowsAffected, tx.Error
	case OpSetResponse:
		if op.Response == nil {
			return 0, fmt.Errorf("%w: set_response without response", ErrInvalidOp)
		}
		data, err := sonic.Marshal(op.Response)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidOp, err)
		}
		tx := query.Update("response", string(data))
		return tx.RowsAffected, tx.Error
	case OpUnpair:
		tx := query.Updates(map[string]any{"batch_id": nil, "response": nil})
		return tx.RowsAffected, tx.Error
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
}

// isDataError reports whether the failure belongs to the op rather than
// the connection. Constraint violations are translated by GORM when the
// dialector is opened with TranslateError.
func isDataError(err error) bool {
	return errors.Is(err, ErrInvalidOp) ||
		errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated)
}
