// Package mfgstore persists manufacturer records, their deferred
// extraction documents, and the extraction-error log.
package mfgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/getcaravan/caravan/schemas"
)

// ErrNotFound is returned when a record is looked up by a key that has no row.
var ErrNotFound = errors.New("record not found")

// ErrFieldAlreadySet is returned by SetResultField when the target slot
// already holds a result. Materialized results are immutable.
var ErrFieldAlreadySet = errors.New("result field already set")

// StoreType represents the backing database for the manufacturer store.
type StoreType string

const (
	StoreTypeSQLite   StoreType = "sqlite"
	StoreTypePostgres StoreType = "postgres"
)

// Store is the interface for manufacturer persistence.
type Store interface {
	GetManufacturer(ctx context.Context, etld1 string) (*schemas.Manufacturer, error)

	// PutManufacturer replaces the whole row, results included.
	PutManufacturer(ctx context.Context, m *schemas.Manufacturer) error

	// UpsertManufacturer seeds or refreshes the text pointer and size
	// without touching any materialized result.
	UpsertManufacturer(ctx context.Context, m *schemas.Manufacturer) error

	// SetResultField writes one materialized result. The column must be
	// null: a slot that already holds a result returns ErrFieldAlreadySet,
	// a missing manufacturer returns ErrNotFound.
	SetResultField(ctx context.Context, etld1 string, field schemas.FieldName, payload []byte) error

	GetDeferred(ctx context.Context, etld1, versionID string) (*schemas.DeferredManufacturer, error)
	SaveDeferred(ctx context.Context, d *schemas.DeferredManufacturer) error
	DeleteDeferred(ctx context.Context, etld1, versionID string) error

	// ListDeferredByTextSize pages through deferred documents in ascending
	// text size, excluding documents over the cap. The packer drains this.
	ListDeferredByTextSize(ctx context.Context, maxTextTokens int64, limit, offset int) ([]*schemas.DeferredManufacturer, error)

	RecordExtractionError(ctx context.Context, e *TableExtractionError) error
	ListExtractionErrors(ctx context.Context, etld1 string, limit int) ([]*TableExtractionError, error)

	Close() error
}

// New creates a manufacturer store based on the configuration.
func New(ctx context.Context, config *Config, logger schemas.Logger) (Store, error) {
	if config == nil {
		return nil, fmt.Errorf("manufacturer store config is required")
	}
	switch config.Type {
	case StoreTypeSQLite:
		sqliteConfig, ok := config.Config.(*SQLiteConfig)
		if !ok {
			return nil, fmt.Errorf("invalid sqlite config: %T", config.Config)
		}
		return newSQLiteStore(ctx, sqliteConfig, logger)
	case StoreTypePostgres:
		postgresConfig, ok := config.Config.(*PostgresConfig)
		if !ok {
			return nil, fmt.Errorf("invalid postgres config: %T", config.Config)
		}
		return newPostgresStore(ctx, postgresConfig, logger)
	default:
		return nil, fmt.Errorf("unsupported manufacturer store type: %s", config.Type)
	}
}
