// Package batchstore persists the local record of provider batches, one
// row per batch the system created or adopted during sync.
package batchstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getcaravan/caravan/schemas"
)

// ErrNotFound is returned when a batch is looked up by an id that has no row.
var ErrNotFound = errors.New("batch not found")

// StoreType represents the backing database for the batch store.
type StoreType string

const (
	StoreTypeSQLite   StoreType = "sqlite"
	StoreTypePostgres StoreType = "postgres"
)

// Store is the interface for batch persistence.
type Store interface {
	// Upsert reconciles a row against the provider-side batch object.
	// Mutable columns follow the provider; processing_completed_at is
	// owned by MarkProcessed and is never touched here.
	Upsert(ctx context.Context, batch *TableBatch) error

	// MarkProcessed stamps a batch as fully reconciled. Tokens held by the
	// batch are released the moment this lands. Idempotent.
	MarkProcessed(ctx context.Context, batchID string, at time.Time) error

	FindByID(ctx context.Context, batchID string) (*TableBatch, error)

	// ListUnprocessedByKey returns every batch on a key whose tokens are
	// still held, oldest first.
	ListUnprocessedByKey(ctx context.Context, keyLabel string) ([]*TableBatch, error)

	ListByStatus(ctx context.Context, statuses ...schemas.BatchStatus) ([]*TableBatch, error)

	Close() error
}

// New creates a batch store based on the configuration.
func New(ctx context.Context, config *Config, logger schemas.Logger) (Store, error) {
	if config == nil {
		return nil, fmt.Errorf("batch store config is required")
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
		return nil, fmt.Errorf("unsupported batch store type: %s", config.Type)
	}
}
