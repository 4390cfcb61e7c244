// Package requeststore persists individual model requests keyed by
// custom id and tracks their pairing with provider batches.
package requeststore

import (
	"context"
	"fmt"

	"github.com/getcaravan/caravan/schemas"
)

// StoreType represents the backing database for the request store.
type StoreType string

const (
	StoreTypeSQLite   StoreType = "sqlite"
	StoreTypePostgres StoreType = "postgres"
)

// Store is the interface for batch request persistence.
//
// A row moves through three states: pending (no batch id, no response),
// in flight (batch id set), resolved (batch id and response set). Unpair
// operations clear both columns so a row never carries a response
// without the batch that produced it.
type Store interface {
	// BulkUpsertBodies inserts request bodies, updating only the body and
	// token columns on conflict. Pairing state on existing rows survives.
	BulkUpsertBodies(ctx context.Context, reqs []*schemas.BatchRequest) (BulkResult, error)

	// BulkUpdate applies pairing and response ops through the sharded
	// writer. The logID ties all statements of one invocation together
	// in the logs.
	BulkUpdate(ctx context.Context, ops []Op, logID string) (BulkResult, error)

	FindByCustomIDs(ctx context.Context, ids []string) (map[string]*schemas.BatchRequest, error)
	FindIDsOnly(ctx context.Context, ids []string) (map[string]struct{}, error)
	FindCustomIDsByBatch(ctx context.Context, batchID string) ([]string, error)

	PairWithBatch(ctx context.Context, ids []string, batchID string) (int64, error)
	UnpairFromBatch(ctx context.Context, batchID string) (int64, error)
	UnpairByIDs(ctx context.Context, ids []string) (int64, error)

	// DeleteByPrefix removes every request of one manufacturer field via a
	// range scan on the custom id encoding.
	DeleteByPrefix(ctx context.Context, etld1 string, field schemas.FieldName) (int64, error)

	CountPending(ctx context.Context) (int64, error)

	Close() error
}

// New creates a request store based on the configuration.
func New(ctx context.Context, config *Config, logger schemas.Logger) (Store, error) {
	if config == nil {
		return nil, fmt.Errorf("request store config is required")
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
		return nil, fmt.Errorf("unsupported request store type: %s", config.Type)
	}
}
