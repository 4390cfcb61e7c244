package batchstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/getcaravan/caravan/schemas"
)

type testLogger struct{}

func (testLogger) Debug(msg string, args ...any)                     {}
func (testLogger) Info(msg string, args ...any)                      {}
func (testLogger) Warn(msg string, args ...any)                      {}
func (testLogger) Error(msg string, args ...any)                     {}
func (testLogger) Fatal(msg string, args ...any)                     {}
func (testLogger) SetLevel(level schemas.LogLevel)                   {}
func (testLogger) SetOutputType(outputType schemas.LoggerOutputType) {}

// setupRDBTestStore creates an in-memory SQLite database and returns an RDBStore for testing
func setupRDBTestStore(t *testing.T) *RDBStore {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "Failed to create test database")

	err = db.AutoMigrate(&TableBatch{})
	require.NoError(t, err, "Failed to migrate test database")

	return &RDBStore{db: db, logger: testLogger{}}
}

func providerBatch(id, key string, status schemas.BatchStatus, createdAt, tokens int64) *schemas.Batch {
	return &schemas.Batch{
		ID:          id,
		InputFileID: "file_" + id,
		Status:      status,
		CreatedAt:   createdAt,
		Metadata: map[string]string{
			schemas.MetadataTotalTokens: strconv.FormatInt(tokens, 10),
			schemas.MetadataSource:      "caravan",
		},
		RequestCounts: schemas.BatchRequestCounts{Total: 10},
	}
}

func TestUpsert_InsertThenReconcile(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	created := providerBatch("batch_1", "key-a", schemas.BatchStatusValidating, 100, 5000)
	require.NoError(t, store.Upsert(ctx, NewTableBatch(created, "key-a")))

	row, err := store.FindByID(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, schemas.BatchStatusValidating, row.BatchStatus())
	assert.Equal(t, "key-a", row.APIKeyLabel)
	assert.EqualValues(t, 5000, row.TotalTokens)
	assert.Equal(t, "caravan", row.Source)
	require.NotNil(t, row.RequestCountsParsed)
	assert.Equal(t, 10, row.RequestCountsParsed.Total)
	assert.False(t, row.IsProcessed())

	// Provider finished the batch; sync reconciles the row.
	done := providerBatch("batch_1", "key-a", schemas.BatchStatusCompleted, 100, 5000)
	outputFile := "file_out_1"
	completedAt := int64(200)
	done.OutputFileID = &outputFile
	done.CompletedAt = &completedAt
	done.RequestCounts = schemas.BatchRequestCounts{Total: 10, Completed: 9, Failed: 1}
	require.NoError(t, store.Upsert(ctx, NewTableBatch(done, "key-a")))

	row, err = store.FindByID(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, schemas.BatchStatusCompleted, row.BatchStatus())
	require.NotNil(t, row.OutputFileID)
	assert.Equal(t, "file_out_1", *row.OutputFileID)
	require.NotNil(t, row.CompletedAt)
	assert.EqualValues(t, 200, *row.CompletedAt)
	assert.Equal(t, 9, row.RequestCountsParsed.Completed)
	assert.False(t, row.IsProcessed(), "reconcile must not stamp processing_completed_at")
}

func TestMarkProcessed_ReleasesTokensAndIsIdempotent(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	batch := providerBatch("batch_1", "key-a", schemas.BatchStatusCompleted, 100, 5000)
	require.NoError(t, store.Upsert(ctx, NewTableBatch(batch, "key-a")))

	unprocessed, err := store.ListUnprocessedByKey(ctx, "key-a")
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	first := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkProcessed(ctx, "batch_1", first))

	unprocessed, err = store.ListUnprocessedByKey(ctx, "key-a")
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	// A second stamp must not move the timestamp.
	require.NoError(t, store.MarkProcessed(ctx, "batch_1", first.Add(time.Hour)))
	row, err := store.FindByID(ctx, "batch_1")
	require.NoError(t, err)
	require.NotNil(t, row.ProcessingCompletedAt)
	assert.True(t, row.ProcessingCompletedAt.Equal(first))
}

func TestUpsert_PreservesProcessedStamp(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	batch := providerBatch("batch_1", "key-a", schemas.BatchStatusCompleted, 100, 5000)
	require.NoError(t, store.Upsert(ctx, NewTableBatch(batch, "key-a")))
	require.NoError(t, store.MarkProcessed(ctx, "batch_1", time.Now().UTC()))

	// The next sync sees the batch again.
	require.NoError(t, store.Upsert(ctx, NewTableBatch(batch, "key-a")))

	row, err := store.FindByID(ctx, "batch_1")
	require.NoError(t, err)
	assert.True(t, row.IsProcessed())
}

func TestListUnprocessedByKey_FiltersAndOrders(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, NewTableBatch(providerBatch("batch_b", "key-a", schemas.BatchStatusInProgress, 300, 100), "key-a")))
	require.NoError(t, store.Upsert(ctx, NewTableBatch(providerBatch("batch_a", "key-a", schemas.BatchStatusCompleted, 100, 200), "key-a")))
	require.NoError(t, store.Upsert(ctx, NewTableBatch(providerBatch("batch_c", "key-b", schemas.BatchStatusInProgress, 200, 300), "key-b")))

	batches, err := store.ListUnprocessedByKey(ctx, "key-a")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "batch_a", batches[0].ExternalBatchID)
	assert.Equal(t, "batch_b", batches[1].ExternalBatchID)

	var tokens int64
	for _, b := range batches {
		tokens += b.TotalTokens
	}
	assert.EqualValues(t, 300, tokens)
}

func TestFindByID_NotFound(t *testing.T) {
	store := setupRDBTestStore(t)

	_, err := store.FindByID(context.Background(), "batch_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByStatus(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, NewTableBatch(providerBatch("batch_1", "key-a", schemas.BatchStatusCompleted, 100, 0), "key-a")))
	require.NoError(t, store.Upsert(ctx, NewTableBatch(providerBatch("batch_2", "key-a", schemas.BatchStatusExpired, 200, 0), "key-a")))
	require.NoError(t, store.Upsert(ctx, NewTableBatch(providerBatch("batch_3", "key-b", schemas.BatchStatusFailed, 300, 0), "key-b")))

	batches, err := store.ListByStatus(ctx, schemas.BatchStatusCompleted, schemas.BatchStatusExpired)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "batch_1", batches[0].ExternalBatchID)
	assert.Equal(t, "batch_2", batches[1].ExternalBatchID)

	batches, err = store.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches)
}
