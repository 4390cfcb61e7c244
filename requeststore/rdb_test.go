package requeststore

import (
	"context"
	"fmt"
	"testing"

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

	err = db.AutoMigrate(&TableBatchRequest{})
	require.NoError(t, err, "Failed to migrate test database")

	return &RDBStore{db: db, logger: testLogger{}}
}

func chunkRequest(etld1 string, field schemas.FieldName, start, end, tokens int) *schemas.BatchRequest {
	return &schemas.BatchRequest{
		CustomID: schemas.NewChunkID(etld1, field, start, end).String(),
		Body: &schemas.RequestBody{
			Model: "gpt-5-mini",
			Messages: []schemas.ChatMessage{
				{Role: schemas.ChatRoleSystem, Content: "answer as json"},
				{Role: schemas.ChatRoleUser, Content: fmt.Sprintf("%s bytes %d..%d", etld1, start, end)},
			},
			ResponseFormat: schemas.JSONResponseFormat(),
			InputTokens:    tokens,
		},
	}
}

func TestBulkUpsertBodies_RoundTrip(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	reqs := []*schemas.BatchRequest{
		chunkRequest("acme.example", schemas.FieldIsManufacturer, 0, 6000, 1500),
		chunkRequest("acme.example", schemas.FieldIsManufacturer, 6000, 12000, 1500),
		chunkRequest("mollie.example", schemas.FieldProducts, 0, 4000, 1000),
	}
	result, err := store.BulkUpsertBodies(ctx, reqs)
	require.NoError(t, err)
	assert.EqualValues(t, 3, result.Upserted)

	ids := []string{reqs[0].CustomID, reqs[1].CustomID, reqs[2].CustomID, "missing>is_manufacturer>chunk>0:1"}
	found, err := store.FindByCustomIDs(ctx, ids)
	require.NoError(t, err)
	require.Len(t, found, 3)

	got := found[reqs[0].CustomID]
	require.NotNil(t, got)
	require.NotNil(t, got.Body)
	assert.Equal(t, "gpt-5-mini", got.Body.Model)
	assert.Equal(t, 1500, got.Body.InputTokens)
	assert.Len(t, got.Body.Messages, 2)
	assert.True(t, got.IsPending())
	assert.False(t, got.CreatedAt.IsZero())
}

func TestBulkUpsertBodies_PreservesPairingOnConflict(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	req := chunkRequest("acme.example", schemas.FieldCertificates, 0, 4000, 900)
	_, err := store.BulkUpsertBodies(ctx, []*schemas.BatchRequest{req})
	require.NoError(t, err)

	paired, err := store.PairWithBatch(ctx, []string{req.CustomID}, "batch_abc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, paired)

	// Re-initiating must refresh the body without detaching the row.
	updated := chunkRequest("acme.example", schemas.FieldCertificates, 0, 4000, 950)
	_, err = store.BulkUpsertBodies(ctx, []*schemas.BatchRequest{updated})
	require.NoError(t, err)

	found, err := store.FindByCustomIDs(ctx, []string{req.CustomID})
	require.NoError(t, err)
	got := found[req.CustomID]
	require.NotNil(t, got)
	assert.Equal(t, 950, got.Body.InputTokens)
	require.NotNil(t, got.BatchID)
	assert.Equal(t, "batch_abc", *got.BatchID)
	assert.True(t, got.IsInFlight())
}

func TestPairWithBatch_SkipsRowsOwnedByOtherBatches(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	a := chunkRequest("a.example", schemas.FieldIsManufacturer, 0, 100, 10)
	b := chunkRequest("b.example", schemas.FieldIsManufacturer, 0, 100, 10)
	_, err := store.BulkUpsertBodies(ctx, []*schemas.BatchRequest{a, b})
	require.NoError(t, err)

	paired, err := store.PairWithBatch(ctx, []string{a.CustomID}, "batch_1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, paired)

	// batch_2 cannot steal a row that batch_1 owns.
	paired, err = store.PairWithBatch(ctx, []string{a.CustomID, b.CustomID}, "batch_2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, paired)

	found, err := store.FindByCustomIDs(ctx, []string{a.CustomID, b.CustomID})
	require.NoError(t, err)
	assert.Equal(t, "batch_1", *found[a.CustomID].BatchID)
	assert.Equal(t, "batch_2", *found[b.CustomID].BatchID)

	// Retrying the same pairing is idempotent and still counts the row.
	paired, err = store.PairWithBatch(ctx, []string{b.CustomID}, "batch_2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, paired)
}

func TestPairWithBatch_RequiresBatchID(t *testing.T) {
	store := setupRDBTestStore(t)

	_, err := store.PairWithBatch(context.Background(), []string{"x>is_manufacturer>chunk>0:1"}, "")
	require.Error(t, err)
}

func TestUnpairFromBatch_ClearsPairingAndResponse(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	reqs := []*schemas.BatchRequest{
		chunkRequest("a.example", schemas.FieldIsManufacturer, 0, 100, 10),
		chunkRequest("a.example", schemas.FieldIsManufacturer, 100, 200, 10),
	}
	_, err := store.BulkUpsertBodies(ctx, reqs)
	require.NoError(t, err)
	_, err = store.PairWithBatch(ctx, []string{reqs[0].CustomID, reqs[1].CustomID}, "batch_exp")
	require.NoError(t, err)

	// One of the rows resolved before the batch expired.
	_, err = store.BulkUpdate(ctx, []Op{
		{CustomID: reqs[0].CustomID, Kind: OpSetResponse, Response: &schemas.RequestResponse{StatusCode: 200}},
	}, "test-log")
	require.NoError(t, err)

	unpaired, err := store.UnpairFromBatch(ctx, "batch_exp")
	require.NoError(t, err)
	assert.EqualValues(t, 2, unpaired)

	found, err := store.FindByCustomIDs(ctx, []string{reqs[0].CustomID, reqs[1].CustomID})
	require.NoError(t, err)
	for _, req := range found {
		assert.True(t, req.IsPending(), "row %s should be pending after unpair", req.CustomID)
		assert.Nil(t, req.Response)
	}
}

func TestUnpairByIDs(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	reqs := []*schemas.BatchRequest{
		chunkRequest("a.example", schemas.FieldProducts, 0, 100, 10),
		chunkRequest("b.example", schemas.FieldProducts, 0, 100, 10),
	}
	_, err := store.BulkUpsertBodies(ctx, reqs)
	require.NoError(t, err)
	_, err = store.PairWithBatch(ctx, []string{reqs[0].CustomID, reqs[1].CustomID}, "batch_x")
	require.NoError(t, err)

	unpaired, err := store.UnpairByIDs(ctx, []string{reqs[0].CustomID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, unpaired)

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestFindCustomIDsByBatch(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	reqs := []*schemas.BatchRequest{
		chunkRequest("a.example", schemas.FieldIsManufacturer, 0, 100, 10),
		chunkRequest("a.example", schemas.FieldIsManufacturer, 100, 200, 10),
		chunkRequest("b.example", schemas.FieldIsManufacturer, 0, 100, 10),
	}
	_, err := store.BulkUpsertBodies(ctx, reqs)
	require.NoError(t, err)
	_, err = store.PairWithBatch(ctx, []string{reqs[0].CustomID, reqs[1].CustomID}, "batch_1")
	require.NoError(t, err)

	ids, err := store.FindCustomIDsByBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{reqs[0].CustomID, reqs[1].CustomID}, ids)

	ids, err = store.FindCustomIDsByBatch(ctx, "batch_nope")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFindIDsOnly(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	req := chunkRequest("a.example", schemas.FieldIsManufacturer, 0, 100, 10)
	_, err := store.BulkUpsertBodies(ctx, []*schemas.BatchRequest{req})
	require.NoError(t, err)

	found, err := store.FindIDsOnly(ctx, []string{req.CustomID, "nope>is_manufacturer>chunk>0:1"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	_, ok := found[req.CustomID]
	assert.True(t, ok)
}

func TestDeleteByPrefix_RemovesOnlyTheField(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	reqs := []*schemas.BatchRequest{
		chunkRequest("acme.example", schemas.FieldIsManufacturer, 0, 100, 10),
		chunkRequest("acme.example", schemas.FieldIsManufacturer, 100, 200, 10),
		chunkRequest("acme.example", schemas.FieldProducts, 0, 100, 10),
		chunkRequest("acme2.example", schemas.FieldIsManufacturer, 0, 100, 10),
	}
	_, err := store.BulkUpsertBodies(ctx, reqs)
	require.NoError(t, err)

	deleted, err := store.DeleteByPrefix(ctx, "acme.example", schemas.FieldIsManufacturer)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	remaining, err := store.FindIDsOnly(ctx, []string{
		reqs[0].CustomID, reqs[1].CustomID, reqs[2].CustomID, reqs[3].CustomID,
	})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	_, ok := remaining[reqs[2].CustomID]
	assert.True(t, ok, "other field of the same manufacturer must survive")
	_, ok = remaining[reqs[3].CustomID]
	assert.True(t, ok, "same field of another manufacturer must survive")
}

func TestCountPending(t *testing.T) {
	store := setupRDBTestStore(t)
	ctx := context.Background()

	reqs := []*schemas.BatchRequest{
		chunkRequest("a.example", schemas.FieldIsManufacturer, 0, 100, 10),
		chunkRequest("b.example", schemas.FieldIsManufacturer, 0, 100, 10),
		chunkRequest("c.example", schemas.FieldIsManufacturer, 0, 100, 10),
	}
	_, err := store.BulkUpsertBodies(ctx, reqs)
	require.NoError(t, err)

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, pending)

	_, err = store.PairWithBatch(ctx, []string{reqs[0].CustomID}, "batch_1")
	require.NoError(t, err)

	pending, err = store.CountPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
}
