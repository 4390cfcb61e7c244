package packer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getcaravan/caravan/mfgstore"
	"github.com/getcaravan/caravan/requeststore"
	"github.com/getcaravan/caravan/schemas"
	"github.com/getcaravan/caravan/telemetry"
)

type testLogger struct{}

func (testLogger) Debug(msg string, args ...any)              {}
func (testLogger) Info(msg string, args ...any)               {}
func (testLogger) Warn(msg string, args ...any)               {}
func (testLogger) Error(msg string, args ...any)              {}
func (testLogger) Fatal(msg string, args ...any)              {}
func (testLogger) SetLevel(level schemas.LogLevel)            {}
func (testLogger) SetOutputType(out schemas.LoggerOutputType) {}

type packerEnv struct {
	packer   *Packer
	mfgs     mfgstore.Store
	requests requeststore.Store
	outDir   string
}

func newPackerEnv(t *testing.T) *packerEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	mfgs, err := mfgstore.New(ctx, &mfgstore.Config{
		Type:   mfgstore.StoreTypeSQLite,
		Config: &mfgstore.SQLiteConfig{Path: filepath.Join(dir, "mfg.db")},
	}, testLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { mfgs.Close() })

	requests, err := requeststore.New(ctx, &requeststore.Config{
		Type:   requeststore.StoreTypeSQLite,
		Config: &requeststore.SQLiteConfig{Path: filepath.Join(dir, "requests.db")},
	}, testLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { requests.Close() })

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	return &packerEnv{
		packer:   New(mfgs, requests, testLogger{}, metrics),
		mfgs:     mfgs,
		requests: requests,
		outDir:   filepath.Join(dir, "out"),
	}
}

// resolvedExcept builds a manufacturer whose every field except the given
// ones already holds a result.
func resolvedExcept(etld1 string, textTokens int64, except ...schemas.FieldName) *schemas.Manufacturer {
	open := make(map[schemas.FieldName]bool, len(except))
	for _, field := range except {
		open[field] = true
	}

	m := &schemas.Manufacturer{
		Etld1:                    etld1,
		ScrapedTextFileVersionID: "v1",
		TextTokens:               textTokens,
	}
	for _, field := range schemas.FieldOrder {
		if open[field] {
			continue
		}
		switch field {
		case schemas.FieldIsManufacturer:
			m.IsManufacturer = &schemas.BinaryResult{Answer: true}
		case schemas.FieldIsContractManufacturer:
			m.IsContractManufacturer = &schemas.BinaryResult{}
		case schemas.FieldIsProductManufacturer:
			m.IsProductManufacturer = &schemas.BinaryResult{}
		case schemas.FieldAddresses:
			m.Addresses = &schemas.AddressesResult{}
		case schemas.FieldBusinessDesc:
			m.BusinessDesc = &schemas.BusinessDescResult{}
		case schemas.FieldProducts:
			m.Products = &schemas.KeywordResult{}
		case schemas.FieldCertificates:
			m.Certificates = &schemas.ConceptResult{}
		case schemas.FieldIndustries:
			m.Industries = &schemas.ConceptResult{}
		case schemas.FieldProcessCaps:
			m.ProcessCaps = &schemas.ConceptResult{}
		case schemas.FieldMaterialCaps:
			m.MaterialCaps = &schemas.ConceptResult{}
		}
	}
	return m
}

// seed installs one manufacturer with only the products field open, deferred
// with one chunk request per entry of reqTokens. Returns the custom IDs.
func (e *packerEnv) seed(t *testing.T, etld1 string, textTokens int64, reqTokens []int) []string {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.mfgs.PutManufacturer(ctx, resolvedExcept(etld1, textTokens, schemas.FieldProducts)))

	chunks := make(map[string]string, len(reqTokens))
	ids := make([]string, 0, len(reqTokens))
	rows := make([]*schemas.BatchRequest, 0, len(reqTokens))
	for i, tokens := range reqTokens {
		id := schemas.NewChunkID(etld1, schemas.FieldProducts, i*1000, (i+1)*1000)
		chunks[id.ChunkKey()] = id.String()
		ids = append(ids, id.String())
		rows = append(rows, &schemas.BatchRequest{
			CustomID: id.String(),
			Body: &schemas.RequestBody{
				Model: "gpt-5-mini",
				Messages: []schemas.ChatMessage{
					{Role: schemas.ChatRoleUser, Content: fmt.Sprintf("chunk %d of %s", i, etld1)},
				},
				ResponseFormat: schemas.JSONResponseFormat(),
				InputTokens:    tokens,
			},
		})
	}

	_, err := e.requests.BulkUpsertBodies(ctx, rows)
	require.NoError(t, err)

	doc := &schemas.DeferredManufacturer{
		Etld1:                    etld1,
		ScrapedTextFileVersionID: "v1",
		TextTokens:               textTokens,
	}
	doc.SetField(schemas.FieldProducts, &schemas.DeferredField{
		Kind:    schemas.FieldKindKeyword,
		Keyword: &schemas.KeywordState{ExtractPromptVersionID: "products-v3", ChunkRequests: chunks},
	})
	require.NoError(t, e.mfgs.SaveDeferred(ctx, doc))
	return ids
}

func TestPack_SingleFile(t *testing.T) {
	env := newPackerEnv(t)
	small := env.seed(t, "small.com", 100, []int{40, 60})
	big := env.seed(t, "big.com", 5000, []int{200, 300})

	result, err := env.packer.Pack(context.Background(), PackOptions{OutputDir: env.outDir})
	require.NoError(t, err)

	require.Len(t, result.Files, 1)
	file := result.Files[0]
	assert.Equal(t, 2, file.Manufacturers)
	assert.Equal(t, 4, file.Requests)
	assert.Equal(t, int64(600), file.Tokens)

	// Smallest text first, so small.com's requests lead the file.
	require.Len(t, file.CustomIDs, 4)
	assert.Equal(t, small, file.CustomIDs[:2])
	assert.ElementsMatch(t, big, file.CustomIDs[2:])

	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		assert.Contains(t, line, `"method":"POST"`)
		assert.NotContains(t, line, "input_tokens")
		assert.NotContains(t, line, "\n\n")
	}

	// Exact byte accounting: the file is exactly the lines plus newlines.
	stat, err := os.Stat(file.Path)
	require.NoError(t, err)
	var want int64
	for _, line := range lines {
		want += int64(len(line)) + 1
	}
	assert.Equal(t, want, stat.Size())

	metadata, err := os.ReadFile(filepath.Join(result.RunDir, "batch_metadata.json"))
	require.NoError(t, err)
	assert.Contains(t, string(metadata), `"manufacturers": 2`)
	assert.Contains(t, string(metadata), filepath.Base(file.Path))

	_, err = os.Stat(filepath.Join(result.RunDir, "missing_requests.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestPack_RotatesOnTokenLimit(t *testing.T) {
	env := newPackerEnv(t)
	first := env.seed(t, "one.com", 100, []int{300, 300})
	second := env.seed(t, "two.com", 200, []int{500})

	result, err := env.packer.Pack(context.Background(), PackOptions{
		OutputDir:        env.outDir,
		MaxTokensPerFile: 700,
	})
	require.NoError(t, err)

	require.Len(t, result.Files, 2)
	assert.ElementsMatch(t, first, result.Files[0].CustomIDs)
	assert.ElementsMatch(t, second, result.Files[1].CustomIDs)
	assert.Equal(t, int64(600), result.Files[0].Tokens)
	assert.Equal(t, int64(500), result.Files[1].Tokens)
}

func TestPack_MaxFilesStopsRun(t *testing.T) {
	env := newPackerEnv(t)
	env.seed(t, "one.com", 100, []int{300, 300})
	leftover := env.seed(t, "two.com", 200, []int{500})

	result, err := env.packer.Pack(context.Background(), PackOptions{
		OutputDir:        env.outDir,
		MaxFiles:         1,
		MaxTokensPerFile: 700,
	})
	require.NoError(t, err)

	require.Len(t, result.Files, 1)
	assert.Equal(t, int64(600), result.Files[0].Tokens)

	// two.com stays pending for the next run.
	rows, err := env.requests.FindByCustomIDs(context.Background(), leftover)
	require.NoError(t, err)
	for _, row := range rows {
		assert.True(t, row.IsPending())
	}
}

func TestPack_OversizedManufacturerSkipped(t *testing.T) {
	env := newPackerEnv(t)
	env.seed(t, "huge.com", 100, []int{900})
	packable := env.seed(t, "ok.com", 200, []int{100})

	result, err := env.packer.Pack(context.Background(), PackOptions{
		OutputDir:        env.outDir,
		MaxTokensPerFile: 500,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Files, 1)
	assert.ElementsMatch(t, packable, result.Files[0].CustomIDs)
}

func TestPack_MissingRequestSidecar(t *testing.T) {
	env := newPackerEnv(t)
	ids := env.seed(t, "broken.com", 100, []int{50, 50})
	env.seed(t, "ok.com", 200, []int{100})

	// Drop one of broken.com's rows to manufacture the inconsistency.
	_, err := env.requests.DeleteByPrefix(context.Background(), "broken.com", schemas.FieldProducts)
	require.NoError(t, err)

	result, err := env.packer.Pack(context.Background(), PackOptions{OutputDir: env.outDir})
	require.NoError(t, err)

	require.Len(t, result.Missing, 1)
	assert.Equal(t, "broken.com", result.Missing[0].Etld1)
	assert.ElementsMatch(t, ids, result.Missing[0].CustomIDs)
	assert.Equal(t, 1, result.Skipped)

	require.Len(t, result.Files, 1)
	assert.Equal(t, 1, result.Files[0].Manufacturers)

	sidecar, err := os.ReadFile(filepath.Join(result.RunDir, "missing_requests.json"))
	require.NoError(t, err)
	assert.Contains(t, string(sidecar), "broken.com")
}

func TestPack_ValidationErrorSidecar(t *testing.T) {
	env := newPackerEnv(t)
	ctx := context.Background()

	// products is open on the manufacturer but missing from the deferred doc.
	require.NoError(t, env.mfgs.PutManufacturer(ctx, resolvedExcept("bad.com", 100, schemas.FieldProducts, schemas.FieldIndustries)))
	searchID := schemas.NewSearchID("bad.com", schemas.FieldIndustries, 0, 1000)
	_, err := env.requests.BulkUpsertBodies(ctx, []*schemas.BatchRequest{{
		CustomID: searchID.String(),
		Body: &schemas.RequestBody{
			Model:       "gpt-5-mini",
			Messages:    []schemas.ChatMessage{{Role: schemas.ChatRoleUser, Content: "chunk"}},
			InputTokens: 10,
		},
	}})
	require.NoError(t, err)

	doc := &schemas.DeferredManufacturer{Etld1: "bad.com", ScrapedTextFileVersionID: "v1", TextTokens: 100}
	doc.SetField(schemas.FieldIndustries, &schemas.DeferredField{
		Kind: schemas.FieldKindConcept,
		Concept: &schemas.ConceptState{
			SearchPromptVersionID: "industries-v1",
			Chunks:                map[string]schemas.ConceptChunk{"0:1000": {SearchRequestID: searchID.String()}},
		},
	})
	require.NoError(t, env.mfgs.SaveDeferred(ctx, doc))

	result, err := env.packer.Pack(ctx, PackOptions{OutputDir: env.outDir})
	require.NoError(t, err)

	require.Len(t, result.ValidationErrors, 1)
	assert.Equal(t, schemas.FieldProducts, result.ValidationErrors[0].Field)
	assert.Equal(t, 1, result.Skipped)
	assert.True(t, result.Empty())

	sidecar, err := os.ReadFile(filepath.Join(result.RunDir, "validation_errors.json"))
	require.NoError(t, err)
	assert.Contains(t, string(sidecar), "products")
}

func TestPack_InFlightRowsExcluded(t *testing.T) {
	env := newPackerEnv(t)
	ids := env.seed(t, "partial.com", 100, []int{50, 70})

	_, err := env.requests.PairWithBatch(context.Background(), ids[:1], "batch_prev")
	require.NoError(t, err)

	result, err := env.packer.Pack(context.Background(), PackOptions{OutputDir: env.outDir})
	require.NoError(t, err)

	require.Len(t, result.Files, 1)
	assert.Equal(t, []string{ids[1]}, result.Files[0].CustomIDs)
	assert.Equal(t, int64(70), result.Files[0].Tokens)
	assert.Empty(t, result.Missing)
}

func TestPack_TextTokenCapExcludes(t *testing.T) {
	env := newPackerEnv(t)
	env.seed(t, "giant.com", 250000, []int{100})

	result, err := env.packer.Pack(context.Background(), PackOptions{OutputDir: env.outDir})
	require.NoError(t, err)

	assert.True(t, result.Empty())
	assert.Empty(t, result.RunDir)
}

func TestPack_NothingToDo(t *testing.T) {
	env := newPackerEnv(t)

	result, err := env.packer.Pack(context.Background(), PackOptions{OutputDir: env.outDir})
	require.NoError(t, err)

	assert.True(t, result.Empty())
	assert.Zero(t, result.Skipped)
	assert.Empty(t, result.RunDir)

	_, err = os.Stat(env.outDir)
	assert.True(t, os.IsNotExist(err), "no run directory should be created")
}
