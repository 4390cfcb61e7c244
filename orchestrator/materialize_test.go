package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getcaravan/caravan/schemas"
)

func newBareOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(Dependencies{
		Concepts: testCatalog(t),
		Logger:   testLogger{},
	}, Options{})
}

func resolvedRow(id, content string) *schemas.BatchRequest {
	return &schemas.BatchRequest{CustomID: id, Response: chatResponse(content)}
}

func TestParseLabelList(t *testing.T) {
	labels, err := parseLabelList(`{"labels": ["A", "B"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, labels)

	// Any object of string lists parses; values union in key order.
	labels, err = parseLabelList(`{"products": ["X"], "labels": ["A"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "X"}, labels)

	labels, err = parseLabelList(`{}`)
	require.NoError(t, err)
	assert.Empty(t, labels)

	_, err = parseLabelList(`not json`)
	assert.Error(t, err)

	_, err = parseLabelList(`{"labels": "oops"}`)
	assert.Error(t, err)
}

func TestComputeAgreement_AcrossChunks(t *testing.T) {
	o := newBareOrchestrator(t)
	searchA := schemas.NewSearchID("a.example", schemas.FieldCertificates, 0, 10).String()
	searchB := schemas.NewSearchID("a.example", schemas.FieldCertificates, 10, 20).String()
	state := &schemas.ConceptState{
		SearchPromptVersionID: "certificates.llm_search@v1",
		Chunks: map[string]schemas.ConceptChunk{
			"0:10":  {SearchRequestID: searchA, Brute: []string{"ISO 9001"}},
			"10:20": {SearchRequestID: searchB, Brute: nil},
		},
	}
	rows := map[string]*schemas.BatchRequest{
		// An alt label still agrees with the brute match of its chunk.
		searchA: resolvedRow(searchA, `{"labels": ["iso 9001:2015", "Custom Thing"]}`),
		// A catalog label without brute corroboration in its own chunk
		// stays unknown.
		searchB: resolvedRow(searchB, `{"labels": ["ISO 9001"]}`),
	}

	agreed, err := o.computeAgreement(schemas.FieldCertificates, state, rows)
	require.NoError(t, err)

	assert.Equal(t, map[string]struct{}{"ISO 9001": {}}, agreed.agreed)
	assert.Equal(t, []string{"custom thing", "iso 9001"}, agreed.unknowns)
	assert.Equal(t, schemas.ConceptChunkStat{LLMLabels: 2, Agreed: 1}, agreed.chunkStats["0:10"])
	assert.Equal(t, schemas.ConceptChunkStat{LLMLabels: 1, Agreed: 0}, agreed.chunkStats["10:20"])
}

func TestComputeAgreement_UnresolvedRowFails(t *testing.T) {
	o := newBareOrchestrator(t)
	searchID := schemas.NewSearchID("a.example", schemas.FieldCertificates, 0, 10).String()
	state := &schemas.ConceptState{
		Chunks: map[string]schemas.ConceptChunk{
			"0:10": {SearchRequestID: searchID},
		},
	}

	_, err := o.computeAgreement(schemas.FieldCertificates, state, map[string]*schemas.BatchRequest{})
	require.Error(t, err)

	var pe *parseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, searchID, pe.requestID)
}

func TestChunkKeyOf(t *testing.T) {
	assert.Equal(t, "0:4096", chunkKeyOf("acme.example>addresses>0:4096"))
	assert.Equal(t, "", chunkKeyOf("garbage"))
}

func TestApplyResult_RejectsMismatchedType(t *testing.T) {
	m := &schemas.Manufacturer{}
	err := applyResult(m, schemas.FieldProducts, &schemas.BinaryResult{})
	assert.Error(t, err)

	require.NoError(t, applyResult(m, schemas.FieldProducts, &schemas.KeywordResult{Results: []string{"x"}}))
	require.NotNil(t, m.Products)
}
