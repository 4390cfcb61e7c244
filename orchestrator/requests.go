package orchestrator

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/samber/lo"

	"github.com/getcaravan/caravan/chunker"
	"github.com/getcaravan/caravan/schemas"
	"github.com/getcaravan/caravan/tokenizer"
)

// loadText fetches the scraped text once per advance.
func (o *Orchestrator) loadText(ctx context.Context, st *advanceState) (string, error) {
	if st.textLoaded {
		return st.text, nil
	}
	text, err := o.blobs.FetchText(ctx, st.mfr.Etld1, st.mfr.ScrapedTextFileVersionID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch text for %s@%s: %w", st.mfr.Etld1, st.mfr.ScrapedTextFileVersionID, err)
	}
	st.text = text
	st.textLoaded = true
	return text, nil
}

// chunksFor chunks the scraped text under the field's strategy. Fields
// sharing a strategy share the map, so the text is chunked at most twice
// per advance.
func (o *Orchestrator) chunksFor(ctx context.Context, st *advanceState, field schemas.FieldName) (*chunker.Map, error) {
	strategy := schemas.StrategyFor(field)
	if m, ok := st.chunkMaps[strategy]; ok {
		return m, nil
	}

	text, err := o.loadText(ctx, st)
	if err != nil {
		return nil, err
	}
	m, err := chunker.ChunkDetached(ctx, text, o.counter, chunker.Options{
		SoftLimitTokens: strategy.SoftLimitTokens,
		OverlapRatio:    strategy.OverlapRatio,
		MaxChunks:       strategy.MaxChunks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to chunk text for %s: %w", st.mfr.Etld1, err)
	}
	st.chunkMaps[strategy] = m
	return m, nil
}

// buildBody assembles the request body shared by every generated request.
// InputTokens is an estimate the packer uses for file budgeting; it is
// stripped before upload.
func (o *Orchestrator) buildBody(system, user string) *schemas.RequestBody {
	messages := []schemas.ChatMessage{
		{Role: schemas.ChatRoleSystem, Content: system},
		{Role: schemas.ChatRoleUser, Content: user},
	}
	return &schemas.RequestBody{
		Model:          o.options.Model,
		Messages:       messages,
		Temperature:    o.options.Temperature,
		MaxTokens:      lo.ToPtr(o.options.MaxCompletionTokens),
		ResponseFormat: schemas.JSONResponseFormat(),
		InputTokens:    tokenizer.CountMessages(o.counter, messages),
	}
}

// initiateField creates the sub-document and request rows for a field that
// has never been started on the current text version. Rows are upserted
// before the sub-document is marked dirty, so a crash in between is
// replayed safely on the next advance.
func (o *Orchestrator) initiateField(ctx context.Context, st *advanceState, field schemas.FieldName) error {
	text, err := o.loadText(ctx, st)
	if err != nil {
		return err
	}
	if text == "" {
		o.recordExtractionError(ctx, st.mfr.Etld1, field, "", "scraped text is empty")
		return nil
	}
	chunks, err := o.chunksFor(ctx, st, field)
	if err != nil {
		return err
	}

	kind, _ := schemas.KindOf(field)

	var sub *schemas.DeferredField
	var rows []*schemas.BatchRequest
	switch kind {
	case schemas.FieldKindBinary:
		sub, rows, err = o.buildBinaryField(st.mfr.Etld1, field, chunks)
	case schemas.FieldKindBasic:
		sub, rows, err = o.buildBasicField(st.mfr.Etld1, field, chunks)
	case schemas.FieldKindKeyword:
		sub, rows, err = o.buildKeywordField(st.mfr.Etld1, field, chunks)
	case schemas.FieldKindConcept:
		sub, rows, err = o.buildConceptField(st.mfr.Etld1, field, chunks)
	default:
		err = fmt.Errorf("field %s is not in the catalog", field)
	}
	if err != nil {
		return err
	}

	if _, err := o.requests.BulkUpsertBodies(ctx, rows); err != nil {
		return fmt.Errorf("failed to upsert request rows for %s/%s: %w", st.mfr.Etld1, field, err)
	}
	st.doc.SetField(field, sub)
	st.dirty = true

	o.logger.Debug("initiated field", "etld1", st.mfr.Etld1, "field", field, "requests", len(rows))
	return nil
}

// buildBinaryField targets only the first chunk. The strategy caps binary
// fields at a single chunk of the text head.
func (o *Orchestrator) buildBinaryField(etld1 string, field schemas.FieldName, chunks *chunker.Map) (*schemas.DeferredField, []*schemas.BatchRequest, error) {
	prompt, err := o.prompts.Get(field, schemas.RequestKindChunk)
	if err != nil {
		return nil, nil, err
	}

	span := chunks.Spans()[0]
	id := schemas.NewChunkID(etld1, field, span.Start, span.End)
	row := &schemas.BatchRequest{
		CustomID: id.String(),
		Body:     o.buildBody(prompt.System, chunks.Text(span)),
	}
	sub := &schemas.DeferredField{
		Kind: schemas.FieldKindBinary,
		Binary: &schemas.BinaryState{
			PromptVersionID: prompt.VersionID,
			FinalChunkKey:   span.Key(),
			ChunkRequests:   map[string]string{span.Key(): id.String()},
		},
	}
	return sub, []*schemas.BatchRequest{row}, nil
}

func (o *Orchestrator) buildBasicField(etld1 string, field schemas.FieldName, chunks *chunker.Map) (*schemas.DeferredField, []*schemas.BatchRequest, error) {
	prompt, err := o.prompts.Get(field, schemas.RequestKindChunk)
	if err != nil {
		return nil, nil, err
	}

	span := chunks.Spans()[0]
	id := schemas.NewChunkID(etld1, field, span.Start, span.End)
	row := &schemas.BatchRequest{
		CustomID: id.String(),
		Body:     o.buildBody(prompt.System, chunks.Text(span)),
	}
	sub := &schemas.DeferredField{
		Kind: schemas.FieldKindBasic,
		Basic: &schemas.BasicState{
			PromptVersionID: prompt.VersionID,
			RequestID:       id.String(),
		},
	}
	return sub, []*schemas.BatchRequest{row}, nil
}

func (o *Orchestrator) buildKeywordField(etld1 string, field schemas.FieldName, chunks *chunker.Map) (*schemas.DeferredField, []*schemas.BatchRequest, error) {
	prompt, err := o.prompts.Get(field, schemas.RequestKindChunk)
	if err != nil {
		return nil, nil, err
	}

	chunkRequests := make(map[string]string, chunks.Len())
	rows := make([]*schemas.BatchRequest, 0, chunks.Len())
	for _, span := range chunks.Spans() {
		id := schemas.NewChunkID(etld1, field, span.Start, span.End)
		chunkRequests[span.Key()] = id.String()
		rows = append(rows, &schemas.BatchRequest{
			CustomID: id.String(),
			Body:     o.buildBody(prompt.System, chunks.Text(span)),
		})
	}
	sub := &schemas.DeferredField{
		Kind: schemas.FieldKindKeyword,
		Keyword: &schemas.KeywordState{
			ExtractPromptVersionID: prompt.VersionID,
			ChunkRequests:          chunkRequests,
		},
	}
	return sub, rows, nil
}

// buildConceptField opens the search phase. Brute-force catalog matches are
// computed per chunk at initiation and persisted, so later agreement runs
// against the exact text the search request saw.
func (o *Orchestrator) buildConceptField(etld1 string, field schemas.FieldName, chunks *chunker.Map) (*schemas.DeferredField, []*schemas.BatchRequest, error) {
	prompt, err := o.prompts.Get(field, schemas.RequestKindLLMSearch)
	if err != nil {
		return nil, nil, err
	}

	conceptChunks := make(map[string]schemas.ConceptChunk, chunks.Len())
	rows := make([]*schemas.BatchRequest, 0, chunks.Len())
	for _, span := range chunks.Spans() {
		id := schemas.NewSearchID(etld1, field, span.Start, span.End)
		text := chunks.Text(span)
		conceptChunks[span.Key()] = schemas.ConceptChunk{
			SearchRequestID: id.String(),
			Brute:           o.concepts.BruteMatch(field, text),
		}
		rows = append(rows, &schemas.BatchRequest{
			CustomID: id.String(),
			Body:     o.buildBody(prompt.System, text),
		})
	}
	sub := &schemas.DeferredField{
		Kind: schemas.FieldKindConcept,
		Concept: &schemas.ConceptState{
			SearchPromptVersionID: prompt.VersionID,
			Chunks:                conceptChunks,
		},
	}
	return sub, rows, nil
}

// mappingInput is the user message of a mapping request. A struct keeps the
// serialized form deterministic, so replays rebuild byte-identical bodies.
type mappingInput struct {
	Unknowns []string `json:"unknowns"`
	Knowns   []string `json:"knowns"`
}

func (o *Orchestrator) buildMappingRow(etld1 string, field schemas.FieldName, unknowns []string) (*schemas.BatchRequest, error) {
	prompt, err := o.prompts.Get(field, schemas.RequestKindMapping)
	if err != nil {
		return nil, err
	}
	payload, err := sonic.Marshal(mappingInput{
		Unknowns: unknowns,
		Knowns:   o.concepts.KnownLabels(field),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize mapping input for %s/%s: %w", etld1, field, err)
	}

	id := schemas.NewMappingID(etld1, field)
	return &schemas.BatchRequest{
		CustomID: id.String(),
		Body:     o.buildBody(prompt.System, string(payload)),
	}, nil
}

// replayRequests rebuilds rows the sub-document references but the store no
// longer holds. Bodies are pure functions of the stored custom IDs, so the
// rebuilt rows are equivalent to the lost ones.
func (o *Orchestrator) replayRequests(ctx context.Context, st *advanceState, field schemas.FieldName, rows map[string]*schemas.BatchRequest, missing []string) error {
	rebuilt := make([]*schemas.BatchRequest, 0, len(missing))
	for _, raw := range missing {
		row, err := o.rebuildRequest(ctx, st, field, raw, rows)
		if err != nil {
			o.logger.Warn("cannot rebuild request row", "etld1", st.mfr.Etld1, "custom_id", raw, "error", err)
			continue
		}
		rebuilt = append(rebuilt, row)
	}
	if len(rebuilt) == 0 {
		return nil
	}

	if _, err := o.requests.BulkUpsertBodies(ctx, rebuilt); err != nil {
		return fmt.Errorf("failed to replay request rows for %s/%s: %w", st.mfr.Etld1, field, err)
	}
	o.logger.Info("replayed missing request rows", "etld1", st.mfr.Etld1, "field", field, "count", len(rebuilt))
	return nil
}

func (o *Orchestrator) rebuildRequest(ctx context.Context, st *advanceState, field schemas.FieldName, raw string, rows map[string]*schemas.BatchRequest) (*schemas.BatchRequest, error) {
	id, err := schemas.ParseCustomID(raw)
	if err != nil {
		o.recordExtractionError(ctx, st.mfr.Etld1, field, raw, fmt.Sprintf("stored request ID is malformed: %v", err))
		return nil, err
	}

	if id.Kind == schemas.RequestKindMapping {
		// Mapping inputs derive from the resolved search rows. If one of
		// those is itself missing, this replay round rebuilds it and the
		// mapping row follows on the next advance.
		sub := st.doc.Field(field)
		if sub == nil || sub.Concept == nil {
			return nil, fmt.Errorf("mapping request without concept state")
		}
		agreed, err := o.computeAgreement(field, sub.Concept, rows)
		if err != nil {
			return nil, err
		}
		return o.buildMappingRow(st.mfr.Etld1, field, agreed.unknowns)
	}

	text, err := o.loadText(ctx, st)
	if err != nil {
		return nil, err
	}
	if id.Start < 0 || id.Start > id.End || id.End > len(text) {
		return nil, fmt.Errorf("chunk %d:%d is out of bounds for %d bytes of text", id.Start, id.End, len(text))
	}

	promptKind := schemas.RequestKindChunk
	if id.Kind == schemas.RequestKindLLMSearch {
		promptKind = schemas.RequestKindLLMSearch
	}
	prompt, err := o.prompts.Get(field, promptKind)
	if err != nil {
		return nil, err
	}
	return &schemas.BatchRequest{
		CustomID: raw,
		Body:     o.buildBody(prompt.System, text[id.Start:id.End]),
	}, nil
}
