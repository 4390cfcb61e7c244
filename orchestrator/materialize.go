package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/getcaravan/caravan/ontology"
	"github.com/getcaravan/caravan/schemas"
)

// parseError is a data-shaped failure tied to one request row. It routes to
// the extraction error table rather than failing the advance.
type parseError struct {
	requestID string
	err       error
}

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

func parseFailure(requestID string, format string, args ...any) *parseError {
	return &parseError{requestID: requestID, err: fmt.Errorf(format, args...)}
}

// materializeField turns a fully resolved field into a result. Parse and
// validation failures are recorded and leave the field deferred for an
// operator; they never fail the advance.
func (o *Orchestrator) materializeField(ctx context.Context, st *advanceState, field schemas.FieldName, sub *schemas.DeferredField, rows map[string]*schemas.BatchRequest) (bool, error) {
	var result any
	var err error
	switch {
	case sub.Binary != nil:
		result, err = o.materializeBinary(sub.Binary, rows)
	case sub.Basic != nil && field == schemas.FieldAddresses:
		result, err = o.materializeAddresses(st.mfr.Etld1, sub.Basic, rows)
	case sub.Basic != nil:
		result, err = o.materializeBusinessDesc(sub.Basic, rows)
	case sub.Keyword != nil:
		result, err = o.materializeKeyword(sub.Keyword, rows)
	case sub.Concept != nil:
		result, err = o.materializeConcept(field, sub.Concept, rows)
	default:
		err = parseFailure("", "deferred field %s has no variant", field)
	}
	if err != nil {
		var pe *parseError
		requestID := ""
		if errors.As(err, &pe) {
			requestID = pe.requestID
		}
		o.recordExtractionError(ctx, st.mfr.Etld1, field, requestID, err.Error())
		return false, nil
	}

	if err := o.writeResult(ctx, st, field, result); err != nil {
		return false, err
	}
	if field == schemas.FieldIsManufacturer {
		if binary, ok := result.(*schemas.BinaryResult); ok && !binary.Answer {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) materializeBinary(state *schemas.BinaryState, rows map[string]*schemas.BatchRequest) (*schemas.BinaryResult, error) {
	requestID := state.ChunkRequests[state.FinalChunkKey]
	content, err := resolvedContent(requestID, rows)
	if err != nil {
		return nil, err
	}

	var answer struct {
		Answer     *bool   `json:"answer"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := sonic.UnmarshalString(content, &answer); err != nil {
		return nil, parseFailure(requestID, "malformed binary answer: %v", err)
	}
	if answer.Answer == nil {
		return nil, parseFailure(requestID, "binary answer is missing the answer key")
	}

	return &schemas.BinaryResult{
		Answer:     *answer.Answer,
		Confidence: answer.Confidence,
		Reason:     answer.Reason,
		Stats: schemas.BinaryStats{
			PromptVersionID: state.PromptVersionID,
			ChunkKey:        state.FinalChunkKey,
		},
	}, nil
}

func (o *Orchestrator) materializeAddresses(etld1 string, state *schemas.BasicState, rows map[string]*schemas.BatchRequest) (*schemas.AddressesResult, error) {
	content, err := resolvedContent(state.RequestID, rows)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Addresses []schemas.Address `json:"addresses"`
	}
	if err := sonic.UnmarshalString(content, &payload); err != nil {
		return nil, parseFailure(state.RequestID, "malformed addresses answer: %v", err)
	}

	// Invalid entries are dropped, not fatal. A partially usable answer
	// still materializes.
	valid := make([]schemas.Address, 0, len(payload.Addresses))
	dropped := 0
	for _, addr := range payload.Addresses {
		if err := addr.Validate(); err != nil {
			dropped++
			o.logger.Warn("dropping invalid address", "etld1", etld1, "reason", err)
			continue
		}
		valid = append(valid, addr)
	}

	return &schemas.AddressesResult{
		Addresses: valid,
		Dropped:   dropped,
		Stats: schemas.BasicStats{
			PromptVersionID: state.PromptVersionID,
			ChunkKey:        chunkKeyOf(state.RequestID),
		},
	}, nil
}

func (o *Orchestrator) materializeBusinessDesc(state *schemas.BasicState, rows map[string]*schemas.BatchRequest) (*schemas.BusinessDescResult, error) {
	content, err := resolvedContent(state.RequestID, rows)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := sonic.UnmarshalString(content, &payload); err != nil {
		return nil, parseFailure(state.RequestID, "malformed business description answer: %v", err)
	}
	if strings.TrimSpace(payload.Description) == "" {
		return nil, parseFailure(state.RequestID, "business description answer is empty")
	}

	return &schemas.BusinessDescResult{
		Name:        payload.Name,
		Description: payload.Description,
		Stats: schemas.BasicStats{
			PromptVersionID: state.PromptVersionID,
			ChunkKey:        chunkKeyOf(state.RequestID),
		},
	}, nil
}

func (o *Orchestrator) materializeKeyword(state *schemas.KeywordState, rows map[string]*schemas.BatchRequest) (*schemas.KeywordResult, error) {
	union := make(map[string]struct{})
	counts := make(map[string]int, len(state.ChunkRequests))

	for chunkKey, requestID := range state.ChunkRequests {
		content, err := resolvedContent(requestID, rows)
		if err != nil {
			return nil, err
		}
		labels, err := parseLabelList(content)
		if err != nil {
			return nil, parseFailure(requestID, "chunk %s: %v", chunkKey, err)
		}
		counts[chunkKey] = len(labels)
		for _, label := range labels {
			if trimmed := strings.TrimSpace(label); trimmed != "" {
				union[trimmed] = struct{}{}
			}
		}
	}

	return &schemas.KeywordResult{
		Results: sortedSet(union),
		Stats: schemas.KeywordStats{
			PromptVersionID: state.ExtractPromptVersionID,
			ChunkCounts:     counts,
		},
	}, nil
}

// agreement is the outcome of crossing per-chunk brute matches with the
// search responses.
type agreement struct {
	// agreed holds catalog pref labels confirmed by both sides.
	agreed map[string]struct{}
	// unknowns holds normalized labels only the search phase produced,
	// deduplicated and sorted.
	unknowns   []string
	chunkStats map[string]schemas.ConceptChunkStat
}

// computeAgreement is pure over the persisted state and the resolved search
// rows, so replays and the mapping rebuild reach identical conclusions.
func (o *Orchestrator) computeAgreement(field schemas.FieldName, state *schemas.ConceptState, rows map[string]*schemas.BatchRequest) (*agreement, error) {
	agreed := make(map[string]struct{})
	unknownSet := make(map[string]struct{})
	stats := make(map[string]schemas.ConceptChunkStat, len(state.Chunks))

	for chunkKey, chunk := range state.Chunks {
		content, err := resolvedContent(chunk.SearchRequestID, rows)
		if err != nil {
			return nil, err
		}
		labels, err := parseLabelList(content)
		if err != nil {
			return nil, parseFailure(chunk.SearchRequestID, "chunk %s: %v", chunkKey, err)
		}

		bruteSet := make(map[string]struct{}, len(chunk.Brute))
		for _, label := range chunk.Brute {
			bruteSet[label] = struct{}{}
		}

		chunkAgreed := make(map[string]struct{})
		for _, label := range labels {
			if concept, ok := o.concepts.LookupLabel(field, label); ok {
				if _, hit := bruteSet[concept.PrefLabel]; hit {
					agreed[concept.PrefLabel] = struct{}{}
					chunkAgreed[concept.PrefLabel] = struct{}{}
					continue
				}
			}
			if normalized := ontology.Normalize(label); normalized != "" {
				unknownSet[normalized] = struct{}{}
			}
		}
		stats[chunkKey] = schemas.ConceptChunkStat{
			LLMLabels: len(labels),
			Agreed:    len(chunkAgreed),
		}
	}

	return &agreement{
		agreed:     agreed,
		unknowns:   sortedSet(unknownSet),
		chunkStats: stats,
	}, nil
}

// initiateMapping opens the concept mapping phase once every search row has
// resolved. When agreement leaves nothing unknown, the field materializes
// directly and no mapping request is issued.
func (o *Orchestrator) initiateMapping(ctx context.Context, st *advanceState, field schemas.FieldName, sub *schemas.DeferredField, rows map[string]*schemas.BatchRequest) error {
	agreed, err := o.computeAgreement(field, sub.Concept, rows)
	if err != nil {
		var pe *parseError
		requestID := ""
		if errors.As(err, &pe) {
			requestID = pe.requestID
		}
		o.recordExtractionError(ctx, st.mfr.Etld1, field, requestID, err.Error())
		return nil
	}

	if len(agreed.unknowns) == 0 {
		result := &schemas.ConceptResult{
			Results:     sortedSet(agreed.agreed),
			UnmappedLLM: []string{},
			Stats: schemas.ConceptStats{
				SearchPromptVersionID: sub.Concept.SearchPromptVersionID,
				ChunkStats:            agreed.chunkStats,
			},
		}
		return o.writeResult(ctx, st, field, result)
	}

	prompt, err := o.prompts.Get(field, schemas.RequestKindMapping)
	if err != nil {
		return err
	}
	row, err := o.buildMappingRow(st.mfr.Etld1, field, agreed.unknowns)
	if err != nil {
		return err
	}
	if _, err := o.requests.BulkUpsertBodies(ctx, []*schemas.BatchRequest{row}); err != nil {
		return fmt.Errorf("failed to upsert mapping request for %s/%s: %w", st.mfr.Etld1, field, err)
	}

	sub.Concept.MappingRequestID = row.CustomID
	sub.Concept.MappingPromptVersionID = prompt.VersionID
	st.dirty = true

	o.logger.Debug("initiated mapping phase", "etld1", st.mfr.Etld1, "field", field, "unknowns", len(agreed.unknowns))
	return nil
}

func (o *Orchestrator) materializeConcept(field schemas.FieldName, state *schemas.ConceptState, rows map[string]*schemas.BatchRequest) (*schemas.ConceptResult, error) {
	agreed, err := o.computeAgreement(field, state, rows)
	if err != nil {
		return nil, err
	}

	results := make(map[string]struct{}, len(agreed.agreed))
	for label := range agreed.agreed {
		results[label] = struct{}{}
	}
	unmapped := make(map[string]struct{})

	if state.MappingRequestID != "" {
		content, err := resolvedContent(state.MappingRequestID, rows)
		if err != nil {
			return nil, err
		}
		var payload struct {
			Mapping map[string]*string `json:"mapping"`
		}
		if err := sonic.UnmarshalString(content, &payload); err != nil {
			return nil, parseFailure(state.MappingRequestID, "malformed mapping answer: %v", err)
		}

		unknownSet := make(map[string]struct{}, len(agreed.unknowns))
		for _, unknown := range agreed.unknowns {
			unknownSet[unknown] = struct{}{}
		}

		covered := make(map[string]struct{}, len(payload.Mapping))
		for unknown, known := range payload.Mapping {
			normalized := ontology.Normalize(unknown)
			if _, ok := unknownSet[normalized]; !ok {
				o.logger.Warn("mapping answer names a label that was never asked", "field", field, "label", unknown)
				continue
			}
			covered[normalized] = struct{}{}

			if known == nil || *known == "" {
				unmapped[normalized] = struct{}{}
				continue
			}
			concept, ok := o.concepts.LookupLabel(field, *known)
			if !ok {
				o.logger.Warn("mapping answer targets a label outside the catalog", "field", field, "label", *known)
				unmapped[normalized] = struct{}{}
				continue
			}
			results[concept.PrefLabel] = struct{}{}
		}

		// Unknowns the answer skipped stay visible for review.
		for _, unknown := range agreed.unknowns {
			if _, ok := covered[unknown]; !ok {
				unmapped[unknown] = struct{}{}
			}
		}
	}

	return &schemas.ConceptResult{
		Results:     sortedSet(results),
		UnmappedLLM: sortedSet(unmapped),
		Stats: schemas.ConceptStats{
			SearchPromptVersionID:  state.SearchPromptVersionID,
			MappingPromptVersionID: state.MappingPromptVersionID,
			ChunkStats:             agreed.chunkStats,
		},
	}, nil
}

// resolvedContent extracts the assistant text of a resolved row, shaping
// every failure as a parseError tied to the request.
func resolvedContent(requestID string, rows map[string]*schemas.BatchRequest) (string, error) {
	row, ok := rows[requestID]
	if !ok || row == nil {
		return "", parseFailure(requestID, "request row %s is missing", requestID)
	}
	if !row.IsResolved() {
		return "", parseFailure(requestID, "request row %s is not resolved", requestID)
	}
	content, err := row.Response.ContentText()
	if err != nil {
		return "", &parseError{requestID: requestID, err: err}
	}
	return content, nil
}

// parseLabelList reads an object of string lists ({"labels": [...]},
// {"products": [...]}) and unions every value.
func parseLabelList(content string) ([]string, error) {
	var payload map[string][]string
	if err := sonic.UnmarshalString(content, &payload); err != nil {
		return nil, fmt.Errorf("expected an object of string lists: %w", err)
	}

	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var labels []string
	for _, key := range keys {
		labels = append(labels, payload[key]...)
	}
	return labels, nil
}

func chunkKeyOf(requestID string) string {
	id, err := schemas.ParseCustomID(requestID)
	if err != nil {
		return ""
	}
	return id.ChunkKey()
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for item := range set {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
