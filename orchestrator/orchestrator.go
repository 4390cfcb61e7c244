// Package orchestrator advances manufacturers through the per-field
// enrichment state machine: it initiates requests for uninitiated fields,
// replays rows lost to crashes, issues the concept mapping phase, and
// materializes resolved responses into results.
//
// Advance is idempotent. Every derived key is a pure function of the
// scraped text and the prompt catalog, every request insert is an upsert by
// custom ID, and every result write is guarded by the store, so re-running
// it over identical state is a no-op.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/getcaravan/caravan/blobstore"
	"github.com/getcaravan/caravan/chunker"
	"github.com/getcaravan/caravan/mfgstore"
	"github.com/getcaravan/caravan/ontology"
	"github.com/getcaravan/caravan/prompts"
	"github.com/getcaravan/caravan/requeststore"
	"github.com/getcaravan/caravan/schemas"
	"github.com/getcaravan/caravan/telemetry"
	"github.com/getcaravan/caravan/tokenizer"
)

const (
	// DefaultModel is the model generated requests run against.
	DefaultModel = "gpt-5-mini"

	// DefaultMaxCompletionTokens caps completion length on generated
	// requests. Mapping responses over large catalogs are the widest.
	DefaultMaxCompletionTokens = 4096
)

// Options tunes the requests the orchestrator generates.
type Options struct {
	Model string `json:"model,omitempty"`

	// Temperature is forwarded verbatim when set; nil leaves the provider
	// default.
	Temperature *float64 `json:"temperature,omitempty"`

	MaxCompletionTokens int `json:"max_completion_tokens,omitempty"`
}

func (o *Options) checkAndSetDefaults() {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.MaxCompletionTokens <= 0 {
		o.MaxCompletionTokens = DefaultMaxCompletionTokens
	}
}

// Dependencies carries the collaborators an Orchestrator works against.
type Dependencies struct {
	Manufacturers mfgstore.Store
	Requests      requeststore.Store
	Blobs         blobstore.Fetcher
	Concepts      *ontology.Catalog
	Prompts       *prompts.Catalog
	Counter       tokenizer.Counter
	Logger        schemas.Logger
	Metrics       *telemetry.Metrics
}

// Orchestrator drives one manufacturer at a time. Instances are stateless
// across calls and safe for concurrent use on distinct manufacturers.
type Orchestrator struct {
	manufacturers mfgstore.Store
	requests      requeststore.Store
	blobs         blobstore.Fetcher
	concepts      *ontology.Catalog
	prompts       *prompts.Catalog
	counter       tokenizer.Counter
	options       Options
	logger        schemas.Logger
	metrics       *telemetry.Metrics
}

// New creates an orchestrator.
func New(deps Dependencies, options Options) *Orchestrator {
	options.checkAndSetDefaults()
	return &Orchestrator{
		manufacturers: deps.Manufacturers,
		requests:      deps.Requests,
		blobs:         deps.Blobs,
		concepts:      deps.Concepts,
		prompts:       deps.Prompts,
		counter:       deps.Counter,
		options:       options,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
	}
}

// advanceState carries the per-call working set: the manufacturer, its
// deferred document, and lazily loaded text and chunk maps shared by every
// field of the walk.
type advanceState struct {
	mfr *schemas.Manufacturer
	doc *schemas.DeferredManufacturer

	text       string
	textLoaded bool
	chunkMaps  map[schemas.ChunkStrategy]*chunker.Map

	// dirty marks the deferred document as needing a save at the end of
	// the walk.
	dirty bool
}

// Advance walks every field of one manufacturer in the fixed processing
// order and moves each as far as its request state allows.
func (o *Orchestrator) Advance(ctx context.Context, etld1 string) error {
	mfr, err := o.manufacturers.GetManufacturer(ctx, etld1)
	if errors.Is(err, mfgstore.ErrNotFound) {
		o.logger.Warn("advance requested for unknown manufacturer", "etld1", etld1)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load manufacturer %s: %w", etld1, err)
	}
	if mfr.ScrapedTextFileVersionID == "" {
		o.logger.Warn("manufacturer has no scraped text, skipping", "etld1", etld1)
		return nil
	}

	// Replay paths for past finalizations. Both are idempotent.
	if mfr.IsManufacturer != nil && !mfr.IsManufacturer.Answer {
		return o.finalize(ctx, mfr, "not_a_manufacturer")
	}
	if mfr.AllFieldsSet() {
		return o.finalize(ctx, mfr, "all_fields_resolved")
	}

	doc, err := o.manufacturers.GetDeferred(ctx, etld1, mfr.ScrapedTextFileVersionID)
	if errors.Is(err, mfgstore.ErrNotFound) {
		// First advance for this text version.
		doc = &schemas.DeferredManufacturer{
			Etld1:                    etld1,
			ScrapedTextFileVersionID: mfr.ScrapedTextFileVersionID,
			TextTokens:               mfr.TextTokens,
		}
	} else if err != nil {
		return fmt.Errorf("failed to load deferred state for %s: %w", etld1, err)
	}

	st := &advanceState{
		mfr:       mfr,
		doc:       doc,
		chunkMaps: make(map[schemas.ChunkStrategy]*chunker.Map),
	}

	for _, field := range schemas.FieldOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		if mfr.FieldIsSet(field) {
			continue
		}
		gateClosed, err := o.stepField(ctx, st, field)
		if err != nil {
			return err
		}
		if gateClosed {
			return o.finalize(ctx, mfr, "not_a_manufacturer")
		}
	}

	if mfr.AllFieldsSet() {
		return o.finalize(ctx, mfr, "all_fields_resolved")
	}
	if st.dirty {
		if err := o.manufacturers.SaveDeferred(ctx, doc); err != nil {
			return fmt.Errorf("failed to save deferred state for %s: %w", etld1, err)
		}
	}
	return nil
}

// stepField moves one field forward by a single step. It reports
// gateClosed=true when is_manufacturer materialized to false, which ends
// the walk.
func (o *Orchestrator) stepField(ctx context.Context, st *advanceState, field schemas.FieldName) (bool, error) {
	sub := st.doc.Field(field)
	if sub == nil {
		return false, o.initiateField(ctx, st, field)
	}

	ids := sub.RequestIDs()
	rows, err := o.requests.FindByCustomIDs(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("failed to load request rows for %s/%s: %w", st.mfr.Etld1, field, err)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := rows[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return false, o.replayRequests(ctx, st, field, rows, missing)
	}

	for _, row := range rows {
		if !row.IsResolved() {
			// Pending or in flight; nothing to do until ingestion.
			return false, nil
		}
	}

	if sub.Concept != nil && sub.Concept.MappingRequestID == "" {
		return false, o.initiateMapping(ctx, st, field, sub, rows)
	}
	return o.materializeField(ctx, st, field, sub, rows)
}

// finalize deletes the deferred document and garbage collects every request
// row of the manufacturer. Safe to replay.
func (o *Orchestrator) finalize(ctx context.Context, mfr *schemas.Manufacturer, reason string) error {
	if err := o.manufacturers.DeleteDeferred(ctx, mfr.Etld1, mfr.ScrapedTextFileVersionID); err != nil {
		return fmt.Errorf("failed to delete deferred state for %s: %w", mfr.Etld1, err)
	}
	for _, field := range schemas.FieldOrder {
		if _, err := o.requests.DeleteByPrefix(ctx, mfr.Etld1, field); err != nil {
			return fmt.Errorf("failed to collect requests for %s/%s: %w", mfr.Etld1, field, err)
		}
	}
	o.metrics.ManufacturersFinalizedTotal.Inc()
	o.logger.Info("manufacturer finalized", "etld1", mfr.Etld1, "reason", reason)
	return nil
}

// writeResult persists one materialized result and mirrors it onto the
// in-memory manufacturer so the walk sees it as resolved.
func (o *Orchestrator) writeResult(ctx context.Context, st *advanceState, field schemas.FieldName, result any) error {
	payload, err := sonic.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize %s result: %w", field, err)
	}

	err = o.manufacturers.SetResultField(ctx, st.mfr.Etld1, field, payload)
	if errors.Is(err, mfgstore.ErrFieldAlreadySet) {
		// A concurrent or replayed advance got here first. First write wins.
		o.logger.Debug("result already written", "etld1", st.mfr.Etld1, "field", field)
	} else if err != nil {
		return fmt.Errorf("failed to write %s result for %s: %w", field, st.mfr.Etld1, err)
	}

	if err := applyResult(st.mfr, field, result); err != nil {
		return err
	}
	st.doc.ClearField(field)
	st.dirty = true

	o.metrics.FieldsMaterializedTotal.WithLabelValues(string(field)).Inc()
	o.logger.Info("materialized field", "etld1", st.mfr.Etld1, "field", field)
	return nil
}

func applyResult(m *schemas.Manufacturer, field schemas.FieldName, result any) error {
	mismatch := func() error {
		return fmt.Errorf("result type %T does not fit field %s", result, field)
	}
	switch field {
	case schemas.FieldIsManufacturer, schemas.FieldIsContractManufacturer, schemas.FieldIsProductManufacturer:
		binary, ok := result.(*schemas.BinaryResult)
		if !ok {
			return mismatch()
		}
		switch field {
		case schemas.FieldIsManufacturer:
			m.IsManufacturer = binary
		case schemas.FieldIsContractManufacturer:
			m.IsContractManufacturer = binary
		default:
			m.IsProductManufacturer = binary
		}
	case schemas.FieldAddresses:
		addresses, ok := result.(*schemas.AddressesResult)
		if !ok {
			return mismatch()
		}
		m.Addresses = addresses
	case schemas.FieldBusinessDesc:
		desc, ok := result.(*schemas.BusinessDescResult)
		if !ok {
			return mismatch()
		}
		m.BusinessDesc = desc
	case schemas.FieldProducts:
		keywords, ok := result.(*schemas.KeywordResult)
		if !ok {
			return mismatch()
		}
		m.Products = keywords
	case schemas.FieldCertificates, schemas.FieldIndustries, schemas.FieldProcessCaps, schemas.FieldMaterialCaps:
		concept, ok := result.(*schemas.ConceptResult)
		if !ok {
			return mismatch()
		}
		switch field {
		case schemas.FieldCertificates:
			m.Certificates = concept
		case schemas.FieldIndustries:
			m.Industries = concept
		case schemas.FieldProcessCaps:
			m.ProcessCaps = concept
		default:
			m.MaterialCaps = concept
		}
	default:
		return fmt.Errorf("unknown field %s", field)
	}
	return nil
}

// recordExtractionError persists a parse or validation failure for operator
// review. The field stays deferred; no request is reissued automatically.
func (o *Orchestrator) recordExtractionError(ctx context.Context, etld1 string, field schemas.FieldName, requestID, reason string) {
	o.metrics.ExtractionErrorsTotal.WithLabelValues(string(field)).Inc()
	o.logger.Warn("extraction error", "etld1", etld1, "field", field, "request_id", requestID, "reason", reason)

	row := &mfgstore.TableExtractionError{
		Etld1:     etld1,
		Field:     string(field),
		RequestID: requestID,
		Reason:    reason,
	}
	if err := o.manufacturers.RecordExtractionError(ctx, row); err != nil {
		o.logger.Error("failed to record extraction error", "etld1", etld1, "error", err)
	}
}
