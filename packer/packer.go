// Package packer groups the pending requests of deferred manufacturers into
// JSONL batch input files. Files respect per-file request, token, and byte
// limits; a manufacturer's requests always land in exactly one file.
package packer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/samber/lo"

	"github.com/getcaravan/caravan/mfgstore"
	"github.com/getcaravan/caravan/requeststore"
	"github.com/getcaravan/caravan/schemas"
	"github.com/getcaravan/caravan/telemetry"
)

// deferredPageSize is how many deferred documents each store page holds.
const deferredPageSize = 200

// Skip reasons used for logging and metrics.
const (
	skipReasonNoTextVersion  = "no_text_version"
	skipReasonValidation     = "validation"
	skipReasonMissingRequest = "missing_request"
	skipReasonOversized      = "oversized"
)

// Packer drains deferred manufacturers smallest-text-first into files.
type Packer struct {
	manufacturers mfgstore.Store
	requests      requeststore.Store
	logger        schemas.Logger
	metrics       *telemetry.Metrics
}

// New creates a packer over the two stores.
func New(manufacturers mfgstore.Store, requests requeststore.Store, logger schemas.Logger, metrics *telemetry.Metrics) *Packer {
	return &Packer{
		manufacturers: manufacturers,
		requests:      requests,
		logger:        logger,
		metrics:       metrics,
	}
}

// bundle is one manufacturer's packable requests, serialized and accounted.
type bundle struct {
	etld1 string
	ids   []string
	lines [][]byte
	// tokens is the summed input token estimate of the lines.
	tokens int64
	// size is the encoded byte size of the lines, trailing newlines included.
	size int64
}

// Pack runs one packing pass and reports what it produced. Runs that find
// no packable work produce no run directory.
func (p *Packer) Pack(ctx context.Context, opts PackOptions) (*PackResult, error) {
	opts.checkAndSetDefaults()

	writer := newRunWriter(opts.OutputDir, time.Now().UTC().Format(runStampLayout), opts.FilePrefix)
	result := &PackResult{}
	stopped := false

	offset := 0
	for !stopped {
		docs, err := p.manufacturers.ListDeferredByTextSize(ctx, opts.TextTokenCap, deferredPageSize, offset)
		if err != nil {
			writer.abort()
			return nil, fmt.Errorf("failed to list deferred manufacturers: %w", err)
		}
		if len(docs) == 0 {
			break
		}

		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				writer.abort()
				return nil, err
			}

			b, ok, err := p.harvest(ctx, doc, result)
			if err != nil {
				writer.abort()
				return nil, err
			}
			if !ok {
				continue
			}

			stopped, err = p.place(writer, b, opts, result)
			if err != nil {
				writer.abort()
				return nil, err
			}
			if stopped {
				break
			}
		}

		if len(docs) < deferredPageSize {
			break
		}
		offset += len(docs)
	}

	if err := writer.closeCurrent(); err != nil {
		return nil, err
	}
	if err := writer.finalize(result); err != nil {
		return nil, err
	}

	for _, file := range result.Files {
		p.metrics.FilesPackedTotal.Inc()
		p.metrics.ManufacturersPackedTotal.Add(float64(file.Manufacturers))
		p.metrics.RequestsPackedTotal.Add(float64(file.Requests))
		p.logger.Info("packed batch input file",
			"file", file.Path, "manufacturers", file.Manufacturers,
			"requests", file.Requests, "tokens", file.Tokens)
	}
	return result, nil
}

// harvest validates one deferred manufacturer and serializes its pending
// requests. ok is false when the manufacturer contributes nothing this run.
func (p *Packer) harvest(ctx context.Context, doc *schemas.DeferredManufacturer, result *PackResult) (*bundle, bool, error) {
	if doc.ScrapedTextFileVersionID == "" {
		p.skip(result, doc.Etld1, skipReasonNoTextVersion, "deferred document has no text version")
		return nil, false, nil
	}

	mfr, err := p.manufacturers.GetManufacturer(ctx, doc.Etld1)
	if errors.Is(err, mfgstore.ErrNotFound) {
		result.ValidationErrors = append(result.ValidationErrors, ValidationError{
			Etld1:  doc.Etld1,
			Reason: "deferred document has no manufacturer row",
		})
		p.skip(result, doc.Etld1, skipReasonValidation, "deferred document has no manufacturer row")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load manufacturer %s: %w", doc.Etld1, err)
	}

	// Every field must be either resolved on the manufacturer or tracked in
	// the deferred document. Anything else is stored-state inconsistency.
	valid := true
	for _, field := range schemas.FieldOrder {
		if !mfr.FieldIsSet(field) && doc.Field(field) == nil {
			result.ValidationErrors = append(result.ValidationErrors, ValidationError{
				Etld1:  doc.Etld1,
				Field:  field,
				Reason: "field neither resolved nor deferred",
			})
			valid = false
		}
	}
	if !valid {
		p.skip(result, doc.Etld1, skipReasonValidation, "field neither resolved nor deferred")
		return nil, false, nil
	}

	ids := lo.Uniq(doc.RequestIDs())
	if len(ids) == 0 {
		return nil, false, nil
	}

	rows, err := p.requests.FindByCustomIDs(ctx, ids)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load request rows for %s: %w", doc.Etld1, err)
	}

	var missing []string
	b := &bundle{etld1: doc.Etld1}
	for _, id := range ids {
		row, found := rows[id]
		if !found {
			missing = append(missing, id)
			continue
		}
		if !row.IsPending() {
			// In flight or already resolved; not packable.
			continue
		}

		line, err := sonic.Marshal(row.Body.ToBatchItem(row.CustomID))
		if err != nil {
			result.ValidationErrors = append(result.ValidationErrors, ValidationError{
				Etld1:  doc.Etld1,
				Reason: fmt.Sprintf("request %s failed to serialize: %v", id, err),
			})
			p.skip(result, doc.Etld1, skipReasonValidation, "request failed to serialize")
			return nil, false, nil
		}
		b.ids = append(b.ids, id)
		b.lines = append(b.lines, line)
		b.tokens += int64(row.InputTokens())
		b.size += int64(len(line)) + 1
	}

	if len(missing) > 0 {
		result.Missing = append(result.Missing, MissingRequest{Etld1: doc.Etld1, CustomIDs: missing})
		p.skip(result, doc.Etld1, skipReasonMissingRequest,
			fmt.Sprintf("%d referenced requests not found", len(missing)))
		return nil, false, nil
	}
	if len(b.ids) == 0 {
		// Everything referenced is already in flight or resolved.
		return nil, false, nil
	}
	return b, true, nil
}

// place routes a bundle into the open file, rotating when it does not fit.
// Returns stopped=true when rotation would exceed MaxFiles; the bundle stays
// pending for the next run.
func (p *Packer) place(writer *runWriter, b *bundle, opts PackOptions, result *PackResult) (bool, error) {
	if p.oversized(b, opts) {
		p.skip(result, b.etld1, skipReasonOversized,
			fmt.Sprintf("%d requests, %d tokens, %d bytes exceed per-file limits",
				len(b.ids), b.tokens, b.size))
		return false, nil
	}

	if writer.current != nil && !p.fits(writer.current, b, opts) {
		if err := writer.closeCurrent(); err != nil {
			return false, err
		}
		if opts.MaxFiles > 0 && writer.opened >= opts.MaxFiles {
			return true, nil
		}
	}
	if writer.current == nil {
		if err := writer.openNext(); err != nil {
			return false, err
		}
	}
	return false, writer.writeBundle(b)
}

// oversized reports whether the bundle alone violates a per-file limit.
func (p *Packer) oversized(b *bundle, opts PackOptions) bool {
	if len(b.ids) > opts.MaxRequestsPerFile {
		return true
	}
	if opts.MaxTokensPerFile > 0 && b.tokens > opts.MaxTokensPerFile {
		return true
	}
	return b.size > opts.MaxFileSizeBytes
}

// fits reports whether the bundle fits into the open file.
func (p *Packer) fits(cur *openFile, b *bundle, opts PackOptions) bool {
	if cur.manifest.Requests+len(b.ids) > opts.MaxRequestsPerFile {
		return false
	}
	if opts.MaxTokensPerFile > 0 && cur.manifest.Tokens+b.tokens > opts.MaxTokensPerFile {
		return false
	}
	return cur.size+b.size <= opts.MaxFileSizeBytes
}

func (p *Packer) skip(result *PackResult, etld1, reason, detail string) {
	result.Skipped++
	p.metrics.ManufacturersSkippedTotal.WithLabelValues(reason).Inc()
	p.logger.Warn("skipping manufacturer", "etld1", etld1, "reason", reason, "detail", detail)
}
