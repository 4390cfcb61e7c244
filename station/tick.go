package station

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getcaravan/caravan/batchstore"
	"github.com/getcaravan/caravan/packer"
	"github.com/getcaravan/caravan/providers/openai"
	"github.com/getcaravan/caravan/requeststore"
	"github.com/getcaravan/caravan/schemas"
)

// tick runs one reconciliation pass over a key. Steps run in a fixed
// order; an error ends the tick early and the next tick starts over from
// sync. Every step is idempotent.
func (s *Station) tick(ctx context.Context, state *keyState) error {
	if time.Now().Before(state.availableAt) {
		s.logger.Debug("key cooling down", "key", state.key.Label, "until", state.availableAt.Format(time.RFC3339))
		return nil
	}

	snap, err := s.sync(ctx, state)
	if err != nil {
		return err
	}

	for _, row := range snap.finished {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.ingest(ctx, state, row); err != nil {
			return err
		}
	}
	for _, row := range snap.dead {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.recycle(ctx, state, row); err != nil {
			return err
		}
	}

	if state.tokensInUse > 0 || snap.inFlight > 0 {
		s.logger.Debug("key busy, skipping batch creation",
			"key", state.key.Label, "tokens_in_use", state.tokensInUse, "in_flight", snap.inFlight)
		return nil
	}
	if time.Now().Before(state.availableAt) {
		return nil
	}
	return s.create(ctx, state)
}

// tickSnapshot is the routing census sync takes over one key's batches.
type tickSnapshot struct {
	// finished holds unprocessed batches with output to ingest.
	finished []*batchstore.TableBatch
	// dead holds unprocessed batches whose requests must be recycled.
	dead []*batchstore.TableBatch
	// inFlight counts batches the provider is still working on, plus any
	// store rows the listing no longer covers.
	inFlight int
}

// sync reconciles the local batch ledger against the provider listing and
// rebuilds the key's token usage from the unprocessed rows.
func (s *Station) sync(ctx context.Context, state *keyState) (*tickSnapshot, error) {
	var remote []schemas.Batch
	err := s.withRetries(ctx, state.key.Label, "batch list", func() error {
		var callErr error
		remote, callErr = s.provider.BatchListAll(ctx, state.key.Value)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list provider batches: %w", err)
	}

	listed := make(map[string]struct{}, len(remote))
	for i := range remote {
		batch := &remote[i]
		listed[batch.ID] = struct{}{}
		if batch.Metadata[schemas.MetadataSource] != SourceName {
			continue
		}
		if err := s.batches.Upsert(ctx, batchstore.NewTableBatch(batch, state.key.Label)); err != nil {
			return nil, fmt.Errorf("failed to upsert batch %s: %w", batch.ID, err)
		}
	}

	unprocessed, err := s.batches.ListUnprocessedByKey(ctx, state.key.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed batches: %w", err)
	}

	snap := &tickSnapshot{}
	var tokens int64
	for _, row := range unprocessed {
		tokens += row.TotalTokens
		if _, ok := listed[row.ExternalBatchID]; !ok {
			// The provider no longer reports this batch. Leave the row
			// alone for an operator; its tokens stay held.
			s.logger.Warn("stored batch missing from provider listing",
				"key", state.key.Label, "batch_id", row.ExternalBatchID, "status", row.Status)
			snap.inFlight++
			continue
		}
		status := row.BatchStatus()
		switch {
		case status.HasOutput():
			snap.finished = append(snap.finished, row)
		case deadStatus(status):
			snap.dead = append(snap.dead, row)
		default:
			snap.inFlight++
		}
	}
	state.tokensInUse = tokens
	s.publishTokens(state)

	s.logger.Debug("synced batches",
		"key", state.key.Label, "listed", len(remote), "unprocessed", len(unprocessed),
		"finished", len(snap.finished), "dead", len(snap.dead), "in_flight", snap.inFlight)
	return snap, nil
}

// deadStatus reports statuses whose requests are recycled instead of
// ingested. Cancelling batches are recycled without waiting for the
// terminal state.
func deadStatus(status schemas.BatchStatus) bool {
	switch status {
	case schemas.BatchStatusFailed, schemas.BatchStatusCancelling, schemas.BatchStatusCancelled:
		return true
	}
	return false
}

// ingest downloads a finished batch's output and error files, resolves the
// rows that appeared in them, unpairs the rows that did not, and hands the
// touched manufacturers to the orchestrator. The batch is marked processed
// only after the rows are updated, so a crash replays the whole step.
func (s *Station) ingest(ctx context.Context, state *keyState, row *batchstore.TableBatch) error {
	batchID := row.ExternalBatchID

	outputLines, err := s.downloadLines(ctx, state, row.OutputFileID)
	if err != nil {
		return fmt.Errorf("failed to download output file of batch %s: %w", batchID, err)
	}
	errorLines, err := s.downloadLines(ctx, state, row.ErrorFileID)
	if err != nil {
		return fmt.Errorf("failed to download error file of batch %s: %w", batchID, err)
	}

	expected, err := s.requests.FindCustomIDsByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to list requests paired with batch %s: %w", batchID, err)
	}

	lines := make([][]byte, 0, len(outputLines)+len(errorLines))
	lines = append(lines, outputLines...)
	lines = append(lines, errorLines...)

	appeared := make(map[string]struct{}, len(lines))
	manufacturers := make(map[string]struct{})
	ops := make([]requeststore.Op, 0, 2*len(lines))
	for _, line := range lines {
		parsed, err := openai.ParseOutputLine(line)
		if err != nil {
			s.logger.Warn("skipping malformed batch output line", "batch_id", batchID, "error", err)
			continue
		}
		if _, ok := appeared[parsed.CustomID]; ok {
			continue
		}
		appeared[parsed.CustomID] = struct{}{}
		ops = append(ops,
			requeststore.Op{CustomID: parsed.CustomID, Kind: requeststore.OpSetBatch, BatchID: batchID},
			requeststore.Op{CustomID: parsed.CustomID, Kind: requeststore.OpSetResponse, Response: parsed.ToRequestResponse()},
		)
		etld1, err := schemas.Etld1Of(parsed.CustomID)
		if err != nil {
			s.logger.Warn("batch output line has malformed custom id",
				"batch_id", batchID, "custom_id", parsed.CustomID, "error", err)
			continue
		}
		manufacturers[etld1] = struct{}{}
	}

	unpaired := 0
	for _, id := range expected {
		if _, ok := appeared[id]; !ok {
			ops = append(ops, requeststore.Op{CustomID: id, Kind: requeststore.OpUnpair})
			unpaired++
		}
	}

	if _, err := s.requests.BulkUpdate(ctx, ops, batchID); err != nil {
		var writeErr *requeststore.BulkWriteError
		if !errors.As(err, &writeErr) {
			return fmt.Errorf("failed to apply results of batch %s: %w", batchID, err)
		}
		s.metrics.BulkWriteConflictsTotal.Add(float64(len(writeErr.Errors)))
		s.logger.Warn("batch ingested with row-level write failures",
			"batch_id", batchID, "failed", len(writeErr.Errors))
	}
	if unpaired > 0 {
		s.metrics.RequestsUnpairedTotal.Add(float64(unpaired))
	}

	s.advanceAll(ctx, manufacturers)

	if err := s.batches.MarkProcessed(ctx, batchID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark batch %s processed: %w", batchID, err)
	}
	state.release(row.TotalTokens)
	state.cooldown(s.options.CompletedCooldown)
	s.metrics.BatchesIngestedTotal.WithLabelValues(state.key.Label, row.Status).Inc()
	s.publishTokens(state)

	s.logger.Info("batch ingested",
		"key", state.key.Label, "batch_id", batchID, "status", row.Status,
		"responses", len(appeared), "unpaired", unpaired, "manufacturers", len(manufacturers))
	return nil
}

// recycle returns a dead batch's requests to the pending pool. No
// manufacturer is advanced; the rows will ride a future batch instead.
func (s *Station) recycle(ctx context.Context, state *keyState, row *batchstore.TableBatch) error {
	batchID := row.ExternalBatchID

	unpaired, err := s.requests.UnpairFromBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to unpair requests of batch %s: %w", batchID, err)
	}
	if err := s.batches.MarkProcessed(ctx, batchID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark batch %s processed: %w", batchID, err)
	}
	state.release(row.TotalTokens)
	state.cooldown(s.options.FailedCooldown)
	if unpaired > 0 {
		s.metrics.RequestsUnpairedTotal.Add(float64(unpaired))
	}
	s.metrics.BatchesRecycledTotal.WithLabelValues(state.key.Label, row.Status).Inc()
	s.publishTokens(state)

	s.logger.Info("batch recycled",
		"key", state.key.Label, "batch_id", batchID, "status", row.Status, "unpaired", unpaired)
	return nil
}

// create packs at most one input file against the key's queue limit,
// uploads it, and opens the batch. Rows are paired after the batch exists;
// a pairing failure gets one immediate retry. Rows left unpaired re-pack
// into a later batch and run twice provider-side.
func (s *Station) create(ctx context.Context, state *keyState) error {
	result, err := s.packer.Pack(ctx, packer.PackOptions{
		OutputDir:        filepath.Join(s.options.OutputDir, state.key.Label),
		FilePrefix:       state.key.Label,
		MaxFiles:         1,
		MaxTokensPerFile: state.key.BatchQueueLimit,
		TextTokenCap:     s.options.TextTokenCap,
	})
	if err != nil {
		return fmt.Errorf("packing failed: %w", err)
	}
	if result.Empty() {
		s.logger.Debug("no pending work to batch", "key", state.key.Label)
		return nil
	}
	file := result.Files[0]

	content, err := os.ReadFile(file.Path)
	if err != nil {
		return fmt.Errorf("failed to read packed file %s: %w", file.Path, err)
	}

	var uploaded *schemas.FileObject
	err = s.withRetries(ctx, state.key.Label, "file upload", func() error {
		var callErr error
		uploaded, callErr = s.provider.FileUpload(ctx, state.key.Value, filepath.Base(file.Path), content)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", file.File, err)
	}

	metadata := map[string]string{
		schemas.MetadataTotalTokens: strconv.FormatInt(file.Tokens, 10),
		schemas.MetadataSource:      SourceName,
	}
	var created *schemas.Batch
	err = s.withRetries(ctx, state.key.Label, "batch create", func() error {
		var callErr error
		created, callErr = s.provider.BatchCreate(ctx, state.key.Value, uploaded.ID, s.options.CompletionWindow, metadata)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("failed to create batch from file %s: %w", uploaded.ID, err)
	}

	row := batchstore.NewTableBatch(created, state.key.Label)
	row.TotalTokens = file.Tokens
	row.Source = SourceName
	if err := s.batches.Upsert(ctx, row); err != nil {
		return fmt.Errorf("failed to persist batch %s: %w", created.ID, err)
	}

	if _, err := s.requests.PairWithBatch(ctx, file.CustomIDs, created.ID); err != nil {
		s.logger.Warn("pairing failed, retrying once", "batch_id", created.ID, "error", err)
		if _, err := s.requests.PairWithBatch(ctx, file.CustomIDs, created.ID); err != nil {
			return fmt.Errorf("failed to pair %d requests with batch %s: %w", len(file.CustomIDs), created.ID, err)
		}
	}

	state.tokensInUse += file.Tokens
	s.metrics.BatchesCreatedTotal.WithLabelValues(state.key.Label).Inc()
	s.publishTokens(state)

	if err := os.Remove(file.Path); err != nil {
		s.logger.Warn("failed to remove packed file", "path", file.Path, "error", err)
	}

	s.logger.Info("batch created",
		"key", state.key.Label, "batch_id", created.ID, "requests", file.Requests,
		"manufacturers", file.Manufacturers, "tokens", file.Tokens)
	return nil
}

// downloadLines fetches one provider file and splits it into JSONL lines.
// A nil file id yields no lines; completed batches may carry only an error
// file and expired ones only partial output.
func (s *Station) downloadLines(ctx context.Context, state *keyState, fileID *string) ([][]byte, error) {
	if fileID == nil || *fileID == "" {
		return nil, nil
	}
	var content []byte
	err := s.withRetries(ctx, state.key.Label, "file content", func() error {
		var callErr error
		content, callErr = s.provider.FileContent(ctx, state.key.Value, *fileID)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return openai.SplitJSONL(content), nil
}

// advanceAll pushes every touched manufacturer through the orchestrator,
// bounded by OrchestratorConcurrency. Advance failures are isolated per
// manufacturer: the batch is still marked processed and the manufacturer
// catches up on a later pass.
func (s *Station) advanceAll(ctx context.Context, manufacturers map[string]struct{}) {
	if len(manufacturers) == 0 {
		return
	}
	targets := make([]string, 0, len(manufacturers))
	for etld1 := range manufacturers {
		targets = append(targets, etld1)
	}
	sort.Strings(targets)

	var group errgroup.Group
	group.SetLimit(s.options.OrchestratorConcurrency)
	for _, etld1 := range targets {
		group.Go(func() error {
			if err := s.advancer.Advance(ctx, etld1); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to advance manufacturer", "etld1", etld1, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (s *Station) publishTokens(state *keyState) {
	s.metrics.TokensInUse.WithLabelValues(state.key.Label).Set(float64(state.tokensInUse))
}
