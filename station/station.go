// Package station schedules provider batch work across API keys. One worker
// goroutine per key repeats a reconciliation tick: sync the local batch
// ledger against the provider, ingest finished batches, recycle dead ones,
// and launch a new batch when the key is idle. Every step is idempotent, so
// a crash anywhere inside a tick is healed by the next one.
package station

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/getcaravan/caravan/batchstore"
	"github.com/getcaravan/caravan/packer"
	"github.com/getcaravan/caravan/requeststore"
	"github.com/getcaravan/caravan/schemas"
	"github.com/getcaravan/caravan/telemetry"
)

// SourceName is the value written under the batch metadata source key.
// Sync only manages batches carrying it; other tools may share the key.
const SourceName = "caravan"

const (
	DefaultTickInterval            = 5 * time.Minute
	DefaultCompletionWindow        = "24h"
	DefaultOrchestratorConcurrency = 100

	// DefaultCompletedCooldown rests a key after a batch was ingested.
	DefaultCompletedCooldown = 10 * time.Minute

	// DefaultFailedCooldown rests a key after a batch failed or was
	// cancelled.
	DefaultFailedCooldown = 30 * time.Minute

	// DefaultQuotaCooldown rests a key after a quota rejection.
	DefaultQuotaCooldown = 15 * time.Minute

	DefaultMaxRetries          = 2
	DefaultRetryBackoffInitial = 500 * time.Millisecond
	DefaultRetryBackoffMax     = 10 * time.Second

	DefaultOutputDir = "batches"
)

// Provider is the slice of the batch API the station drives.
// *openai.Client satisfies it.
type Provider interface {
	FileUpload(ctx context.Context, key string, filename string, content []byte) (*schemas.FileObject, error)
	FileContent(ctx context.Context, key string, fileID string) ([]byte, error)
	BatchCreate(ctx context.Context, key string, inputFileID string, completionWindow string, metadata map[string]string) (*schemas.Batch, error)
	BatchListAll(ctx context.Context, key string) ([]schemas.Batch, error)
}

// Advancer moves a manufacturer's extraction forward after responses land.
// *orchestrator.Orchestrator satisfies it.
type Advancer interface {
	Advance(ctx context.Context, etld1 string) error
}

// Options tunes the scheduling behavior shared by all key workers.
type Options struct {
	// TickInterval is the sleep between reconciliation ticks of one key.
	TickInterval time.Duration

	// OutputDir is the parent directory batch input files are staged
	// under, one subdirectory per key label.
	OutputDir string

	// CompletionWindow is passed through to batch creation.
	CompletionWindow string

	// OrchestratorConcurrency bounds the per-batch advance fan-out.
	OrchestratorConcurrency int

	CompletedCooldown time.Duration
	FailedCooldown    time.Duration
	QuotaCooldown     time.Duration

	// MaxRetries is the number of extra attempts a transient provider
	// failure gets within one tick.
	MaxRetries          int
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration

	// TextTokenCap is handed to the packer; manufacturers whose scraped
	// text exceeds it are never packed. Zero keeps the packer default.
	TextTokenCap int64
}

func (o *Options) checkAndSetDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir
	}
	if o.CompletionWindow == "" {
		o.CompletionWindow = DefaultCompletionWindow
	}
	if o.OrchestratorConcurrency <= 0 {
		o.OrchestratorConcurrency = DefaultOrchestratorConcurrency
	}
	if o.CompletedCooldown <= 0 {
		o.CompletedCooldown = DefaultCompletedCooldown
	}
	if o.FailedCooldown <= 0 {
		o.FailedCooldown = DefaultFailedCooldown
	}
	if o.QuotaCooldown <= 0 {
		o.QuotaCooldown = DefaultQuotaCooldown
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoffInitial <= 0 {
		o.RetryBackoffInitial = DefaultRetryBackoffInitial
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = DefaultRetryBackoffMax
	}
}

// Dependencies are the collaborators a Station needs.
type Dependencies struct {
	Provider Provider
	Batches  batchstore.Store
	Requests requeststore.Store
	Packer   *packer.Packer
	Advancer Advancer
	Logger   schemas.Logger
	Metrics  *telemetry.Metrics
}

// Station owns the per-key batch lifecycle.
type Station struct {
	provider Provider
	batches  batchstore.Store
	requests requeststore.Store
	packer   *packer.Packer
	advancer Advancer
	keys     []schemas.APIKey
	options  Options
	logger   schemas.Logger
	metrics  *telemetry.Metrics
}

// New validates the key bundle and builds a Station.
func New(keys []schemas.APIKey, deps Dependencies, options Options) (*Station, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("station needs at least one api key")
	}
	labels := make(map[string]struct{}, len(keys))
	for i := range keys {
		if err := keys[i].Validate(); err != nil {
			return nil, err
		}
		if _, ok := labels[keys[i].Label]; ok {
			return nil, fmt.Errorf("duplicate api key label %q", keys[i].Label)
		}
		labels[keys[i].Label] = struct{}{}
	}
	options.checkAndSetDefaults()

	return &Station{
		provider: deps.Provider,
		batches:  deps.Batches,
		requests: deps.Requests,
		packer:   deps.Packer,
		advancer: deps.Advancer,
		keys:     keys,
		options:  options,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}, nil
}

// Run drives one worker per key until ctx is cancelled. Tick failures are
// logged and retried on the next interval; they never stop a worker.
func (s *Station) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, key := range s.keys {
		state := newKeyState(key)
		group.Go(func() error {
			s.runKey(groupCtx, state)
			return nil
		})
	}
	return group.Wait()
}

func (s *Station) runKey(ctx context.Context, state *keyState) {
	s.logger.Info("station worker started", "key", state.key.Label, "queue_limit", state.key.BatchQueueLimit)
	defer s.logger.Info("station worker stopped", "key", state.key.Label)

	for {
		if err := s.tick(ctx, state); err != nil {
			if ctx.Err() != nil {
				return
			}
			var providerErr *schemas.ProviderError
			if errors.As(err, &providerErr) && providerErr.IsQuota() {
				state.cooldown(s.options.QuotaCooldown)
				s.logger.Warn("provider quota hit, key cooling down",
					"key", state.key.Label, "until", state.availableAt.Format(time.RFC3339), "error", err)
			} else {
				s.logger.Error("tick failed", "key", state.key.Label, "error", err)
			}
			s.metrics.TickFailuresTotal.WithLabelValues(state.key.Label).Inc()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.options.TickInterval):
		}
	}
}

// withRetries runs one provider call, retrying transient failures with
// jittered exponential backoff. Non-retryable and quota failures surface
// immediately; quota cooldown is the worker loop's job.
func (s *Station) withRetries(ctx context.Context, label, op string, call func() error) error {
	var err error
	for attempt := 0; attempt <= s.options.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt-1, s.options.RetryBackoffInitial, s.options.RetryBackoffMax)
			s.logger.Info("retrying provider call",
				"key", label, "op", op, "attempt", attempt+1, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err = call(); err == nil {
			return nil
		}
		var providerErr *schemas.ProviderError
		if errors.As(err, &providerErr) && (!providerErr.Retryable || providerErr.IsQuota()) {
			break
		}
	}
	return err
}

// calculateBackoff derives the sleep before a retry, doubling from the
// initial backoff with ±20% jitter.
func calculateBackoff(attempt int, initial, ceiling time.Duration) time.Duration {
	backoff := min(initial*time.Duration(1<<uint(attempt)), ceiling)
	jitter := float64(backoff) * (0.8 + 0.4*rand.Float64())
	return time.Duration(jitter)
}
