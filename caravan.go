// Package caravan wires the deferred-extraction pipeline together: the
// manufacturer, request, and batch stores, the scraped-text fetcher, the
// OpenAI batch client, the packer, the orchestrator, and the station that
// schedules everything across API keys.
package caravan

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/getcaravan/caravan/batchstore"
	"github.com/getcaravan/caravan/blobstore"
	"github.com/getcaravan/caravan/config"
	"github.com/getcaravan/caravan/mfgstore"
	"github.com/getcaravan/caravan/ontology"
	"github.com/getcaravan/caravan/orchestrator"
	"github.com/getcaravan/caravan/packer"
	"github.com/getcaravan/caravan/prompts"
	"github.com/getcaravan/caravan/providers/openai"
	"github.com/getcaravan/caravan/requeststore"
	"github.com/getcaravan/caravan/schemas"
	"github.com/getcaravan/caravan/station"
	"github.com/getcaravan/caravan/telemetry"
	"github.com/getcaravan/caravan/tokenizer"
)

// Caravan is the assembled engine. Init builds one from a loaded config;
// Run drives it until the context is cancelled; Cleanup releases the
// stores.
type Caravan struct {
	logger  schemas.Logger
	metrics *telemetry.Metrics

	manufacturers mfgstore.Store
	requests      requeststore.Store
	batches       batchstore.Store

	station *station.Station
}

// Init wires every component from the configuration. A nil logger gets the
// default JSON logger; the config's logging section is applied to whichever
// logger is used. On error, any store opened before the failure is closed.
func Init(ctx context.Context, cfg *config.Config, logger schemas.Logger) (*Caravan, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required to initialize caravan")
	}
	if logger == nil {
		logger = NewDefaultLogger(schemas.LogLevelInfo)
	}
	if cfg.Logging.Level != "" {
		logger.SetLevel(cfg.Logging.Level)
	}
	if cfg.Logging.OutputType != "" {
		logger.SetOutputType(cfg.Logging.OutputType)
	}

	caravan := &Caravan{
		logger:  logger,
		metrics: telemetry.NewMetrics(nil),
	}
	fail := func(err error) (*Caravan, error) {
		if cleanupErr := caravan.Cleanup(); cleanupErr != nil {
			logger.Warn("cleanup after failed init", "error", cleanupErr)
		}
		return nil, err
	}

	var err error
	if caravan.manufacturers, err = mfgstore.New(ctx, cfg.Manufacturers, logger); err != nil {
		return fail(fmt.Errorf("failed to initialize manufacturer store: %w", err))
	}
	if caravan.requests, err = requeststore.New(ctx, cfg.Requests, logger); err != nil {
		return fail(fmt.Errorf("failed to initialize request store: %w", err))
	}
	if caravan.batches, err = batchstore.New(ctx, cfg.Batches, logger); err != nil {
		return fail(fmt.Errorf("failed to initialize batch store: %w", err))
	}

	var fetcher blobstore.Fetcher
	if fetcher, err = blobstore.NewS3Fetcher(ctx, cfg.Blobs, logger); err != nil {
		return fail(fmt.Errorf("failed to initialize blob store: %w", err))
	}
	if cfg.Blobs.CacheTTLInSeconds > 0 {
		fetcher = blobstore.NewCachedFetcher(fetcher, time.Duration(cfg.Blobs.CacheTTLInSeconds)*time.Second)
	}

	concepts, err := ontology.LoadFile(cfg.OntologyPath)
	if err != nil {
		return fail(fmt.Errorf("failed to load ontology catalog: %w", err))
	}

	promptCatalog := prompts.Default()
	if cfg.PromptsPath != "" {
		if promptCatalog, err = prompts.LoadFile(cfg.PromptsPath); err != nil {
			return fail(fmt.Errorf("failed to load prompt catalog: %w", err))
		}
	}

	advancer := orchestrator.New(orchestrator.Dependencies{
		Manufacturers: caravan.manufacturers,
		Requests:      caravan.requests,
		Blobs:         fetcher,
		Concepts:      concepts,
		Prompts:       promptCatalog,
		Counter:       tokenizer.NewEstimator(),
		Logger:        logger,
		Metrics:       caravan.metrics,
	}, cfg.Orchestrator)

	caravan.station, err = station.New(cfg.Keys, station.Dependencies{
		Provider: openai.NewClient(cfg.Provider, logger),
		Batches:  caravan.batches,
		Requests: caravan.requests,
		Packer:   packer.New(caravan.manufacturers, caravan.requests, logger, caravan.metrics),
		Advancer: advancer,
		Logger:   logger,
		Metrics:  caravan.metrics,
	}, cfg.Station.Options())
	if err != nil {
		return fail(fmt.Errorf("failed to initialize station: %w", err))
	}

	logger.Info("caravan initialized",
		"keys", len(cfg.Keys),
		"ontology_file", cfg.OntologyPath,
	)
	return caravan, nil
}

// Run drives the station workers until ctx is cancelled.
func (c *Caravan) Run(ctx context.Context) error {
	return c.station.Run(ctx)
}

// Metrics exposes the telemetry set, e.g. for a metrics endpoint.
func (c *Caravan) Metrics() *telemetry.Metrics {
	return c.metrics
}

// Cleanup closes the stores. It is safe to call on a partially initialized
// instance.
func (c *Caravan) Cleanup() error {
	var errs error
	if c.manufacturers != nil {
		errs = multierr.Append(errs, c.manufacturers.Close())
	}
	if c.requests != nil {
		errs = multierr.Append(errs, c.requests.Close())
	}
	if c.batches != nil {
		errs = multierr.Append(errs, c.batches.Close())
	}
	return errs
}
