// Package telemetry defines the Prometheus collectors exported by the
// batch pipeline. One Metrics value is shared by the station, the packer,
// and the orchestrator; cmd exposes its registry on the metrics listener.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline records into.
type Metrics struct {
	registry *prometheus.Registry

	// Station.
	BatchesCreatedTotal  *prometheus.CounterVec
	BatchesIngestedTotal *prometheus.CounterVec
	BatchesRecycledTotal *prometheus.CounterVec
	TokensInUse          *prometheus.GaugeVec
	TickFailuresTotal    *prometheus.CounterVec

	// Packer.
	RequestsPackedTotal       prometheus.Counter
	FilesPackedTotal          prometheus.Counter
	ManufacturersSkippedTotal *prometheus.CounterVec
	ManufacturersPackedTotal  prometheus.Counter

	// Orchestrator.
	FieldsMaterializedTotal     *prometheus.CounterVec
	ManufacturersFinalizedTotal prometheus.Counter
	ExtractionErrorsTotal       *prometheus.CounterVec

	// Request store.
	RequestsUnpairedTotal   prometheus.Counter
	BulkWriteConflictsTotal prometheus.Counter
}

// NewMetrics builds the collector set on the given registry. A nil registry
// gets a fresh one, with the Go and process collectors attached.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		BatchesCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caravan_batches_created_total",
			Help: "Total number of provider batches created.",
		}, []string{"key_label"}),
		BatchesIngestedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caravan_batches_ingested_total",
			Help: "Total number of completed or expired batches ingested.",
		}, []string{"key_label", "status"}),
		BatchesRecycledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caravan_batches_recycled_total",
			Help: "Total number of failed or cancelled batches whose requests were unpaired.",
		}, []string{"key_label", "status"}),
		TokensInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caravan_tokens_in_use",
			Help: "Input tokens currently enqueued provider-side, per API key.",
		}, []string{"key_label"}),
		TickFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caravan_tick_failures_total",
			Help: "Total number of station ticks that ended in an error.",
		}, []string{"key_label"}),

		RequestsPackedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "caravan_requests_packed_total",
			Help: "Total number of requests written into batch input files.",
		}),
		FilesPackedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "caravan_files_packed_total",
			Help: "Total number of batch input files produced.",
		}),
		ManufacturersSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caravan_manufacturers_skipped_total",
			Help: "Total number of manufacturers the packer skipped.",
		}, []string{"reason"}),
		ManufacturersPackedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "caravan_manufacturers_packed_total",
			Help: "Total number of manufacturers written into batch input files.",
		}),

		FieldsMaterializedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caravan_fields_materialized_total",
			Help: "Total number of field results written onto manufacturers.",
		}, []string{"field"}),
		ManufacturersFinalizedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "caravan_manufacturers_finalized_total",
			Help: "Total number of manufacturers fully resolved and garbage collected.",
		}),
		ExtractionErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caravan_extraction_errors_total",
			Help: "Total number of responses that failed to parse or validate.",
		}, []string{"field"}),

		RequestsUnpairedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "caravan_requests_unpaired_total",
			Help: "Total number of request rows returned to the pending pool.",
		}),
		BulkWriteConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "caravan_bulk_write_conflicts_total",
			Help: "Total number of per-row data errors collected by the sharded writer.",
		}),
	}
}

// Registry exposes the backing registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
