package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.BatchesCreatedTotal.WithLabelValues("openai-1").Inc()
	metrics.TokensInUse.WithLabelValues("openai-1").Set(250000)
	metrics.RequestsPackedTotal.Add(42)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BatchesCreatedTotal.WithLabelValues("openai-1")))
	assert.Equal(t, 250000.0, testutil.ToFloat64(metrics.TokensInUse.WithLabelValues("openai-1")))
	assert.Equal(t, 42.0, testutil.ToFloat64(metrics.RequestsPackedTotal))
}

func TestNewMetrics_OwnRegistry(t *testing.T) {
	metrics := NewMetrics(nil)
	require.NotNil(t, metrics.Registry())

	metrics.ManufacturersFinalizedTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ManufacturersFinalizedTotal))
}
