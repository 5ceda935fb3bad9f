package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "123"),
		attribute.String("api_key", "tk_456"),
		attribute.String("operation", "api_call"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("tenant_id"))
	assert.Contains(t, keys, attribute.Key("operation"))
}

func TestFilterAttributesTrimsValues(t *testing.T) {
	attrs := FilterAttributes(attribute.String("operation", " api_call "), attribute.Int("decision", 1))
	require.Len(t, attrs, 2)
	assert.Equal(t, "api_call", attrs[0].Value.AsString())
	assert.Equal(t, int64(1), attrs[1].Value.AsInt64())
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRateLimitDenied(context.Background(), "t", "api_call")
		m.RecordIdentification(context.Background(), "")
	})
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordRateLimitAllowed(context.Background(), "t", "api_call")
	m.RecordFeatureDenied(context.Background(), "exports", "Feature not enabled")
}
