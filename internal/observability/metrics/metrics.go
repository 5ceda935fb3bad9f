package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the tenant-facing otel instruments. A nil *Metrics records nothing.
type Metrics struct {
	identifications   metric.Int64Counter
	rateLimitDecision metric.Int64Counter
	featureDenied     metric.Int64Counter
}

// NewProvider installs the global meter provider. Disabled telemetry gets a noop provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: provider.Shutdown,
		})
	}
	if log != nil {
		log.Named("metrics").Info("otel metrics exporting",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tenantcore"
	}
	meter := provider.Meter(name)

	var m Metrics
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.identifications, "tenantcore_tenant_identifications_total", "Tenant resolutions by method."},
		{&m.rateLimitDecision, "tenantcore_rate_limit_decisions_total", "Rate limit checks by operation and decision."},
		{&m.featureDenied, "tenantcore_feature_denied_total", "Feature permission denials by reason."},
	} {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return &m, nil
}

// RecordIdentification counts a resolution; an empty method is recorded as "none".
func (m *Metrics) RecordIdentification(ctx context.Context, method string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "none"
	}
	add(ctx, m.identifications, attribute.String("method", method))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, tenantID, operation string) {
	if m == nil {
		return
	}
	add(ctx, m.rateLimitDecision,
		attribute.String("tenant_id", tenantID),
		attribute.String("operation", operation),
		attribute.String("decision", "allowed"),
	)
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tenantID, operation string) {
	if m == nil {
		return
	}
	add(ctx, m.rateLimitDecision,
		attribute.String("tenant_id", tenantID),
		attribute.String("operation", operation),
		attribute.String("decision", "denied"),
	)
}

func (m *Metrics) RecordFeatureDenied(ctx context.Context, feature, reason string) {
	if m == nil {
		return
	}
	add(ctx, m.featureDenied, attribute.String("feature", feature), attribute.String("reason", reason))
}

func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	case "grpc", "grpc/protobuf", "":
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithInsecure(), otlpmetricgrpc.WithEndpoint(endpoint))
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Labels outside this set are dropped to keep series cardinality bounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"tenant_id": {},
	"operation": {},
	"decision":  {},
	"method":    {},
	"feature":   {},
	"reason":    {},
}

// FilterAttributes drops labels outside the allowed set and trims string values.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			attr = attr.Key.String(strings.TrimSpace(attr.Value.AsString()))
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
