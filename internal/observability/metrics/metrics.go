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
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes attribution and reconciliation instruments.
type Metrics struct {
	matchesEvaluated  metric.Int64Counter
	eventsFailed      metric.Int64Counter
	domainsAttributed metric.Int64Counter
	lineItemsSynced   metric.Int64Counter
	periodTransitions metric.Int64Counter
	periodsAutoBilled metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "attribution"
	}
	meter := provider.Meter(name)

	matchesEvaluated, err := meter.Int64Counter("attribution_matches_evaluated_total")
	if err != nil {
		return nil, err
	}
	eventsFailed, err := meter.Int64Counter("attribution_events_failed_total")
	if err != nil {
		return nil, err
	}
	domainsAttributed, err := meter.Int64Counter("attribution_domains_attributed_total")
	if err != nil {
		return nil, err
	}
	lineItemsSynced, err := meter.Int64Counter("reconciliation_line_items_synced_total")
	if err != nil {
		return nil, err
	}
	periodTransitions, err := meter.Int64Counter("reconciliation_period_transitions_total")
	if err != nil {
		return nil, err
	}
	periodsAutoBilled, err := meter.Int64Counter("reconciliation_periods_auto_billed_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		matchesEvaluated:  matchesEvaluated,
		eventsFailed:      eventsFailed,
		domainsAttributed: domainsAttributed,
		lineItemsSynced:   lineItemsSynced,
		periodTransitions: periodTransitions,
		periodsAutoBilled: periodsAutoBilled,
	}, nil
}

// RecordMatch counts a match outcome by kind and window membership.
func (m *Metrics) RecordMatch(ctx context.Context, tenantID, kind string, withinWindow bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("match_kind", strings.TrimSpace(kind)),
		attribute.Bool("within_window", withinWindow),
	)
	m.matchesEvaluated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordEventFailed(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tenant_id", strings.TrimSpace(tenantID)))
	m.eventsFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDomainAttributed(ctx context.Context, tenantID, eventKind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("event_kind", strings.TrimSpace(eventKind)),
	)
	m.domainsAttributed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordLineItemsSynced(ctx context.Context, tenantID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("tenant_id", strings.TrimSpace(tenantID)))
	m.lineItemsSynced.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPeriodTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.periodTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPeriodAutoBilled(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tenant_id", strings.TrimSpace(tenantID)))
	m.periodsAutoBilled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"tenant_id":     {},
	"match_kind":    {},
	"within_window": {},
	"event_kind":    {},
	"from":          {},
	"to":            {},
	"route":         {},
	"method":        {},
	"status_code":   {},
	"reason":        {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
