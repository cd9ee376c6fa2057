package observability

import (
	"github.com/smallbiznis/attribution/internal/observability/logger"
	"github.com/smallbiznis/attribution/internal/observability/metrics"
	"github.com/smallbiznis/attribution/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(announce),
)

// splitConfig derives the per-signal configs from the environment-level settings.
func splitConfig(cfg Config) (logger.Config, tracing.Config, metrics.Config) {
	logCfg := logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
	traceCfg := tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
	metricCfg := metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
	return logCfg, traceCfg, metricCfg
}

// announce forces the tracer provider and the scheduler registry into existence before
// the first job runs, and records where telemetry goes.
func announce(log *zap.Logger, cfg Config, _ *sdktrace.TracerProvider, metricCfg metrics.Config) {
	metrics.SchedulerWithConfig(metricCfg)
	log.Info("observability configured",
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.String("otel_protocol", cfg.OtelExporterProtocol),
		zap.Float64("trace_sampling_ratio", cfg.OtelSamplingRatio),
		zap.String("log_level", cfg.LogLevel),
	)
}
