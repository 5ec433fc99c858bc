// Package observability exposes the metrics surface: queue depth, in-flight
// count, dead-letter count and per-API token levels, published as
// OpenTelemetry instruments over a Prometheus registry.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// Attribute keys shared across instruments
var (
	AttrHTTPMethod     = attribute.Key("http.method")
	AttrHTTPRoute      = attribute.Key("http.route")
	AttrHTTPStatusCode = attribute.Key("http.status_code")
	AttrJobKind        = attribute.Key("job.kind")
	AttrJobOutcome     = attribute.Key("job.outcome")
	AttrAPIName        = attribute.Key("api.name")
)

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	PrometheusPath string `mapstructure:"prometheus_path"`
}

// DefaultMetricsConfig returns default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:        true,
		ServiceName:    "relay",
		PrometheusPath: "/metrics",
	}
}

// QueueStatsSource supplies the gauges observed on collection. The worker
// pool and rate-limit registry satisfy the narrower parts; the composite is
// wired in DI.
type QueueStatsSource interface {
	PendingByKind(ctx context.Context) (map[string]int64, error)
	InFlight() int64
	DeadLettered(ctx context.Context) (int64, error)
	TokenLevels() map[string]float64
}

// MetricsProvider manages OpenTelemetry metrics
type MetricsProvider struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *zap.Logger
	registry      *prometheus.Registry
	handler       http.Handler

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	jobsProcessedTotal  metric.Int64Counter
	jobDuration         metric.Float64Histogram

	queueDepth      metric.Int64ObservableGauge
	inFlight        metric.Int64ObservableGauge
	deadLetterCount metric.Int64ObservableGauge
	tokenLevel      metric.Float64ObservableGauge

	registration metric.Registration
}

// NewMetricsProvider creates a new metrics provider
func NewMetricsProvider(config *MetricsConfig, logger *zap.Logger) (*MetricsProvider, error) {
	if !config.Enabled {
		return &MetricsProvider{
			config: config,
			meter:  otel.Meter(config.ServiceName),
			logger: logger,
		}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(
		otelprometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	mp := &MetricsProvider{
		config:        config,
		meterProvider: meterProvider,
		meter:         meterProvider.Meter(config.ServiceName),
		logger:        logger,
		registry:      registry,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if err := mp.initMetrics(); err != nil {
		return nil, err
	}

	logger.Info("metrics initialized",
		zap.String("service", config.ServiceName),
		zap.String("prometheus_path", config.PrometheusPath),
	)
	return mp, nil
}

func (mp *MetricsProvider) initMetrics() error {
	var err error

	mp.httpRequestsTotal, err = mp.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return err
	}

	mp.httpRequestDuration, err = mp.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	mp.jobsProcessedTotal, err = mp.meter.Int64Counter(
		"jobs_processed_total",
		metric.WithDescription("Jobs finished by outcome"),
	)
	if err != nil {
		return err
	}

	mp.jobDuration, err = mp.meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	mp.queueDepth, err = mp.meter.Int64ObservableGauge(
		"queue_depth",
		metric.WithDescription("Pending jobs per kind"),
	)
	if err != nil {
		return err
	}

	mp.inFlight, err = mp.meter.Int64ObservableGauge(
		"jobs_in_flight",
		metric.WithDescription("Jobs currently being processed"),
	)
	if err != nil {
		return err
	}

	mp.deadLetterCount, err = mp.meter.Int64ObservableGauge(
		"dead_letter_count",
		metric.WithDescription("Jobs parked in the dead-letter sink"),
	)
	if err != nil {
		return err
	}

	mp.tokenLevel, err = mp.meter.Float64ObservableGauge(
		"rate_limit_tokens",
		metric.WithDescription("Token bucket level per API"),
	)
	if err != nil {
		return err
	}

	return nil
}

// ObserveQueues registers the gauge callback over the given source. Safe to
// call once; a second call replaces the previous registration.
func (mp *MetricsProvider) ObserveQueues(source QueueStatsSource) error {
	if mp.queueDepth == nil {
		return nil
	}
	if mp.registration != nil {
		if err := mp.registration.Unregister(); err != nil {
			return err
		}
	}

	reg, err := mp.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		pending, err := source.PendingByKind(ctx)
		if err == nil {
			for kind, n := range pending {
				o.ObserveInt64(mp.queueDepth, n, metric.WithAttributes(AttrJobKind.String(kind)))
			}
		}
		o.ObserveInt64(mp.inFlight, source.InFlight())
		if dead, err := source.DeadLettered(ctx); err == nil {
			o.ObserveInt64(mp.deadLetterCount, dead)
		}
		for api, tokens := range source.TokenLevels() {
			o.ObserveFloat64(mp.tokenLevel, tokens, metric.WithAttributes(AttrAPIName.String(api)))
		}
		return nil
	}, mp.queueDepth, mp.inFlight, mp.deadLetterCount, mp.tokenLevel)
	if err != nil {
		return err
	}
	mp.registration = reg
	return nil
}

// RecordHTTPRequest records an HTTP request metric
func (mp *MetricsProvider) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if mp.httpRequestsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrHTTPMethod.String(method),
		AttrHTTPRoute.String(path),
		AttrHTTPStatusCode.Int(statusCode),
	)
	mp.httpRequestsTotal.Add(ctx, 1, attrs)
	mp.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordJob records a finished job by outcome.
func (mp *MetricsProvider) RecordJob(ctx context.Context, kind, outcome string, duration time.Duration) {
	if mp.jobsProcessedTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrJobKind.String(kind),
		AttrJobOutcome.String(outcome),
	)
	mp.jobsProcessedTotal.Add(ctx, 1, attrs)
	mp.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// Handler returns an HTTP handler for Prometheus metrics
func (mp *MetricsProvider) Handler() http.Handler {
	if mp.handler != nil {
		return mp.handler
	}
	return http.NotFoundHandler()
}

// Meter returns the meter for creating custom metrics
func (mp *MetricsProvider) Meter() metric.Meter {
	return mp.meter
}

// Shutdown gracefully shuts down the metrics provider
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider != nil {
		return mp.meterProvider.Shutdown(ctx)
	}
	return nil
}
