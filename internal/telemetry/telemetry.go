package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil or disabled
// Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Helper channel
	nativeCallsTotal   metric.Int64Counter
	nativeCallDuration metric.Float64Histogram
	nativeCallsPending metric.Int64UpDownCounter
	helperConnects     metric.Int64Counter
	helperDisconnects  metric.Int64Counter

	// Download lifecycle
	downloadsStarted    metric.Int64Counter
	downloadsTracked    metric.Int64UpDownCounter
	handoffsTotal       metric.Int64Counter
	subsystemOpsTotal   metric.Int64Counter
	subsystemErrors     metric.Int64Counter
	stagingFilesRemoved metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
	systemErrors        metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint additionally pushes metrics to an OTLP gRPC collector when set.
	OTLPEndpoint   string
	OTLPInterval   time.Duration
	RuntimeMetrics bool
	// Registry receives the Prometheus collectors. The default registerer is
	// used when nil.
	Registry       *promclient.Registry
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	var promOpts []prometheus.Option
	if cfg.Registry != nil {
		promOpts = append(promOpts, prometheus.WithRegisterer(cfg.Registry))
	}

	exporter, err := prometheus.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	readers := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		interval := cfg.OTLPInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}

		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(interval)),
		))
	}

	meterProvider := sdkmetric.NewMeterProvider(readers...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	if cfg.RuntimeMetrics {
		if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
			return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
		}
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		registry:       cfg.Registry,
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	if t == nil || t.meter == nil {
		return otel.Meter("")
	}

	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordNativeCall records a finished helper call.
func (t *Telemetry) RecordNativeCall(kind, status string, duration time.Duration) {
	if t == nil || t.nativeCallsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)

	t.nativeCallsTotal.Add(context.Background(), 1, attrs)
	t.nativeCallDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// AddPendingCalls moves the pending helper call gauge by delta.
func (t *Telemetry) AddPendingCalls(delta int64) {
	if t != nil && t.nativeCallsPending != nil {
		t.nativeCallsPending.Add(context.Background(), delta)
	}
}

// RecordHelperConnect counts a new helper connection.
func (t *Telemetry) RecordHelperConnect() {
	if t != nil && t.helperConnects != nil {
		t.helperConnects.Add(context.Background(), 1)
	}
}

// RecordHelperDisconnect counts a lost helper connection.
func (t *Telemetry) RecordHelperDisconnect() {
	if t != nil && t.helperDisconnects != nil {
		t.helperDisconnects.Add(context.Background(), 1)
	}
}

// RecordDownloadStarted counts a download handed to the subsystem.
func (t *Telemetry) RecordDownloadStarted(status string) {
	if t != nil && t.downloadsStarted != nil {
		t.downloadsStarted.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// AddTrackedDownloads moves the tracked download gauge by delta.
func (t *Telemetry) AddTrackedDownloads(delta int64) {
	if t != nil && t.downloadsTracked != nil {
		t.downloadsTracked.Add(context.Background(), delta)
	}
}

// RecordHandoff records the outcome of a hand-off step ("register" or "erase").
func (t *Telemetry) RecordHandoff(step, status string) {
	if t != nil && t.handoffsTotal != nil {
		t.handoffsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("step", step),
				attribute.String("status", status),
			),
		)
	}
}

// RecordSubsystemOperation records download subsystem operation metrics.
func (t *Telemetry) RecordSubsystemOperation(subsystem, operation, status string) {
	if t == nil || t.subsystemOpsTotal == nil {
		return
	}

	t.subsystemOpsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("subsystem", subsystem),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == "error" {
		t.subsystemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("subsystem", subsystem),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordStagingRemoved counts staging files removed by cleanup.
func (t *Telemetry) RecordStagingRemoved(n int) {
	if t != nil && t.stagingFilesRemoved != nil && n > 0 {
		t.stagingFilesRemoved.Add(context.Background(), int64(n))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	if t.registry != nil {
		return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

type upDownSpec struct {
	dst  *metric.Int64UpDownCounter
	name string
	desc string
}

type histogramSpec struct {
	dst  *metric.Float64Histogram
	name string
	desc string
}

func (t *Telemetry) initializeMetrics() error {
	counters := []counterSpec{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&t.nativeCallsTotal, "native_calls_total", "Total number of calls made to the helper"},
		{&t.helperConnects, "helper_connects_total", "Number of helper connections established"},
		{&t.helperDisconnects, "helper_disconnects_total", "Number of helper connections lost"},
		{&t.downloadsStarted, "downloads_started_total", "Downloads handed to the download subsystem"},
		{&t.handoffsTotal, "handoffs_total", "Completed downloads handed off to the helper"},
		{&t.subsystemOpsTotal, "subsystem_operations_total", "Total number of download subsystem operations"},
		{&t.subsystemErrors, "subsystem_errors_total", "Total number of download subsystem errors"},
		{&t.stagingFilesRemoved, "staging_files_removed_total", "Abandoned staging files removed by cleanup"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors"},
	}

	for _, c := range counters {
		instrument, err := t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = instrument
	}

	upDowns := []upDownSpec{
		{&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed"},
		{&t.nativeCallsPending, "native_calls_pending", "Helper calls awaiting a reply"},
		{&t.downloadsTracked, "downloads_tracked", "Downloads awaiting hand-off"},
	}

	for _, u := range upDowns {
		instrument, err := t.meter.Int64UpDownCounter(u.name, metric.WithDescription(u.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", u.name, err)
		}

		*u.dst = instrument
	}

	histograms := []histogramSpec{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.nativeCallDuration, "native_call_duration_seconds", "Helper call round trip in seconds"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		instrument, err := t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}

		*h.dst = instrument
	}

	return nil
}
