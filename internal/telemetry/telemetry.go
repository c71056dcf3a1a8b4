// Package telemetry wires OpenTelemetry tracing and metrics for the waitroom
// binaries: OTLP trace export, a Prometheus scrape endpoint and optional Go
// runtime metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/internal/loggingutil"
)

// Config selects the telemetry surfaces to start. The zero value starts nothing.
type Config struct {
	// ServiceName is reported as service.name. Defaults to "waitroom".
	ServiceName string
	// OTLPEndpoint enables trace export. Bare host[:port] means insecure gRPC;
	// grpc://, grpcs://, http:// and https:// select the transport explicitly.
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics on /metrics at this address.
	MetricsListen string
	// RuntimeMetrics adds Go runtime metrics. Requires MetricsListen.
	RuntimeMetrics bool
}

func (c Config) enabled() bool {
	return strings.TrimSpace(c.OTLPEndpoint) != "" || strings.TrimSpace(c.MetricsListen) != "" || c.RuntimeMetrics
}

// Bundle owns the providers and listeners started by Setup.
type Bundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	logger         pslog.Logger
}

// MetricsAddr returns the bound scrape address, or "" when metrics are off.
func (b *Bundle) MetricsAddr() string {
	if b == nil || b.metricsLn == nil {
		return ""
	}
	return b.metricsLn.Addr().String()
}

// Shutdown flushes exporters and stops the scrape listener. A nil Bundle is
// a no-op.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var errs []error
	record := func(event, what string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		errs = append(errs, fmt.Errorf("%s shutdown: %w", what, err))
		b.logger.Warn(event, "error", err)
	}
	if b.meterProvider != nil {
		record("telemetry.shutdown.metric_failure", "metric", b.meterProvider.Shutdown(ctx))
	}
	if b.metricsServer != nil {
		record("telemetry.shutdown.metrics_server_failure", "metrics server", b.metricsServer.Shutdown(ctx))
	}
	if b.tracerProvider != nil {
		record("telemetry.shutdown.trace_failure", "trace", b.tracerProvider.Shutdown(ctx))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.logger.Debug("telemetry.shutdown.complete")
	return nil
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// Setup starts the surfaces selected by cfg and installs the global tracer
// and meter providers. It returns a nil Bundle when cfg enables nothing.
func Setup(ctx context.Context, cfg Config, logger pslog.Logger) (*Bundle, error) {
	if !cfg.enabled() {
		return nil, nil
	}
	if cfg.RuntimeMetrics && strings.TrimSpace(cfg.MetricsListen) == "" {
		return nil, errors.New("telemetry: runtime metrics require a metrics listen address")
	}
	logger = loggingutil.WithSubsystem(logger, "telemetry")
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "waitroom"
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(name)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	b := &Bundle{logger: logger}
	fail := func(err error) (*Bundle, error) {
		_ = b.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		target, err := parseOTLPTarget(endpoint)
		if err != nil {
			return fail(err)
		}
		exporter, err := target.exporter(ctx)
		if err != nil {
			return fail(err)
		}
		b.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(b.tracerProvider)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "path", target.path, "insecure", target.insecure)
	}

	if listen := strings.TrimSpace(cfg.MetricsListen); listen != "" {
		registry := prometheus.NewRegistry()
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.RuntimeMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: prometheus exporter: %w", err))
		}
		b.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(b.meterProvider)
		if cfg.RuntimeMetrics {
			runtimeOnce.Do(func() {
				runtimeErr = otelruntime.Start(otelruntime.WithMeterProvider(b.meterProvider))
			})
			if runtimeErr != nil {
				return fail(fmt.Errorf("telemetry: runtime metrics: %w", runtimeErr))
			}
			logger.Info("telemetry.runtime_metrics.enabled")
		}
		if err := b.serveMetrics(listen, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})); err != nil {
			return fail(err)
		}
		logger.Info("telemetry.metrics.enabled", "listen", b.MetricsAddr())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return b, nil
}

func (b *Bundle) serveMetrics(addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	b.metricsServer, b.metricsLn = srv, ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	return nil
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

func (t otlpTarget) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch t.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(t.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if t.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
			creds = insecure.NewCredentials()
		}
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: trace exporter (grpc): %w", err)
		}
		return exp, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(t.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if t.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if t.path != "" && t.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(t.path))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: trace exporter (http): %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("telemetry: unsupported protocol %q", t.protocol)
}

func parseOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	t := otlpTarget{endpoint: u.Host, path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		t.protocol = "grpc"
		t.insecure = strings.ToLower(u.Scheme) == "grpc"
		t.path = ""
	case "http", "https":
		t.protocol = "http"
		t.insecure = strings.ToLower(u.Scheme) == "http"
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if t.endpoint == "" {
		return otlpTarget{}, errors.New("telemetry: missing endpoint host")
	}
	port := "4317"
	if t.protocol == "http" {
		port = "4318"
	}
	t.endpoint = withDefaultPort(t.endpoint, port)
	return t, nil
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
