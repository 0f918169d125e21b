package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/intersection-arbiter/internal/logging"
	"github.com/signalsfoundry/intersection-arbiter/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Supported span exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	defaultServiceName  = "intersection-arbiter"
	defaultOTLPEndpoint = "localhost:4317"
)

var (
	ErrUnsupportedExporter = errors.New("unsupported tracing exporter")
	ErrInvalidSampleRatio  = errors.New("tracing sample ratio must be within [0, 1]")
)

// TracingConfig governs how arbitration runs are traced.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // OTLP gRPC collector, used when Exporter is otlp
	SampleRatio float64

	// Output receives stdout-exporter spans. Defaults to os.Stderr so status
	// blocks on stdout stay readable.
	Output io.Writer

	// Run describes the arbitration run the spans belong to.
	Run RunInfo
}

// RunInfo is the per-run identity stamped on the tracing resource, so every
// grant span can be tied back to the intersection run that produced it.
type RunInfo struct {
	ClockMode     string
	GreenInterval time.Duration
	Seed          uint64
}

// TracingConfigFromEnv reads ARBITER_TRACING_* and ARBITER_OTLP_ENDPOINT.
// Command-line flags take these as their defaults.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("ARBITER_TRACING_ENABLED"), "true"),
		ServiceName: os.Getenv("ARBITER_TRACING_SERVICE_NAME"),
		Exporter:    strings.ToLower(os.Getenv("ARBITER_TRACING_EXPORTER")),
		Endpoint:    os.Getenv("ARBITER_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterStdout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if raw := os.Getenv("ARBITER_TRACING_SAMPLE_RATIO"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.SampleRatio = parsed
		}
	}
	return cfg
}

// Validate reports settings InitTracing would reject. A disabled config is
// always valid.
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch normalizeExporter(c.Exporter) {
	case ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedExporter, c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidSampleRatio, c.SampleRatio)
	}
	return nil
}

// InitTracing installs the global tracer provider for one arbitration run and
// returns a shutdown function that flushes pending spans. The run_id carried
// by ctx becomes the resource's service.instance.id.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(runAttributes(ctx, cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", normalizeExporter(cfg.Exporter)),
		logging.String("service_name", cfg.ServiceName),
		logging.String("sample_ratio", strconv.FormatFloat(cfg.SampleRatio, 'f', -1, 64)),
	)
	return tp.Shutdown, nil
}

func runAttributes(ctx context.Context, cfg TracingConfig) []attribute.KeyValue {
	service := cfg.ServiceName
	if service == "" {
		service = defaultServiceName
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", "traffic"),
		attribute.Int("intersection.roads", model.NumRoads),
	}
	if id := logging.RunIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String("service.instance.id", id))
	}
	if cfg.Run.ClockMode != "" {
		attrs = append(attrs, attribute.String("intersection.clock_mode", cfg.Run.ClockMode))
	}
	if cfg.Run.GreenInterval > 0 {
		attrs = append(attrs, attribute.String("intersection.green_interval", cfg.Run.GreenInterval.String()))
	}
	if cfg.Run.Seed != 0 {
		attrs = append(attrs, attribute.Int64("intersection.seed", int64(cfg.Run.Seed)))
	}
	return attrs
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch normalizeExporter(cfg.Exporter) {
	case ExporterStdout:
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("start otlp exporter for %s: %w", endpoint, err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExporter, cfg.Exporter)
	}
}

func normalizeExporter(name string) string {
	switch strings.ToLower(name) {
	case "", ExporterStdout:
		return ExporterStdout
	case ExporterOTLP, "otlpgrpc":
		return ExporterOTLP
	default:
		return strings.ToLower(name)
	}
}

// ShutdownWithTimeout flushes spans through shutdown, giving up after five
// seconds. Failures are logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
