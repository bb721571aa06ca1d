package tracing

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for this application
const TracerName = "github.com/austindbirch/parcelhook"

const shutdownTimeout = 5 * time.Second

// collector is where spans are exported
type collector struct {
	host     string
	insecure bool
}

// InitTracing installs a batching OTLP/HTTP tracer provider and the W3C
// propagators. The returned func flushes pending spans.
func InitTracing(ctx context.Context, serviceName string) (func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion()),
			attribute.String("service.instance.id", instanceID()),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	c := collectorFromEnv()
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.host)}
	if c.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}, nil
}

// StartSpan starts a span on the application tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError marks the current span failed. A nil error is ignored.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace id, or "" outside a sampled or remote span
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectHeaders returns the current trace context as task headers.
// The push queue replays these headers verbatim when it calls the processor.
func InjectHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractHeaders restores trace context from a task header map
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// ExtractHTTP restores trace context from inbound request headers
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

func serviceVersion() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}

// instanceID prefers the pod hostname, then the Cloud Run revision
func instanceID() string {
	for _, key := range []string{"HOSTNAME", "K_REVISION"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}

// collectorFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT. otlptracehttp wants a
// bare host:port; TLS is used only for an explicit https:// endpoint.
func collectorFromEnv() collector {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	switch {
	case endpoint == "":
		return collector{host: "localhost:4318", insecure: true}
	case strings.HasPrefix(endpoint, "https://"):
		return collector{host: strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/")}
	default:
		return collector{host: strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), insecure: true}
	}
}

// sampleRatio reads OTEL_SAMPLE_RATIO, sampling everything when unset or out of range
func sampleRatio() float64 {
	r, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLE_RATIO"), 64)
	if err != nil || r < 0 || r > 1 {
		return 1
	}
	return r
}
