package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestServiceVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with SERVICE_VERSION unset", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := serviceVersion(); got != tt.expected {
				t.Errorf("serviceVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		revisionEnv string
		expected    string
	}{
		{name: "with HOSTNAME set", hostnameEnv: "ingest-01", expected: "ingest-01"},
		{name: "with K_REVISION only", revisionEnv: "processor-00042", expected: "processor-00042"},
		{name: "HOSTNAME takes precedence", hostnameEnv: "ingest-01", revisionEnv: "processor-00042", expected: "ingest-01"},
		{name: "neither set", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostnameEnv)
			t.Setenv("K_REVISION", tt.revisionEnv)
			if got := instanceID(); got != tt.expected {
				t.Errorf("instanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCollectorFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     collector
	}{
		{name: "default", envValue: "", want: collector{host: "localhost:4318", insecure: true}},
		{name: "http endpoint", envValue: "http://tempo:4318", want: collector{host: "tempo:4318", insecure: true}},
		{name: "https endpoint uses tls", envValue: "https://otel.example.com:443/", want: collector{host: "otel.example.com:443"}},
		{name: "bare host", envValue: "collector:4318", want: collector{host: "collector:4318", insecure: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := collectorFromEnv(); got != tt.want {
				t.Errorf("collectorFromEnv() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		envValue string
		expected float64
	}{
		{envValue: "", expected: 1},
		{envValue: "0.25", expected: 0.25},
		{envValue: "0", expected: 0},
		{envValue: "2", expected: 1},
		{envValue: "-1", expected: 1},
		{envValue: "abc", expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv("OTEL_SAMPLE_RATIO", tt.envValue)
			if got := sampleRatio(); got != tt.expected {
				t.Errorf("sampleRatio() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "ingest.Receive",
		attribute.String("event_id", "evt_1"),
	)
	AddSpanEvent(ctx, "db.insert")
	SetSpanError(ctx, errors.New("dispatch failed"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "ingest.Receive" {
		t.Errorf("span name = %q, want %q", got.Name, "ingest.Receive")
	}
	if len(got.Events) < 2 {
		t.Errorf("span events = %d, want at least 2 (event + recorded error)", len(got.Events))
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", got.Status.Code, codes.Error)
	}
	found := false
	for _, a := range got.Attributes {
		if a.Key == "event_id" && a.Value.AsString() == "evt_1" {
			found = true
		}
	}
	if !found {
		t.Error("span missing event_id attribute")
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	SetSpanError(context.Background(), nil)
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID(no span) = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()
	if got := GetTraceID(ctx); len(got) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", got)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch.Enqueue")
	defer span.End()
	want := GetTraceID(ctx)

	headers := InjectHeaders(ctx)
	if headers["traceparent"] == "" {
		t.Fatal("InjectHeaders() missing traceparent")
	}

	restored := ExtractHeaders(context.Background(), headers)
	ctx2, span2 := StartSpan(restored, "processor.Process")
	defer span2.End()
	if got := GetTraceID(ctx2); got != want {
		t.Errorf("trace id after ExtractHeaders = %q, want %q", got, want)
	}

	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	ctx3, span3 := StartSpan(ExtractHTTP(context.Background(), h), "processor.http")
	defer span3.End()
	if got := GetTraceID(ctx3); got != want {
		t.Errorf("trace id after ExtractHTTP = %q, want %q", got, want)
	}
}

func TestTracerNameConstant(t *testing.T) {
	if TracerName != "github.com/austindbirch/parcelhook" {
		t.Errorf("TracerName = %q", TracerName)
	}
}
