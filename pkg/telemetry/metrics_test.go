package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordRuleMetrics(t *testing.T) {
	ctx := context.Background()
	reader := installReader(t)

	RecordRuleMetrics(ctx, RuleMetrics{
		PipelineID: "default",
		RuleID:     "no-script",
		RuleType:   "detector",
		Action:     "redirect",
		Failed:     true,
		Suppressed: true,
		Duration:   150 * time.Millisecond,
	})

	metrics := collectMetrics(t, reader)

	sumEval, ok := metrics["guard.rule.evaluations_total"]
	if !ok {
		t.Fatalf("missing guard.rule.evaluations_total metric")
	}
	evalData, ok := sumEval.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for evaluations metric")
	}
	if len(evalData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(evalData.DataPoints))
	}
	if evalData.DataPoints[0].Value != 1 {
		t.Fatalf("expected evaluation count 1, got %d", evalData.DataPoints[0].Value)
	}
	if value, ok := evalData.DataPoints[0].Attributes.Value(attribute.Key("rule.type")); !ok || value.AsString() != "detector" {
		t.Fatalf("expected rule.type attribute to be detector, got %v", value)
	}

	for _, name := range []string{"guard.rule.failures_total", "guard.rule.suppressed_total"} {
		sum, ok := metrics[name]
		if !ok {
			t.Fatalf("missing %s metric", name)
		}
		data := sum.Data.(metricdata.Sum[int64])
		if data.DataPoints[0].Value != 1 {
			t.Fatalf("expected %s count 1, got %d", name, data.DataPoints[0].Value)
		}
	}

	if _, ok := metrics["guard.rule.panics_total"]; ok {
		t.Fatalf("panic counter recorded without a panic")
	}

	hist, ok := metrics["guard.rule.duration_ms"]
	if !ok {
		t.Fatalf("missing guard.rule.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordVerdict(t *testing.T) {
	reader := installReader(t)

	RecordVerdict(context.Background(), "default", "block")
	RecordVerdict(context.Background(), "default", "block")

	metrics := collectMetrics(t, reader)
	sum, ok := metrics["guard.pipeline.verdicts_total"]
	if !ok {
		t.Fatalf("missing guard.pipeline.verdicts_total metric")
	}
	data := sum.Data.(metricdata.Sum[int64])
	if data.DataPoints[0].Value != 2 {
		t.Fatalf("expected verdict count 2, got %d", data.DataPoints[0].Value)
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "pipeline")
	RecordSecurityEvent(span, true, "block", 2, 1)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 security event, got %d", len(events))
	}
	event := events[0]
	if event.Name != "security.event" {
		t.Fatalf("unexpected event name %q", event.Name)
	}

	attrs := attribute.NewSet(event.Attributes...)
	if value, ok := attrs.Value(attribute.Key("security.blocked")); !ok || !value.AsBool() {
		t.Fatalf("expected security.blocked attribute true")
	}
	if value, ok := attrs.Value(attribute.Key("security.block_reason")); !ok || value.AsString() != "block" {
		t.Fatalf("expected block_reason 'block', got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("security.suppressed.count")); !ok || value.AsInt64() != 1 {
		t.Fatalf("expected suppressed count 1, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("security.failures.count")); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected failures count 2, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "polis-guard"})
	if err != nil {
		t.Fatalf("setup provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewSampler(t *testing.T) {
	if got := newSampler(0).Description(); got != sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
		t.Fatalf("unexpected default sampler %q", got)
	}
	if got := newSampler(0.25).Description(); got != sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description() {
		t.Fatalf("unexpected ratio sampler %q", got)
	}
}
