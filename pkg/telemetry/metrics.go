package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	ruleEvaluationCounter  metric.Int64Counter
	ruleFailureCounter     metric.Int64Counter
	ruleSuppressedCounter  metric.Int64Counter
	rulePanicCounter       metric.Int64Counter
	ruleLatencyHistogram   metric.Float64Histogram
	pipelineVerdictCounter metric.Int64Counter
)

// RuleMetrics captures the fields needed to record one rule evaluation. Action
// is the kind of action the rule returned.
type RuleMetrics struct {
	PipelineID string
	RuleID     string
	RuleType   string
	Action     string
	Failed     bool
	Suppressed bool
	Panicked   bool
	Duration   time.Duration
}

// RecordRuleMetrics emits counters and histograms that describe rule behaviour.
func RecordRuleMetrics(ctx context.Context, metrics RuleMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.String("rule.id", metrics.RuleID),
		attribute.String("rule.type", metrics.RuleType),
		attribute.String("rule.action", metrics.Action),
	}

	ruleEvaluationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		ruleLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Failed {
		ruleFailureCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if metrics.Suppressed {
		ruleSuppressedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if metrics.Panicked {
		rulePanicCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordVerdict counts a finished pipeline evaluation by its final action.
func RecordVerdict(ctx context.Context, pipelineID, action string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	pipelineVerdictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("verdict.action", action),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("guard.firewall")

		ruleEvaluationCounter, metricsInitErr = meter.Int64Counter(
			"guard.rule.evaluations_total",
			metric.WithDescription("Firewall rule evaluations partitioned by action"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		ruleFailureCounter, metricsInitErr = meter.Int64Counter(
			"guard.rule.failures_total",
			metric.WithDescription("Rule checks that did not pass"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		ruleSuppressedCounter, metricsInitErr = meter.Int64Counter(
			"guard.rule.suppressed_total",
			metric.WithDescription("Necessary actions dropped because an earlier rule already decided"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		rulePanicCounter, metricsInitErr = meter.Int64Counter(
			"guard.rule.panics_total",
			metric.WithDescription("Rule checks that panicked and were recovered"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		ruleLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"guard.rule.duration_ms",
			metric.WithDescription("Observed rule check latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineVerdictCounter, metricsInitErr = meter.Int64Counter(
			"guard.pipeline.verdicts_total",
			metric.WithDescription("Pipeline evaluations partitioned by final action"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained security event to the provided span without leaking sensitive data.
func RecordSecurityEvent(span trace.Span, blocked bool, reason string, failures int, suppressed int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
		attribute.Int("security.failures.count", failures),
		attribute.Int("security.suppressed.count", suppressed),
	}

	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
