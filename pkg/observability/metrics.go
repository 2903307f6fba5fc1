package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ensemble-ai/ensemble/pkg/config"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
)

// Metrics records pipeline events. A nil-safe noop is used when metrics
// are disabled.
type Metrics interface {
	RecordProviderCall(ctx context.Context, provider, model string, duration time.Duration, tokens int, err error)
	RecordProviderRotation(ctx context.Context, from, to string)
	RecordCommandExecution(ctx context.Context, command string, duration time.Duration, err error)
	RecordChainRun(ctx context.Context, chain string, duration time.Duration, err error)
	RecordHeavyTasks(ctx context.Context, delta int64)
}

var (
	globalMetricsMu sync.RWMutex
	globalMetrics   Metrics = noopMetrics{}
)

func setGlobalMetrics(m Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	if m != nil {
		globalMetrics = m
	}
}

// GetGlobalMetrics returns the process metrics recorder (never nil).
func GetGlobalMetrics() Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	return globalMetrics
}

type noopMetrics struct{}

func (noopMetrics) RecordProviderCall(context.Context, string, string, time.Duration, int, error) {}
func (noopMetrics) RecordProviderRotation(context.Context, string, string)                        {}
func (noopMetrics) RecordCommandExecution(context.Context, string, time.Duration, error)          {}
func (noopMetrics) RecordChainRun(context.Context, string, time.Duration, error)                  {}
func (noopMetrics) RecordHeavyTasks(context.Context, int64)                                       {}

type promMetrics struct {
	providerDuration metric.Float64Histogram
	providerCalls    metric.Int64Counter
	providerErrors   metric.Int64Counter
	providerTokens   metric.Int64Counter
	rotations        metric.Int64Counter
	commandDuration  metric.Float64Histogram
	commandCalls     metric.Int64Counter
	commandErrors    metric.Int64Counter
	chainDuration    metric.Float64Histogram
	chainRuns        metric.Int64Counter
	chainErrors      metric.Int64Counter
	heavyTasks       metric.Int64UpDownCounter
}

func initMetrics(cfg config.ObservabilityConfig) (Metrics, error) {
	if !cfg.IsMetricsEnabled() {
		return noopMetrics{}, nil
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := meterProvider.Meter(cfg.ServiceName)

	m := &promMetrics{}

	if m.providerDuration, err = meter.Float64Histogram(
		"ensemble_provider_call_duration_seconds",
		metric.WithDescription("Provider call duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.providerCalls, err = meter.Int64Counter(
		"ensemble_provider_calls_total",
		metric.WithDescription("Total provider calls"),
	); err != nil {
		return nil, err
	}
	if m.providerErrors, err = meter.Int64Counter(
		"ensemble_provider_errors_total",
		metric.WithDescription("Total provider call failures"),
	); err != nil {
		return nil, err
	}
	if m.providerTokens, err = meter.Int64Counter(
		"ensemble_provider_tokens_total",
		metric.WithDescription("Total tokens reported by providers"),
	); err != nil {
		return nil, err
	}
	if m.rotations, err = meter.Int64Counter(
		"ensemble_provider_rotations_total",
		metric.WithDescription("Provider rotations after transient failures"),
	); err != nil {
		return nil, err
	}
	if m.commandDuration, err = meter.Float64Histogram(
		"ensemble_command_duration_seconds",
		metric.WithDescription("Command execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.commandCalls, err = meter.Int64Counter(
		"ensemble_command_calls_total",
		metric.WithDescription("Total command executions"),
	); err != nil {
		return nil, err
	}
	if m.commandErrors, err = meter.Int64Counter(
		"ensemble_command_errors_total",
		metric.WithDescription("Total command failures"),
	); err != nil {
		return nil, err
	}
	if m.chainDuration, err = meter.Float64Histogram(
		"ensemble_chain_run_duration_seconds",
		metric.WithDescription("Chain run duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.chainRuns, err = meter.Int64Counter(
		"ensemble_chain_runs_total",
		metric.WithDescription("Total chain runs"),
	); err != nil {
		return nil, err
	}
	if m.chainErrors, err = meter.Int64Counter(
		"ensemble_chain_errors_total",
		metric.WithDescription("Total failed chain runs"),
	); err != nil {
		return nil, err
	}
	if m.heavyTasks, err = meter.Int64UpDownCounter(
		"ensemble_heavy_tasks_active",
		metric.WithDescription("Currently active heavy tasks (chains and autonomous loops)"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *promMetrics) RecordProviderCall(ctx context.Context, provider, model string, duration time.Duration, tokens int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	m.providerDuration.Record(ctx, duration.Seconds(), attrs)
	m.providerCalls.Add(ctx, 1, attrs)
	if tokens > 0 {
		m.providerTokens.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.providerErrors.Add(ctx, 1, attrs)
	}
}

func (m *promMetrics) RecordProviderRotation(ctx context.Context, from, to string) {
	m.rotations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *promMetrics) RecordCommandExecution(ctx context.Context, command string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("command", command))
	m.commandDuration.Record(ctx, duration.Seconds(), attrs)
	m.commandCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.commandErrors.Add(ctx, 1, attrs)
	}
}

func (m *promMetrics) RecordChainRun(ctx context.Context, chain string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("chain", chain))
	m.chainDuration.Record(ctx, duration.Seconds(), attrs)
	m.chainRuns.Add(ctx, 1, attrs)
	if err != nil {
		m.chainErrors.Add(ctx, 1, attrs)
	}
}

func (m *promMetrics) RecordHeavyTasks(ctx context.Context, delta int64) {
	m.heavyTasks.Add(ctx, delta)
}
