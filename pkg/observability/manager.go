// Package observability wires OpenTelemetry tracing and Prometheus metrics.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// Manager owns the tracer provider and metrics for one server instance.
type Manager struct {
	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        Metrics
	cfg            config.ObservabilityConfig
}

func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := initTracer(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := initMetrics(m.cfg)
	if err != nil {
		return err
	}
	m.metrics = metrics
	setGlobalMetrics(metrics)

	return nil
}

func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return sp.Shutdown(ctx)
	}
	return nil
}
