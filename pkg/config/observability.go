package config

import "fmt"

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// ServiceName tags emitted telemetry. Default "ensemble".
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty" jsonschema:"title=Service Name,default=ensemble"`

	// TracesEnabled turns on span export.
	TracesEnabled bool `yaml:"traces_enabled,omitempty" json:"traces_enabled,omitempty" jsonschema:"title=Traces Enabled"`

	// TraceExporter: stdout or otlp. Default stdout.
	TraceExporter string `yaml:"trace_exporter,omitempty" json:"trace_exporter,omitempty" jsonschema:"title=Trace Exporter,enum=stdout,enum=otlp,default=stdout"`

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty" jsonschema:"title=OTLP Endpoint"`

	// MetricsEnabled mounts the Prometheus /metrics endpoint. Default true.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty" json:"metrics_enabled,omitempty" jsonschema:"title=Metrics Enabled,default=true"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "ensemble"
	}
	if c.TraceExporter == "" {
		c.TraceExporter = "stdout"
	}
	if c.MetricsEnabled == nil {
		enabled := true
		c.MetricsEnabled = &enabled
	}
}

func (c *ObservabilityConfig) Validate() error {
	switch c.TraceExporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("invalid trace_exporter %q", c.TraceExporter)
	}
	if c.TraceExporter == "otlp" && c.TracesEnabled && c.OTLPEndpoint == "" {
		return fmt.Errorf("otlp_endpoint is required for the otlp exporter")
	}
	return nil
}

func (c *ObservabilityConfig) IsMetricsEnabled() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}
