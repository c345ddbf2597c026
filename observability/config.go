// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires the core's OTEL tracer and Prometheus
// metrics behind the capability.EventSink interface (§9), so the turn
// loop, tool orchestrator, and model-stream driver depend on an
// interface rather than this concrete exporter pair.
package observability

import "time"

// Config configures the observability system, mirroring the core's
// layered config precedence (file < profile < env < CLI, §2).
type Config struct {
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing,omitempty"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing for turn execution, tool
// dispatch, model-stream calls, and rollout I/O (§9).
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Endpoint     string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate,omitempty"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name,omitempty"`
	Insecure     bool    `mapstructure:"insecure" yaml:"insecure,omitempty"`
	Timeout      time.Duration
}

// MetricsConfig configures the Prometheus registry exposed over
// rpcserver's HTTP front door (§4.7).
type MetricsConfig struct {
	Enabled   bool              `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Namespace string            `mapstructure:"namespace" yaml:"namespace,omitempty"`
	Subsystem string            `mapstructure:"subsystem" yaml:"subsystem,omitempty"`
	ConstLabels map[string]string `mapstructure:"const_labels" yaml:"const_labels,omitempty"`
}

// SetDefaults fills in the core's default observability posture: tracing
// and metrics both off until a profile/CLI override turns them on.
func (c *Config) SetDefaults() {
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultServiceName
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.Timeout == 0 {
		c.Tracing.Timeout = 10 * time.Second
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultServiceName
	}
}
