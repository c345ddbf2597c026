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

package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kadirpekel/codex-core/config"
)

// Manager owns the lifecycle of the tracer and metrics registry and is
// the single thing cmd/codex constructs at startup.
type Manager struct {
	cfg     *Config
	tracer  *Tracer
	metrics *Metrics
}

// NewManager builds a Manager from cfg. A nil cfg yields a Manager with
// both tracing and metrics disabled.
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	if cfg == nil {
		return &Manager{}, nil
	}
	cfg.SetDefaults()

	m := &Manager{cfg: cfg}

	if cfg.Tracing.Enabled {
		tracer, err := NewTracer(ctx, &cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("observability: init tracer: %w", err)
		}
		m.tracer = tracer
		slog.Info("observability: tracing initialized", "endpoint", cfg.Tracing.Endpoint, "sampling_rate", cfg.Tracing.SamplingRate)
	}

	if cfg.Metrics.Enabled {
		m.metrics = NewMetrics(&cfg.Metrics)
		slog.Info("observability: metrics initialized", "namespace", cfg.Metrics.Namespace)
	}

	return m, nil
}

// Tracer returns the tracer, or nil if tracing is disabled.
func (m *Manager) Tracer() *Tracer {
	if m == nil {
		return nil
	}
	return m.tracer
}

// Metrics returns the metrics registry, or nil if metrics are disabled.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// MetricsHandler returns the HTTP handler rpcserver's transport mounts at
// /metrics; it answers 503 when metrics are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	if m == nil || m.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.metrics.Handler()
}

// RecordFeatureFlags snapshots a resolved feature-flag registry onto the
// codex.feature.state gauge, once at session configuration (§7.1).
func (m *Manager) RecordFeatureFlags(reg *config.Registry, enabled map[string]bool) {
	if m == nil || m.metrics == nil || reg == nil {
		return
	}
	for _, f := range reg.Flags() {
		m.metrics.SetFeatureState(f.Key, f.Stage.String(), enabled[f.Key])
	}
}

// Shutdown flushes the tracer's exporter. Metrics need no explicit
// shutdown under Prometheus's pull model.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.tracer == nil {
		return nil
	}
	return m.tracer.Shutdown(ctx)
}
