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
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus-backed counter/histogram/gauge set recorded by
// the turn loop, tool orchestrator, and model-stream driver via the
// capability.EventSink adapter in sink.go.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolErrors   *prometheus.CounterVec
	modelCalls   *prometheus.CounterVec
	modelErrors  *prometheus.CounterVec
	modelMillis  *prometheus.HistogramVec
	dbErrors     *prometheus.CounterVec
	featureState *prometheus.GaugeVec

	// counters is a name-keyed dispatch table so the generic
	// capability.EventSink.Counter(name, delta, attrs) call can route to
	// the right vector without a type switch per named metric.
	counters map[string]*prometheus.CounterVec
}

// NewMetrics builds a Metrics instance registered against a fresh
// registry, or nil when cfg disables metrics.
func NewMetrics(cfg *MetricsConfig) *Metrics {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Metrics{config: cfg, registry: prometheus.NewRegistry()}

	m.turns = m.counterVec("turn", "total", "Total number of turns executed", "thread_id")
	m.toolCalls = m.counterVec("tool", "invocation_total", "Total number of tool invocations", "tool")
	m.toolErrors = m.counterVec("tool", "error_total", "Total number of tool invocation errors", "tool")
	m.modelCalls = m.counterVec("model", "call_total", "Total number of model-stream opens", "model")
	m.modelErrors = m.counterVec("model", "error_total", "Total number of model-stream errors", "model")
	m.dbErrors = m.counterVec("db", "error_total", "Total number of rollout store errors", "op")

	m.modelMillis = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: "model",
		Name:      "call_duration_ms",
		Help:      "Model-stream call duration in milliseconds",
		Buckets:   prometheus.ExponentialBuckets(50, 2, 14),
	}, []string{"model"})
	m.registry.MustRegister(m.modelMillis)

	m.featureState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "feature",
		Name:      "state",
		Help:      "1 if the named feature flag is enabled, 0 otherwise",
	}, []string{"flag", "stage"})
	m.registry.MustRegister(m.featureState)

	m.counters = map[string]*prometheus.CounterVec{
		"codex.tool.invocation": m.toolCalls,
		"codex.tool.error":      m.toolErrors,
		"codex.model.error":     m.modelErrors,
		CounterDBError:          m.dbErrors,
	}

	return m
}

func (m *Metrics) counterVec(subsystem, name, help string, label string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.config.Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, []string{label})
	m.registry.MustRegister(v)
	return v
}

// Counter routes a named counter increment to its Prometheus vector. Named
// metrics whose single label isn't present in attrs record against "".
// codex.model.call_ms is special-cased onto the duration histogram rather
// than a counter, since the model-stream driver reports it as an elapsed
// duration, not a tally.
func (m *Metrics) Counter(name string, delta int64, attrs map[string]string) {
	if m == nil {
		return
	}
	if name == "codex.model.call_ms" {
		m.modelMillis.WithLabelValues(attrs["model"]).Observe(float64(delta))
		return
	}

	vec, ok := m.counters[name]
	if !ok {
		return
	}
	label := firstOf(attrs, "tool", "model", "op")
	vec.WithLabelValues(label).Add(float64(delta))
}

// RecordTurn increments the per-thread turn counter.
func (m *Metrics) RecordTurn(threadID string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(threadID).Inc()
}

// SetFeatureState records whether flag is enabled, for the codex.feature.state
// gauge named in §7.1's one-shot session-configured warning.
func (m *Metrics) SetFeatureState(flag, stage string, enabled bool) {
	if m == nil {
		return
	}
	v := 0.0
	if enabled {
		v = 1.0
	}
	m.featureState.WithLabelValues(flag, stage).Set(v)
}

// Handler serves the Prometheus exposition format for rpcserver's HTTP
// front door to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func firstOf(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			return v
		}
	}
	return ""
}
