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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMetricsDisabledReturnsNil(t *testing.T) {
	require.Nil(t, NewMetrics(nil))
	require.Nil(t, NewMetrics(&MetricsConfig{Enabled: false}))
}

func TestMetricsCounterRoutesByName(t *testing.T) {
	m := NewMetrics(&MetricsConfig{Enabled: true, Namespace: "codex"})
	require.NotNil(t, m)

	m.Counter("codex.tool.invocation", 1, map[string]string{"tool": "shell"})
	m.Counter("codex.tool.error", 1, map[string]string{"tool": "shell"})
	m.Counter("codex.db.error", 1, map[string]string{"op": "create"})
	m.Counter("codex.model.call_ms", 42, map[string]string{"model": "gpt-5"})
	m.Counter("no.such.counter", 1, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.True(t, strings.Contains(body, "codex_tool_invocation_total"))
	require.True(t, strings.Contains(body, "codex_db_error_total"))
	require.True(t, strings.Contains(body, "codex_model_call_duration_ms"))
}

func TestMetricsSetFeatureState(t *testing.T) {
	m := NewMetrics(&MetricsConfig{Enabled: true, Namespace: "codex"})
	require.NotNil(t, m)

	m.SetFeatureState("unified_exec", "experimental", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.True(t, strings.Contains(rec.Body.String(), `codex_feature_state{flag="unified_exec",stage="experimental"} 1`))
}

func TestNilMetricsHandlerReturns503(t *testing.T) {
	var m *Metrics
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
