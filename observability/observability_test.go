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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codex-core/config"
)

func TestNewManagerNilConfigIsAllNoop(t *testing.T) {
	m, err := NewManager(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, m.Tracer())
	require.Nil(t, m.Metrics())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNewManagerDisabledLeavesBothOff(t *testing.T) {
	m, err := NewManager(context.Background(), &Config{})
	require.NoError(t, err)
	require.Nil(t, m.Tracer())
	require.Nil(t, m.Metrics())
}

func TestNewManagerEnablesMetricsOnly(t *testing.T) {
	m, err := NewManager(context.Background(), &Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, err)
	require.Nil(t, m.Tracer())
	require.NotNil(t, m.Metrics())
}

func TestSinkIsSafeWithNilManager(t *testing.T) {
	s := NewSink(nil)
	ctx, end := s.Span(context.Background(), "x")
	require.NotNil(t, ctx)
	end()
	s.Counter("codex.db.error", 1, nil)
}

func TestRecordFeatureFlagsSkipsWithoutMetrics(t *testing.T) {
	m, err := NewManager(context.Background(), &Config{})
	require.NoError(t, err)
	reg := config.NewRegistry()
	enabled, _ := reg.Resolve()
	// Must not panic when metrics are disabled.
	m.RecordFeatureFlags(reg, enabled)
}

func TestRecordFeatureFlagsWithMetrics(t *testing.T) {
	m, err := NewManager(context.Background(), &Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, err)
	reg := config.NewRegistry()
	enabled, _ := reg.Resolve()
	m.RecordFeatureFlags(reg, enabled)
}
