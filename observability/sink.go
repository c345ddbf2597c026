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

	"github.com/kadirpekel/codex-core/capability"
)

// Sink adapts a Tracer+Metrics pair to capability.EventSink (§9), the
// interface the tool orchestrator, model-stream driver, and thread
// manager depend on instead of this package directly.
type Sink struct {
	tracer  *Tracer
	metrics *Metrics
}

var _ capability.EventSink = (*Sink)(nil)

// NewSink builds a Sink from a Manager's tracer and metrics. A nil
// Manager yields a Sink whose calls are all no-ops.
func NewSink(m *Manager) *Sink {
	if m == nil {
		return &Sink{}
	}
	return &Sink{tracer: m.Tracer(), metrics: m.Metrics()}
}

// Counter implements capability.EventSink.
func (s *Sink) Counter(name string, delta int64, attrs map[string]string) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.Counter(name, delta, attrs)
}

// Span implements capability.EventSink.
func (s *Sink) Span(ctx context.Context, name string) (context.Context, func()) {
	if s == nil || s.tracer == nil {
		return ctx, func() {}
	}
	return s.tracer.Span(ctx, name)
}
