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

package rpcserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/codex-core/capability"
)

// NewHTTPRouter builds the sidecar HTTP front door that sits alongside the
// stdio JSON-RPC duplex: a liveness probe and a Prometheus scrape target
// (§9). The JSON-RPC method dispatch itself stays on stdio; chi only
// fronts the two HTTP-native endpoints an operator's orchestrator expects.
func NewHTTPRouter(metricsHandler http.Handler, sink capability.EventSink) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpSpanMiddleware(sink))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if metricsHandler != nil {
		r.Get("/metrics", metricsHandler.ServeHTTP)
	}

	return r
}

// httpSpanMiddleware wraps each request in a span and a request-duration
// counter the way the teacher's chi-based metrics middleware does, routed
// through capability.EventSink instead of a package-global tracer/metrics
// pair.
func httpSpanMiddleware(sink capability.EventSink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sink == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx, end := sink.Span(r.Context(), "http.request")
			defer end()
			started := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			sink.Counter("codex.http.request_ms", time.Since(started).Milliseconds(), map[string]string{"path": chi.RouteContext(r.Context()).RoutePattern()})
		})
	}
}
