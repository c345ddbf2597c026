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

// Package modelstream drives one model request/response cycle (§4.4):
// builds the request from the active TurnContext and transcript, issues it
// against the ModelClient capability with bounded retry/backoff, and
// exposes a lazy channel of internal events for the thread state machine
// to consume. Adapted from the teacher's ordered request/response
// processor pipeline (llmagent/processor.go) into a streaming driver.
package modelstream

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// Event mirrors capability.ResponseEvent, re-exported at this package's
// boundary so callers don't need to import capability just to pattern
// match on stream events.
type Event = capability.ResponseEvent

// RetryPolicy configures the driver's bounded exponential backoff with
// jitter (§4.4).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the teacher's provider-aggregation retry
// defaults: a handful of attempts with capped exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	BaseDelay:  250 * time.Millisecond,
	MaxDelay:   10 * time.Second,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := d * (0.5 + rand.Float64()/2) //nolint:gosec // backoff jitter, not security-sensitive
	return time.Duration(jitter)
}

// Driver opens and consumes model streams against a single ModelClient.
type Driver struct {
	Client      capability.ModelClient
	Retry       RetryPolicy
	IdleTimeout time.Duration
	// Metrics ships a span + call-duration counter around each stream open
	// (§9: OTEL sink is a capability, not a concrete dependency). Nil skips
	// instrumentation.
	Metrics capability.EventSink
}

// NewDriver builds a Driver with default retry/idle settings.
func NewDriver(client capability.ModelClient) *Driver {
	return &Driver{Client: client, Retry: DefaultRetryPolicy, IdleTimeout: 90 * time.Second}
}

// Open issues req against the ModelClient with retry, returning a channel
// of Events the caller drains until closed. A RateLimits event does not
// terminate the stream; Completed does. An Error event ends it unless the
// driver retries the request, in which case the Error is still forwarded
// and the retried attempt's events follow on the same channel.
func (d *Driver) Open(ctx context.Context, req capability.ModelRequest) (<-chan Event, error) {
	out := make(chan Event, 16)
	go d.run(ctx, req, out)
	return out, nil
}

func (d *Driver) run(ctx context.Context, req capability.ModelRequest, out chan<- Event) {
	defer close(out)

	if d.Metrics != nil {
		var end func()
		ctx, end = d.Metrics.Span(ctx, "modelstream.open")
		defer end()
		started := time.Now()
		defer func() {
			d.Metrics.Counter("codex.model.call_ms", time.Since(started).Milliseconds(), map[string]string{"model": req.Model})
		}()
	}

	retry := d.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryPolicy
	}

	attempt := 0
	for {
		events, err := d.Client.Stream(ctx, req)
		if err != nil {
			if !d.shouldRetry(attempt, retry, err) {
				if d.Metrics != nil {
					d.Metrics.Counter("codex.model.error", 1, map[string]string{"model": req.Model})
				}
				out <- Event{Type: capability.EventError, Err: coreerr.Wrap(coreerr.KindTransport, "open model stream", err)}
				return
			}
			attempt++
			if !d.sleep(ctx, retry.delay(attempt)) {
				return
			}
			continue
		}

		if d.drain(ctx, events, out, &attempt, retry) {
			return
		}
	}
}

// drain forwards events from the underlying stream until it closes,
// Completed/Error arrives, or the idle-timeout window elapses with no
// event observed (§4.4). Returns true when the overall run should stop.
func (d *Driver) drain(ctx context.Context, events <-chan Event, out chan<- Event, attempt *int, retry RetryPolicy) bool {
	idle := d.IdleTimeout
	if idle <= 0 {
		idle = 90 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			out <- Event{Type: capability.EventError, Err: ctx.Err()}
			return true
		case <-timer.C:
			if !d.shouldRetry(*attempt, retry, coreerr.New(coreerr.KindTimeout, "model stream idle timeout")) {
				out <- Event{Type: capability.EventError, Err: coreerr.New(coreerr.KindTimeout, "model stream idle timeout")}
				return true
			}
			*attempt++
			return !d.sleep(ctx, retry.delay(*attempt))
		case ev, ok := <-events:
			if !ok {
				return true
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			out <- ev
			if ev.Type == capability.EventCompleted {
				return true
			}
			if ev.Type == capability.EventError {
				if d.shouldRetry(*attempt, retry, ev.Err) {
					*attempt++
					return !d.sleep(ctx, retry.delay(*attempt))
				}
				return true
			}
		}
	}
}

func (d *Driver) shouldRetry(attempt int, retry RetryPolicy, err error) bool {
	if attempt >= retry.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// sleep waits for d, returning false if ctx is cancelled first.
func (d *Driver) sleep(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
