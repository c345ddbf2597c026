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

package modelstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/rollout"
)

type fakeClient struct {
	streams []func() <-chan capability.ResponseEvent
	calls   int
	errs    []error
}

func (f *fakeClient) Stream(ctx context.Context, req capability.ModelRequest) (<-chan capability.ResponseEvent, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	return f.streams[idx](), nil
}

func chanOf(events ...capability.ResponseEvent) func() <-chan capability.ResponseEvent {
	return func() <-chan capability.ResponseEvent {
		ch := make(chan capability.ResponseEvent, len(events))
		for _, e := range events {
			ch <- e
		}
		close(ch)
		return ch
	}
}

func TestDriverForwardsEventsUntilCompleted(t *testing.T) {
	client := &fakeClient{
		streams: []func() <-chan capability.ResponseEvent{
			chanOf(
				capability.ResponseEvent{Type: capability.EventCreated},
				capability.ResponseEvent{Type: capability.EventOutputTextDelta, Text: "hi"},
				capability.ResponseEvent{Type: capability.EventCompleted},
			),
		},
	}
	d := NewDriver(client)
	d.IdleTimeout = time.Second

	events, err := d.Open(context.Background(), capability.ModelRequest{Model: "gpt-5-codex"})
	require.NoError(t, err)

	var got []capability.ResponseEventType
	for e := range events {
		got = append(got, e.Type)
	}
	require.Equal(t, []capability.ResponseEventType{
		capability.EventCreated, capability.EventOutputTextDelta, capability.EventCompleted,
	}, got)
	require.Equal(t, 1, client.calls)
}

func TestDriverRetriesOnTransportErrorThenSucceeds(t *testing.T) {
	client := &fakeClient{
		errs: []error{errTransient, nil},
		streams: []func() <-chan capability.ResponseEvent{
			nil,
			chanOf(capability.ResponseEvent{Type: capability.EventCompleted}),
		},
	}
	d := NewDriver(client)
	d.Retry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	d.IdleTimeout = time.Second

	events, err := d.Open(context.Background(), capability.ModelRequest{Model: "gpt-5-codex"})
	require.NoError(t, err)

	var last capability.ResponseEventType
	for e := range events {
		last = e.Type
	}
	require.Equal(t, capability.EventCompleted, last)
	require.Equal(t, 2, client.calls)
}

func TestDriverGivesUpAfterMaxRetries(t *testing.T) {
	client := &fakeClient{errs: []error{errTransient, errTransient, errTransient}}
	d := NewDriver(client)
	d.Retry = RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	events, err := d.Open(context.Background(), capability.ModelRequest{Model: "gpt-5-codex"})
	require.NoError(t, err)

	var last capability.ResponseEvent
	for e := range events {
		last = e
	}
	require.Equal(t, capability.EventError, last.Type)
}

func TestBuildRequestCarriesTranscriptAndTools(t *testing.T) {
	in := TurnInput{
		TurnContext: rollout.TurnContext{Model: "gpt-5-codex", BaseInstructions: "be terse"},
		Items: []rollout.ResponseItem{
			{ItemType: "message", Payload: json.RawMessage(`{"role":"user","content":"hi"}`)},
		},
		Tools: []capability.ToolDefinition{{Name: "shell", Description: "run a command"}},
	}
	req := BuildRequest(in)
	require.Equal(t, "gpt-5-codex", req.Model)
	require.Equal(t, "be terse", req.SystemInstruction)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Tools, 1)
}

func TestCountTokensFallsBackWithoutPanicking(t *testing.T) {
	n := CountTokens("not-a-real-model-xyz", "hello world")
	require.Greater(t, n, 0)
}

var errTransient = &transientErr{}

type transientErr struct{}

func (e *transientErr) Error() string { return "transient transport failure" }
