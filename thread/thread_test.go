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

package thread

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/modelstream"
	"github.com/kadirpekel/codex-core/rollout"
)

type fakeModelClient struct {
	mu       sync.Mutex
	rounds   [][]capability.ResponseEvent
	calls    int
	blocking bool
}

func (f *fakeModelClient) Stream(ctx context.Context, req capability.ModelRequest) (<-chan capability.ResponseEvent, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if f.blocking {
		ch := make(chan capability.ResponseEvent)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}

	var events []capability.ResponseEvent
	if idx < len(f.rounds) {
		events = f.rounds[idx]
	}
	ch := make(chan capability.ResponseEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []rollout.EventMsg
}

func (b *fakeBroadcaster) Publish(threadID string, msg rollout.EventMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *fakeBroadcaster) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Kind
	}
	return out
}

func newTestThread(t *testing.T, client capability.ModelClient) (*Thread, *fakeBroadcaster) {
	t.Helper()
	store := rollout.NewStore(t.TempDir())
	w, err := store.Create(rollout.SessionMeta{ThreadID: "th-1", CreatedAt: time.Now(), Source: "test"})
	require.NoError(t, err)

	bc := &fakeBroadcaster{}
	th := New("th-1", w, modelstream.NewDriver(client), nil, nil, bc)
	th.turnCtx = rollout.TurnContext{Model: "gpt-5-codex"}
	return th, bc
}

func waitForState(t *testing.T, th *Thread, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s, _ := th.State(); s == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v", want)
}

func TestTurnCompletesWithoutToolCall(t *testing.T) {
	client := &fakeModelClient{rounds: [][]capability.ResponseEvent{
		{
			{Type: capability.EventOutputTextDelta, Text: "hi"},
			{Type: capability.EventOutputItemDone, ResponseItem: ModelItem{Kind: "message", Role: "assistant", Text: "hello there"}},
			{Type: capability.EventCompleted, Usage: map[string]any{"total_tokens": 5}},
		},
	}}
	th, bc := newTestThread(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go th.Run(ctx)

	th.Submit(Op{Kind: OpUserInput, UserInput: &UserInputOp{Items: []InputItem{{Text: "hi there"}}}})

	waitForState(t, th, StateIdle, time.Second)

	transcript := th.Transcript()
	require.GreaterOrEqual(t, len(transcript), 2)
	require.Contains(t, bc.kinds(), "TurnComplete")
	require.Contains(t, bc.kinds(), "UserMessage")
	require.Contains(t, bc.kinds(), "AgentMessage")
}

func TestInterruptAbortsRunningTurn(t *testing.T) {
	client := &fakeModelClient{blocking: true}
	th, bc := newTestThread(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go th.Run(ctx)

	th.Submit(Op{Kind: OpUserInput, UserInput: &UserInputOp{Items: []InputItem{{Text: "hi"}}}})
	waitForState(t, th, StateTurnRunning, time.Second)

	th.Submit(Op{Kind: OpInterrupt})
	waitForState(t, th, StateIdle, time.Second)

	require.Contains(t, bc.kinds(), "TurnAborted")
}

func TestRollbackTruncatesTranscript(t *testing.T) {
	th, _ := newTestThread(t, &fakeModelClient{})

	th.appendItem(messageItem("user", "turn 1"))
	th.appendItem(messageItem("assistant", "reply 1"))
	th.appendItem(messageItem("user", "turn 2"))
	th.appendItem(messageItem("assistant", "reply 2"))

	th.handleRollback(&ThreadRollbackOp{NumTurns: 1})

	transcript := th.Transcript()
	require.Len(t, transcript, 2)
}

func TestSubmitReturnsSubmissionID(t *testing.T) {
	th, _ := newTestThread(t, &fakeModelClient{})
	id := th.Submit(Op{Kind: OpShutdown})
	require.NotEmpty(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	th.Run(ctx)
	s, _ := th.State()
	require.Equal(t, StateTerminated, s)
}
