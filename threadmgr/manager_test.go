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

package threadmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/modelstream"
	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/thread"
	"github.com/kadirpekel/codex-core/tool"
)

type fakeModelClient struct{}

func (fakeModelClient) Stream(ctx context.Context, req capability.ModelRequest) (<-chan capability.ResponseEvent, error) {
	out := make(chan capability.ResponseEvent, 1)
	out <- capability.ResponseEvent{Type: capability.EventCompleted}
	close(out)
	return out, nil
}

type fakeBroadcaster struct{}

func (fakeBroadcaster) Publish(string, rollout.EventMsg) {}

func testDeps(t *testing.T) Deps {
	t.Helper()
	store := rollout.NewStore(t.TempDir())
	return Deps{
		Store:        store,
		NewDriver:    func() *modelstream.Driver { return modelstream.NewDriver(fakeModelClient{}) },
		Orchestrator: &tool.Orchestrator{},
		Policy:       nil,
		Broadcaster:  fakeBroadcaster{},
	}
}

func TestStartThreadRegistersAndRuns(t *testing.T) {
	m := New(testDeps(t), 4)
	th, err := m.StartThread(context.Background(), rollout.SessionMeta{Source: "cli"})
	require.NoError(t, err)
	require.NotEmpty(t, th.ID)

	got, ok := m.GetThread(th.ID)
	require.True(t, ok)
	require.Same(t, th, got)

	require.NoError(t, m.RemoveThread(th.ID))
	_, ok = m.GetThread(th.ID)
	require.False(t, ok)
}

func TestResumeThreadSeedsTurnCount(t *testing.T) {
	deps := testDeps(t)
	m := New(deps, 4)

	th, err := m.StartThread(context.Background(), rollout.SessionMeta{Source: "cli"})
	require.NoError(t, err)
	id := th.Submit(thread.Op{Kind: thread.OpUserInput, UserInput: &thread.UserInputOp{Items: []thread.InputItem{{Text: "hello"}}}})
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		st, _ := th.State()
		return st == thread.StateIdle
	}, time.Second, time.Millisecond)

	path := ""
	m.mu.RLock()
	path = m.threads[th.ID].path
	m.mu.RUnlock()
	require.NoError(t, m.RemoveThread(th.ID))

	resumed, err := m.ResumeThread(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, th.ID, resumed.ID)
	require.Len(t, resumed.Transcript(), 2) // permissions message + user message
}

func TestAgentControlCap(t *testing.T) {
	m := New(testDeps(t), 1)
	ctx := context.Background()

	a, err := m.SpawnAgent(ctx, "parent-1", rollout.SessionMeta{Source: "sub_agent"})
	require.NoError(t, err)

	_, err = m.SpawnAgent(ctx, "parent-1", rollout.SessionMeta{Source: "sub_agent"})
	require.Error(t, err)

	require.NoError(t, m.ShutdownAgent(a.ID))

	_, err = m.SpawnAgent(ctx, "parent-1", rollout.SessionMeta{Source: "sub_agent"})
	require.NoError(t, err)
}
