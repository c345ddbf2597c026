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
	"bytes"
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

type completingModelClient struct{}

func (completingModelClient) Stream(ctx context.Context, req capability.ModelRequest) (<-chan capability.ResponseEvent, error) {
	out := make(chan capability.ResponseEvent, 1)
	out <- capability.ResponseEvent{Type: capability.EventCompleted}
	close(out)
	return out, nil
}

type noopBroadcaster struct{}

func (noopBroadcaster) Publish(string, rollout.EventMsg) {}

func newTestThread(t *testing.T) *thread.Thread {
	t.Helper()
	store := rollout.NewStore(t.TempDir())
	w, err := store.Create(rollout.SessionMeta{Source: "cli"})
	require.NoError(t, err)
	driver := modelstream.NewDriver(completingModelClient{})
	th := thread.New("watch-thread", w, driver, &tool.Orchestrator{}, nil, noopBroadcaster{})
	go th.Run(context.Background())
	t.Cleanup(func() {
		th.Submit(thread.Op{Kind: thread.OpShutdown})
		<-th.Done()
	})
	return th
}

func TestThreadWatchManagerEmitsInitialStatus(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	wm := NewThreadWatchManager(s)

	th := newTestThread(t)
	release := wm.Watch(th)
	t.Cleanup(release)

	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte("threadStatus"))
	}, time.Second, 5*time.Millisecond)
}

func TestThreadWatchManagerIsIdempotentPerThread(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	wm := NewThreadWatchManager(s)

	th := newTestThread(t)
	release1 := wm.Watch(th)
	release2 := wm.Watch(th)

	wm.mu.Lock()
	count := len(wm.watches)
	wm.mu.Unlock()
	require.Equal(t, 1, count)

	release1()
	release2()
}
