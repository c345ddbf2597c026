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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codex-core/rollout"
)

func TestSubscriptionHubFansOutToListener(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	h := NewSubscriptionHub(s)

	id := h.AddListener("thread-1")
	h.Publish("thread-1", rollout.EventMsg{Kind: "TurnStarted"})

	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte("TurnStarted"))
	}, time.Second, 5*time.Millisecond)

	require.True(t, h.RemoveListener(id))
	require.False(t, h.RemoveListener(id)) // already removed
}

func TestSubscriptionHubOnlyDeliversToMatchingThread(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	h := NewSubscriptionHub(s)

	h.AddListener("thread-a")
	h.Publish("thread-b", rollout.EventMsg{Kind: "ShouldNotArrive"})

	time.Sleep(20 * time.Millisecond)
	require.NotContains(t, out.String(), "ShouldNotArrive")
}

func TestSubscriptionHubDropsOldestWhenQueueFull(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	h := NewSubscriptionHub(s)

	h.AddListener("thread-1")

	// Publish more events than the listener's queue depth before the
	// drain goroutine can keep up; Publish must never block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < listenerQueueDepth*2; i++ {
			h.Publish("thread-1", rollout.EventMsg{Kind: "Flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked under a full listener queue")
	}
}
