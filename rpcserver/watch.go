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
	"sync"
	"time"

	"github.com/kadirpekel/codex-core/thread"
)

// watchPollInterval is how often a watch samples its thread's State(); the
// debounce window coalesces any status flicker faster than this into a
// single outbound notification (§4.7 "status coalescing").
const (
	watchPollInterval = 50 * time.Millisecond
	watchDebounce     = 75 * time.Millisecond
)

// ThreadStatus is the status tracker's outward-facing snapshot.
type ThreadStatus struct {
	ThreadID string `json:"thread_id"`
	State    string `json:"state"`
	SubState string `json:"sub_state,omitempty"`
}

func subStateName(s thread.SubState) string {
	switch s {
	case thread.SubAwaitingModel:
		return "awaiting_model"
	case thread.SubAwaitingApproval:
		return "awaiting_approval"
	case thread.SubAwaitingToolOutput:
		return "awaiting_tool_output"
	default:
		return ""
	}
}

type watch struct {
	threadID string
	stop     chan struct{}
	done     chan struct{}
}

// ThreadWatchManager tracks live State()/SubState() for watched threads
// and emits coalesced status notifications, rather than one notification
// per internal transition. Callers acquire a watch with Watch and release
// it by calling the returned func — the RAII-guard shape matches a
// subscription's lifetime (add/removeConversationListener) one-to-one.
type ThreadWatchManager struct {
	server *Server

	mu      sync.Mutex
	watches map[string]*watch // thread id -> watch
}

// NewThreadWatchManager builds a manager that reports status changes
// through s.
func NewThreadWatchManager(s *Server) *ThreadWatchManager {
	return &ThreadWatchManager{server: s, watches: map[string]*watch{}}
}

// Watch starts tracking th's status and returns a release function; a
// second Watch call for the same thread id before release is a no-op that
// reuses the existing watch (idempotent per spec's one-status-stream-per-
// thread model).
func (m *ThreadWatchManager) Watch(th *thread.Thread) func() {
	m.mu.Lock()
	if existing, ok := m.watches[th.ID]; ok {
		m.mu.Unlock()
		return func() { m.release(existing) }
	}
	w := &watch{threadID: th.ID, stop: make(chan struct{}), done: make(chan struct{})}
	m.watches[th.ID] = w
	m.mu.Unlock()

	go m.run(th, w)
	return func() { m.release(w) }
}

func (m *ThreadWatchManager) release(w *watch) {
	m.mu.Lock()
	if m.watches[w.threadID] != w {
		m.mu.Unlock()
		return
	}
	delete(m.watches, w.threadID)
	m.mu.Unlock()
	close(w.stop)
	<-w.done
}

func (m *ThreadWatchManager) run(th *thread.Thread, w *watch) {
	defer close(w.done)

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	var debounce *time.Timer

	emit := func(st ThreadStatus) {
		_ = m.server.Notify("codex/threadStatus", st)
	}

	lastState, lastSub := th.State()
	emit(ThreadStatus{ThreadID: th.ID, State: lastState.String(), SubState: subStateName(lastSub)})

	for {
		select {
		case <-w.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-ticker.C:
			state, sub := th.State()
			if state == lastState && sub == lastSub {
				continue
			}
			lastState, lastSub = state, sub
			status := ThreadStatus{ThreadID: th.ID, State: state.String(), SubState: subStateName(sub)}
			if debounce != nil {
				debounce.Stop()
			}
			// Each fresh transition gets its own timer capturing the
			// status by value, so a rapid run of transitions collapses
			// into a single emit of the latest one (§4.7 coalescing)
			// without any state shared across goroutines.
			debounce = time.AfterFunc(watchDebounce, func() { emit(status) })
		}
	}
}
