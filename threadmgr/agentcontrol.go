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
	"encoding/json"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/thread"
)

// AgentStatusKind tags a sub-agent's derived lifecycle state (§4.6).
type AgentStatusKind int

const (
	// AgentPendingInit marks a reserved, registered sub-agent that hasn't
	// yet emitted TurnStarted for its initial prompt.
	AgentPendingInit AgentStatusKind = iota
	AgentRunning
	AgentCompleted
	AgentErrored
	AgentShutdown
	// AgentNotFound marks a sub-agent whose parent thread is gone from the
	// registry while the sub-agent's own thread is still running.
	AgentNotFound
)

func (k AgentStatusKind) String() string {
	switch k {
	case AgentPendingInit:
		return "pending_init"
	case AgentRunning:
		return "running"
	case AgentCompleted:
		return "completed"
	case AgentErrored:
		return "errored"
	case AgentShutdown:
		return "shutdown"
	case AgentNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// AgentStatus is one sub-agent's bookkeeping record.
type AgentStatus struct {
	ThreadID string
	ParentID string
	Kind     AgentStatusKind
	Reason   string
}

// AgentControl enforces the sub-agent cap named by `agents.max_threads`
// (§4.6, §8 scenario 6) and derives each spawned sub-agent's AgentStatus.
// It holds a weak.Pointer back-reference to its owning Manager rather than
// a strong one: Manager -> AgentControl -> Manager would otherwise be the
// cyclic graph §9 calls out to avoid. The weak reference is only consulted
// to check whether a sub-agent's parent thread is still registered; losing
// it (Manager collected) just means status derivation degenerates to
// "unknown parent" instead of panicking.
type AgentControl struct {
	manager weak.Pointer[Manager]
	max     int64
	active  int64

	mu     sync.Mutex
	agents map[string]*AgentStatus
}

func newAgentControl(m *Manager, max int) *AgentControl {
	if max <= 0 {
		max = 8
	}
	return &AgentControl{
		manager: weak.Make(m),
		max:     int64(max),
		agents:  map[string]*AgentStatus{},
	}
}

// Reserve claims one sub-agent slot, reporting false once `agents.max_threads`
// concurrent sub-agents are already active under this manager.
func (a *AgentControl) Reserve() bool {
	for {
		cur := atomic.LoadInt64(&a.active)
		if cur >= a.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&a.active, cur, cur+1) {
			return true
		}
	}
}

// Release frees a previously reserved slot.
func (a *AgentControl) Release() {
	atomic.AddInt64(&a.active, -1)
}

// Track registers a freshly spawned sub-agent's status record, starting in
// AgentPendingInit until its TurnStarted event arrives (§4.6).
func (a *AgentControl) Track(parentID, threadID string) *AgentStatus {
	st := &AgentStatus{ThreadID: threadID, ParentID: parentID, Kind: AgentPendingInit}
	a.mu.Lock()
	a.agents[threadID] = st
	a.mu.Unlock()
	return st
}

// SetStatus updates a tracked sub-agent's status kind/reason.
func (a *AgentControl) SetStatus(threadID string, kind AgentStatusKind, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.agents[threadID]; ok {
		st.Kind = kind
		st.Reason = reason
	}
}

// SetTerminalFallback forces a sub-agent straight to a terminal kind if it
// never observed a terminal EventMsg on the live broadcaster path (e.g. it
// never reached TurnStarted before the thread was torn down). It never
// clobbers a reason already derived from the event stream.
func (a *AgentControl) SetTerminalFallback(threadID string, kind AgentStatusKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.agents[threadID]
	if !ok {
		return
	}
	if st.Kind == AgentPendingInit || st.Kind == AgentRunning {
		st.Kind = kind
	}
}

// Status returns a sub-agent's current status, deriving AgentNotFound if
// the parent thread is no longer registered with the (still-live) Manager.
func (a *AgentControl) Status(threadID string) (AgentStatus, bool) {
	a.mu.Lock()
	st, ok := a.agents[threadID]
	var out AgentStatus
	if ok {
		out = *st
	}
	a.mu.Unlock()
	if !ok {
		return AgentStatus{}, false
	}

	if out.Kind == AgentRunning || out.Kind == AgentPendingInit {
		if m := a.manager.Value(); m != nil {
			if _, live := m.GetThread(out.ParentID); !live {
				out.Kind = AgentNotFound
			}
		}
	}
	return out, true
}

// List returns every tracked sub-agent's status.
func (a *AgentControl) List() []AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AgentStatus, 0, len(a.agents))
	for _, st := range a.agents {
		out = append(out, *st)
	}
	return out
}

// Untrack releases threadID's reservation and forgets its status record,
// called once a sub-agent's thread has fully shut down.
func (a *AgentControl) Untrack(threadID string) {
	a.mu.Lock()
	_, tracked := a.agents[threadID]
	delete(a.agents, threadID)
	a.mu.Unlock()
	if tracked {
		a.Release()
	}
}

// agentStatusBroadcaster forwards every EventMsg to the underlying
// Broadcaster unchanged, and additionally derives one tracked sub-agent's
// AgentStatus from its own EventMsg stream by the rule in §4.6: TurnStarted
// -> Running, TurnComplete -> Completed, Error/TurnAborted -> Errored,
// ShutdownComplete -> Shutdown.
type agentStatusBroadcaster struct {
	thread.Broadcaster
	agents   *AgentControl
	threadID string
}

func (b *agentStatusBroadcaster) Publish(threadID string, msg rollout.EventMsg) {
	if b.Broadcaster != nil {
		b.Broadcaster.Publish(threadID, msg)
	}
	if threadID != b.threadID {
		return
	}
	switch msg.Kind {
	case "TurnStarted":
		b.agents.SetStatus(threadID, AgentRunning, "")
	case "TurnComplete":
		b.agents.SetStatus(threadID, AgentCompleted, "")
	case "Error":
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(msg.Payload, &p)
		b.agents.SetStatus(threadID, AgentErrored, p.Message)
	case "TurnAborted":
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(msg.Payload, &p)
		b.agents.SetStatus(threadID, AgentErrored, p.Reason)
	case "ShutdownComplete":
		b.agents.SetStatus(threadID, AgentShutdown, "")
	}
}

// deriveTerminalKind maps a terminated thread's final State to the
// AgentStatusKind a sub-agent should settle into.
func deriveTerminalKind(state thread.State) AgentStatusKind {
	if state == thread.StateSystemError {
		return AgentErrored
	}
	return AgentCompleted
}
