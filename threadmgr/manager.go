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

// Package threadmgr owns the registry of live threads (§4.6): spawning,
// resuming, forking, and removing them, and the sub-agent cap enforced by
// AgentControl. It generalizes the teacher's per-request runner
// construction in v2/server/executor.go into a long-lived registry that
// keeps threads running across many requests instead of one-shot.
package threadmgr

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/internal/coreerr"
	"github.com/kadirpekel/codex-core/modelstream"
	"github.com/kadirpekel/codex-core/policy"
	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/thread"
	"github.com/kadirpekel/codex-core/tool"
)

// Deps bundles the collaborators every Thread a Manager spawns is wired
// with. NewDriver is a factory rather than a shared *modelstream.Driver
// since each thread owns its own retry/idle-timeout state.
type Deps struct {
	Store        *rollout.Store
	NewDriver    func() *modelstream.Driver
	Orchestrator *tool.Orchestrator
	Policy       *policy.Evaluator
	Broadcaster  thread.Broadcaster
	// Metrics counts rollout store failures as codex.db.error (§7) and is
	// threaded into every spawned thread's driver so model-call spans share
	// one sink. Nil disables telemetry.
	Metrics capability.EventSink
}

func (m *Manager) dbError(op string) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.Counter("codex.db.error", 1, map[string]string{"op": op})
	}
}

type managedThread struct {
	th     *thread.Thread
	cancel context.CancelFunc
	diff   *diffTracker
	path   string
}

// Manager is the process-wide thread registry.
type Manager struct {
	deps   Deps
	agents *AgentControl

	mu      sync.RWMutex
	threads map[string]*managedThread
}

// New builds a Manager with maxSubAgents as its `agents.max_threads` cap
// (§4.6, §8 scenario 6). A non-positive value falls back to AgentControl's
// default.
func New(deps Deps, maxSubAgents int) *Manager {
	m := &Manager{deps: deps, threads: map[string]*managedThread{}}
	m.agents = newAgentControl(m, maxSubAgents)
	return m
}

// Agents exposes the sub-agent controller.
func (m *Manager) Agents() *AgentControl { return m.agents }

func (m *Manager) register(mt *managedThread) {
	m.mu.Lock()
	m.threads[mt.th.ID] = mt
	m.mu.Unlock()
}

// GetThread looks up a registered thread by id.
func (m *Manager) GetThread(id string) (*thread.Thread, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.threads[id]
	if !ok {
		return nil, false
	}
	return mt.th, true
}

// Diff returns the accumulated apply-patch diff view for threadID (§4.3
// "turn's shared diff view"), empty if the thread doesn't exist or hasn't
// touched any files yet.
func (m *Manager) Diff(threadID string) map[string]DiffEntry {
	m.mu.RLock()
	mt, ok := m.threads[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return mt.diff.Snapshot()
}

// StartThread creates a brand-new rollout file and a live Thread bound to
// it (§4.6 start_thread / "newConversation").
func (m *Manager) StartThread(ctx context.Context, meta rollout.SessionMeta) (*thread.Thread, error) {
	return m.startThread(ctx, meta, m.deps.Broadcaster)
}

func (m *Manager) startThread(ctx context.Context, meta rollout.SessionMeta, bc thread.Broadcaster) (*thread.Thread, error) {
	if meta.ThreadID == "" {
		meta.ThreadID = uuid.NewString()
	}
	w, err := m.deps.Store.Create(meta)
	if err != nil {
		m.dbError("create")
		return nil, err
	}
	return m.spawn(ctx, meta.ThreadID, w, w.Path(), nil, bc)
}

// ResumeThread reattaches a live Thread to an existing rollout file,
// seeded with its reconstructed TurnContext/transcript/turn count (§4.6
// resume_thread / "resumeConversation"). Per the recorded open-question
// decision, this never touches the rollout file's mtime.
func (m *Manager) ResumeThread(ctx context.Context, path string) (*thread.Thread, error) {
	lines, err := rollout.ReadAll(path)
	if err != nil {
		m.dbError("read")
		return nil, err
	}
	if len(lines) == 0 || lines[0].Item.Type != rollout.ItemSessionMeta || lines[0].Item.SessionMeta == nil {
		return nil, coreerr.New(coreerr.KindNotFound, "rollout missing SessionMeta: "+path)
	}
	meta := *lines[0].Item.SessionMeta

	w, err := m.deps.Store.Open(path)
	if err != nil {
		m.dbError("open")
		return nil, err
	}
	seed := seedFromLines(lines[1:])
	return m.spawn(ctx, meta.ThreadID, w, path, &seed, m.deps.Broadcaster)
}

// ForkThread copies path up to the Nth user message into a new rollout
// file and resumes a live Thread from it (§4.6 fork_thread /
// "forkConversation").
func (m *Manager) ForkThread(ctx context.Context, path string, upToNthUserMessage int) (*thread.Thread, error) {
	newPath, err := m.deps.Store.Fork(path, upToNthUserMessage)
	if err != nil {
		m.dbError("fork")
		return nil, err
	}
	return m.ResumeThread(ctx, newPath)
}

// spawn constructs and registers a live Thread. seed is nil for a
// brand-new thread (StartThread) and non-nil for one reattached to an
// existing rollout (ResumeThread/ForkThread).
func (m *Manager) spawn(ctx context.Context, id string, w *rollout.Writer, path string, seed *thread.ResumeSeed, bc thread.Broadcaster) (*thread.Thread, error) {
	diff := newDiffTracker()
	driver := m.deps.NewDriver()
	if m.deps.Metrics != nil {
		driver.Metrics = m.deps.Metrics
	}

	// Orchestrator is shared across every thread for its Policy/Sandbox/
	// Network/Catalog/Metrics collaborators, but Sink must point at this
	// one thread's event stream. Copy the struct (it holds no mutex) and
	// bind Sink per thread rather than mutating the shared instance; the
	// embedded ShellRunner needs the same per-thread treatment since it
	// also calls back into Sink directly.
	orch := *m.deps.Orchestrator
	if orch.Shell != nil {
		shell := *orch.Shell
		orch.Shell = &shell
	}

	var th *thread.Thread
	if seed == nil {
		th = thread.New(id, w, driver, &orch, m.deps.Policy, bc)
	} else {
		th = thread.NewResumed(id, w, driver, &orch, m.deps.Policy, bc, *seed)
	}
	orch.Sink = th
	if orch.Shell != nil {
		orch.Shell.Sink = th
	}
	th.DiffTracker = diff

	runCtx, cancel := context.WithCancel(ctx)
	mt := &managedThread{th: th, cancel: cancel, diff: diff, path: path}
	m.register(mt)
	go th.Run(runCtx)
	return th, nil
}

// SendOp submits an Op to threadID's queue, returning its submission id
// (§4.6 send_op).
func (m *Manager) SendOp(threadID string, op thread.Op) (string, error) {
	th, ok := m.GetThread(threadID)
	if !ok {
		return "", coreerr.New(coreerr.KindNotFound, "no such thread: "+threadID)
	}
	return th.Submit(op), nil
}

// RemoveThread shuts a thread down and drops it from the registry (§4.6
// remove_thread).
func (m *Manager) RemoveThread(threadID string) error {
	m.mu.Lock()
	mt, ok := m.threads[threadID]
	if ok {
		delete(m.threads, threadID)
	}
	m.mu.Unlock()
	if !ok {
		return coreerr.New(coreerr.KindNotFound, "no such thread: "+threadID)
	}

	preState, _ := mt.th.State()
	mt.th.Submit(thread.Op{Kind: thread.OpShutdown})
	<-mt.th.Done()
	mt.cancel()

	// The live event-driven path (agentStatusBroadcaster) already derives
	// the sub-agent's terminal status and reason from its TurnComplete/
	// Error/TurnAborted/ShutdownComplete EventMsgs; this is only a
	// fallback for a sub-agent torn down before any such event arrived.
	m.agents.SetTerminalFallback(threadID, deriveTerminalKind(preState))
	m.agents.Untrack(threadID)
	return nil
}

// SpawnAgent reserves a sub-agent slot under parentID and starts a new
// thread for it, tracked by AgentControl (§4.6). Returns a rejected-kind
// error once `agents.max_threads` concurrent sub-agents are already active.
// The sub-agent's status is derived live from its own EventMsg stream (see
// agentStatusBroadcaster) rather than only at teardown.
func (m *Manager) SpawnAgent(ctx context.Context, parentID string, meta rollout.SessionMeta) (*thread.Thread, error) {
	if !m.agents.Reserve() {
		return nil, coreerr.New(coreerr.KindRejected, "agents.max_threads reached")
	}
	if meta.ThreadID == "" {
		meta.ThreadID = uuid.NewString()
	}
	m.agents.Track(parentID, meta.ThreadID)
	bc := &agentStatusBroadcaster{Broadcaster: m.deps.Broadcaster, agents: m.agents, threadID: meta.ThreadID}
	th, err := m.startThread(ctx, meta, bc)
	if err != nil {
		m.agents.Untrack(meta.ThreadID)
		return nil, err
	}
	return th, nil
}

// ShutdownAgent tears down a sub-agent's thread and releases its slot
// (§4.6 shutdown_agent).
func (m *Manager) ShutdownAgent(threadID string) error {
	if err := m.RemoveThread(threadID); err != nil {
		return err
	}
	m.agents.SetTerminalFallback(threadID, AgentShutdown)
	return nil
}

// seedFromLines reconstructs the live-state fields a resumed Thread needs
// from a rollout's lines (its SessionMeta line already consumed by the
// caller): the most recently logged TurnContext, the response-item
// transcript, and the user-message count (for turn-id continuity), with
// any ThreadRolledBack event replayed as a transcript truncation exactly
// as the live state machine would have applied it at log time.
func seedFromLines(lines []rollout.Line) thread.ResumeSeed {
	var seed thread.ResumeSeed
	userCount := 0

	for _, l := range lines {
		switch l.Item.Type {
		case rollout.ItemTurnContext:
			if l.Item.TurnContext != nil {
				seed.TurnCtx = *l.Item.TurnContext
			}
		case rollout.ItemResponseItem:
			if l.Item.ResponseItem == nil {
				continue
			}
			seed.Transcript = append(seed.Transcript, *l.Item.ResponseItem)
			if l.Item.ResponseItem.ItemType == "message" {
				var wm struct {
					Role string `json:"role"`
				}
				if json.Unmarshal(l.Item.ResponseItem.Payload, &wm) == nil && wm.Role == "user" {
					userCount++
				}
			}
		case rollout.ItemEventMsg:
			if l.Item.EventMsg == nil || l.Item.EventMsg.Kind != rollout.EventKindThreadRolledBack {
				continue
			}
			var rb rollout.ThreadRolledBack
			if json.Unmarshal(l.Item.EventMsg.Payload, &rb) == nil {
				cut := thread.FindRollbackCut(seed.Transcript, rb.NumTurns)
				seed.Transcript = seed.Transcript[:cut]
			}
		case rollout.ItemCompacted:
			if l.Item.Compaction == nil {
				continue
			}
			cut := l.Item.Compaction.ReplacesUpTo
			if cut > len(seed.Transcript) {
				cut = len(seed.Transcript)
			}
			seed.Transcript = append([]rollout.ResponseItem{thread.CompactionSummaryItem(l.Item.Compaction.Summary)}, seed.Transcript[cut:]...)
		}
	}

	seed.TurnCount = userCount
	return seed
}
