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
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/codex-core/modelstream"
	"github.com/kadirpekel/codex-core/policy"
	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/tool"
)

// State is the top-level status of a thread (§4.5.2).
type State int

const (
	StateIdle State = iota
	StateTurnRunning
	StateSystemError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTurnRunning:
		return "turn_running"
	case StateSystemError:
		return "system_error"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SubState further classifies StateTurnRunning.
type SubState int

const (
	SubNone SubState = iota
	SubAwaitingModel
	SubAwaitingApproval
	SubAwaitingToolOutput
)

// ModelItem is the shape a ModelClient implementation is expected to
// populate capability.ResponseEvent.ResponseItem with for
// OutputItemAdded/OutputItemDone events; the core only consumes it through
// this convention since the wire item format itself belongs to the
// ModelClient capability.
type ModelItem struct {
	Kind      string // "message" | "reasoning" | "tool_call" | "tool_output"
	Role      string
	Text      string
	CallID    string
	ToolName  string
	Arguments map[string]any
}

// Broadcaster fans a thread's EventMsgs out to JSON-RPC subscribers;
// implemented by rpcserver.
type Broadcaster interface {
	Publish(threadID string, msg rollout.EventMsg)
}

// pendingApproval is a tool call paused awaiting a ReviewDecision.
type pendingApproval struct {
	resultCh chan tool.ReviewDecision
}

// Thread is the live, single-writer-goroutine state machine for one
// rollout. Submissions are processed one at a time (§4.5.2 concurrency
// note); a turn runs on one background goroutine that executes its tool
// calls one after another, so their outputs are appended in call order.
type Thread struct {
	ID     string
	Writer *rollout.Writer

	Driver       *modelstream.Driver
	Orchestrator *tool.Orchestrator
	Policy       *policy.Evaluator
	Broadcaster  Broadcaster
	DiffTracker  tool.DiffTracker

	mu                sync.Mutex
	state             State
	subState          SubState
	turnCtx           rollout.TurnContext
	lastLoggedTurnCtx rollout.TurnContext
	hasLoggedTurnCtx  bool
	writableRoots     []string
	lastPerm          string
	transcript        []rollout.ResponseItem
	turnCount         int
	lastModelsEtag    string
	pending           map[string]*pendingApproval
	ops               chan Op
	cancelTurn        context.CancelFunc
	turnWG            sync.WaitGroup
	done              chan struct{}
}

// New builds a Thread ready to accept ops via Submit. Callers must call
// Run in a goroutine to start processing.
func New(id string, w *rollout.Writer, driver *modelstream.Driver, orch *tool.Orchestrator, pol *policy.Evaluator, bc Broadcaster) *Thread {
	return &Thread{
		ID:           id,
		Writer:       w,
		Driver:       driver,
		Orchestrator: orch,
		Policy:       pol,
		Broadcaster:  bc,
		state:        StateIdle,
		pending:      map[string]*pendingApproval{},
		ops:          make(chan Op, 8),
		done:         make(chan struct{}),
	}
}

// ResumeSeed carries the live state threadmgr reconstructs from an
// existing rollout file so a resumed Thread starts exactly where its last
// rollout line left off, instead of the blank state New gives a fresh
// thread (§4.6 resume_thread).
type ResumeSeed struct {
	TurnCtx    rollout.TurnContext
	Transcript []rollout.ResponseItem
	TurnCount  int
}

// NewResumed builds a Thread like New, seeded from a prior rollout's
// reconstructed TurnContext/transcript/turn count. Per the recorded open
// question decision on mtime, neither New nor NewResumed touch the
// rollout file; only a later Op does.
func NewResumed(id string, w *rollout.Writer, driver *modelstream.Driver, orch *tool.Orchestrator, pol *policy.Evaluator, bc Broadcaster, seed ResumeSeed) *Thread {
	t := New(id, w, driver, orch, pol, bc)
	t.turnCtx = seed.TurnCtx
	t.lastLoggedTurnCtx = seed.TurnCtx
	t.hasLoggedTurnCtx = true
	t.transcript = append([]rollout.ResponseItem(nil), seed.Transcript...)
	t.turnCount = seed.TurnCount
	t.lastPerm = permissionsSignature(seed.TurnCtx.ApprovalPolicy, seed.TurnCtx.SandboxPolicy, nil)
	return t
}

// State returns the thread's current top-level status and sub-state.
func (t *Thread) State() (State, SubState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.subState
}

// Transcript returns a snapshot of the in-memory transcript.
func (t *Thread) Transcript() []rollout.ResponseItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]rollout.ResponseItem, len(t.transcript))
	copy(out, t.transcript)
	return out
}

// Submit enqueues op for processing and returns a submission id (§4.6
// send_op). Ops are drained one at a time by Run.
func (t *Thread) Submit(op Op) string {
	if op.SubmissionID == "" {
		op.SubmissionID = uuid.NewString()
	}
	t.ops <- op
	return op.SubmissionID
}

// Run drains ops one at a time until Shutdown or ctx is cancelled.
func (t *Thread) Run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-t.ops:
			t.apply(ctx, op)
			t.mu.Lock()
			terminated := t.state == StateTerminated
			t.mu.Unlock()
			if terminated {
				return
			}
		}
	}
}

// Done reports when Run has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

func (t *Thread) publish(kind string, payload any) {
	data, _ := json.Marshal(payload)
	em := rollout.EventMsg{Kind: kind, Payload: data}
	if t.Writer != nil {
		_ = t.Writer.Append(rollout.Item{Type: rollout.ItemEventMsg, EventMsg: &em})
	}
	if t.Broadcaster != nil {
		t.Broadcaster.Publish(t.ID, em)
	}
}

func (t *Thread) appendItem(item rollout.ResponseItem) {
	t.mu.Lock()
	t.transcript = append(t.transcript, item)
	t.mu.Unlock()
	if t.Writer != nil {
		_ = t.Writer.Append(rollout.Item{Type: rollout.ItemResponseItem, ResponseItem: &item})
	}
}
