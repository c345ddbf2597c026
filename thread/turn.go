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
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/modelstream"
	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/tool"
)

// wireMessage is the opaque ResponseItem.Payload shape for plain text
// items (user/developer/assistant messages).
type wireMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// apply dispatches one Op through the turn algorithm (§4.5.3). It runs on
// the single ops-draining goroutine (Run); a running turn itself executes
// on a background goroutine so Interrupt/Approve can still be serviced
// while a model stream or tool is in flight.
func (t *Thread) apply(ctx context.Context, op Op) {
	switch op.Kind {
	case OpUserInput:
		t.handleUserInput(ctx, op.UserInput)
	case OpInterrupt:
		t.handleInterrupt()
	case OpOverrideTurnContext:
		t.handleOverride(op.Override)
	case OpThreadRollback:
		t.handleRollback(op.Rollback)
	case OpApprove:
		t.handleApprove(op.Approve)
	case OpShutdown:
		t.handleShutdown()
	}
}

func (t *Thread) handleOverride(ov *OverrideTurnContextOp) {
	if ov == nil {
		return
	}
	t.mu.Lock()
	if ov.Model != "" {
		t.turnCtx.Model = ov.Model
	}
	if ov.ReasoningEffort != "" {
		t.turnCtx.ReasoningEffort = ov.ReasoningEffort
	}
	if ov.SandboxPolicy != "" {
		t.turnCtx.SandboxPolicy = ov.SandboxPolicy
	}
	if ov.ApprovalPolicy != "" {
		t.turnCtx.ApprovalPolicy = ov.ApprovalPolicy
	}
	if ov.Cwd != "" {
		t.turnCtx.Cwd = ov.Cwd
	}
	if ov.ShellEnvPolicy != "" {
		t.turnCtx.ShellEnvPolicy = ov.ShellEnvPolicy
	}
	if ov.DeveloperInstr != "" {
		t.turnCtx.DeveloperInstr = ov.DeveloperInstr
	}
	if ov.BaseInstructions != "" {
		t.turnCtx.BaseInstructions = ov.BaseInstructions
	}
	t.writableRoots = ov.WritableRoots
	t.mu.Unlock()
}

// handleUserInput implements §4.5.3 steps 1-3. It only transitions the
// thread into TurnRunning; the turn itself runs on a background goroutine
// so the ops loop can keep servicing Interrupt/Approve concurrently.
func (t *Thread) handleUserInput(ctx context.Context, in *UserInputOp) {
	if in == nil {
		return
	}

	t.mu.Lock()
	if t.state != StateIdle && t.state != StateSystemError {
		t.mu.Unlock()
		t.publish("Error", map[string]string{"message": "thread is not idle"})
		return
	}
	t.state = StateTurnRunning
	t.subState = SubAwaitingModel

	// 1a. Log the TurnContext if it changed since the last logged one.
	if !t.hasLoggedTurnCtx || !turnContextEqual(t.turnCtx, t.lastLoggedTurnCtx) {
		tc := t.turnCtx
		t.lastLoggedTurnCtx = tc
		t.hasLoggedTurnCtx = true
		t.mu.Unlock()
		_ = t.Writer.Append(rollout.Item{Type: rollout.ItemTurnContext, TurnContext: &tc})
		t.mu.Lock()
	}

	// 1b. Permissions message dedup.
	perm := permissionsSignature(t.turnCtx.ApprovalPolicy, t.turnCtx.SandboxPolicy, t.writableRoots)
	needsPermMsg := perm != t.lastPerm
	if needsPermMsg {
		t.lastPerm = perm
	}
	turnCtx := t.turnCtx
	t.mu.Unlock()

	if needsPermMsg {
		t.appendItem(messageItem("developer", permissionsText(turnCtx.ApprovalPolicy, turnCtx.SandboxPolicy, t.writableRoots)))
	}

	// 1c. Append the synthetic user message.
	userText := userInputText(in.Items)
	t.appendItem(messageItem("user", userText))
	t.publish("UserMessage", map[string]string{"text": userText})

	turnCtx2, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelTurn = cancel
	t.turnCount++
	turnID := fmt.Sprintf("turn-%d", t.turnCount)
	t.mu.Unlock()

	t.turnWG.Add(1)
	t.publish("TurnStarted", map[string]string{"turn_id": turnID})
	go func() {
		defer t.turnWG.Done()
		defer cancel()
		t.runTurn(turnCtx2, in.FinalOutputSchema)
	}()
}

// runTurn is §4.5.3 step 1d/2/3/4/5: opens model streams, dispatching tool
// calls and re-opening the stream with their output until the model
// reports Completed with no pending tool call, or an error/interrupt ends
// the turn.
func (t *Thread) runTurn(ctx context.Context, finalOutputSchema any) {
	for {
		var tools []capability.ToolDefinition
		if t.Orchestrator != nil && t.Orchestrator.Catalog != nil {
			tools, _ = t.Orchestrator.Catalog.List(ctx)
		}

		t.mu.Lock()
		turnCtx := t.turnCtx
		items := append([]rollout.ResponseItem(nil), t.transcript...)
		t.mu.Unlock()

		items = t.maybeCompact(turnCtx.Model, items)

		req := modelstream.BuildRequest(modelstream.TurnInput{
			TurnContext: turnCtx,
			Items:       items,
			Tools:       tools,
			FinalOutput: finalOutputSchema,
		})

		events, err := t.Driver.Open(ctx, req)
		if err != nil {
			t.finishWithError(ctx, err)
			return
		}

		toolCallsThisRound := 0
		completed := false
		var usage map[string]any

		for ev := range events {
			switch ev.Type {
			case capability.EventOutputTextDelta:
				t.publish("AgentMessageDelta", map[string]string{"text": ev.Text})
			case capability.EventReasoningSummaryDelta, capability.EventReasoningContentDelta:
				t.publish("AgentReasoningDelta", map[string]string{"text": ev.Text})
			case capability.EventOutputItemDone:
				mi, ok := ev.ResponseItem.(ModelItem)
				if !ok {
					break
				}
				if mi.Kind == "tool_call" {
					toolCallsThisRound++
					t.appendItem(rollout.ResponseItem{ItemType: "function_call", CallID: mi.CallID, Payload: marshalItem(mi)})
					t.dispatchTool(ctx, mi)
				} else if mi.Kind == "reasoning" {
					t.appendItem(messageItem(mi.Role, mi.Text))
					t.publish("AgentReasoning", map[string]string{"text": mi.Text})
				} else {
					t.appendItem(messageItem(mi.Role, mi.Text))
					t.publish("AgentMessage", map[string]string{"text": mi.Text})
				}
			case capability.EventRateLimits:
				t.publish("TokenCount", map[string]any{"rate_limits": ev.RateLimitSnapshot})
			case capability.EventModelsEtag:
				t.mu.Lock()
				changed := ev.ModelsEtag != "" && ev.ModelsEtag != t.lastModelsEtag
				t.lastModelsEtag = ev.ModelsEtag
				t.mu.Unlock()
				if changed {
					t.publish("ModelsEtagChanged", map[string]string{"etag": ev.ModelsEtag})
				}
			case capability.EventCompleted:
				completed = true
				usage = ev.Usage
			case capability.EventError:
				t.finishWithError(ctx, ev.Err)
				return
			}
		}

		if ctx.Err() != nil {
			t.finishInterrupted()
			return
		}

		if completed && toolCallsThisRound == 0 {
			t.publish("TurnComplete", map[string]any{"usage": usage})
			t.mu.Lock()
			t.state = StateIdle
			t.subState = SubNone
			t.mu.Unlock()
			return
		}
		if toolCallsThisRound == 0 {
			t.finishWithError(ctx, fmt.Errorf("model stream closed before completion"))
			return
		}
		// A tool call completed this round: loop back and reopen the
		// stream with its output appended to the transcript.
	}
}

func (t *Thread) dispatchTool(ctx context.Context, mi ModelItem) {
	t.mu.Lock()
	t.subState = SubAwaitingToolOutput
	t.mu.Unlock()

	if t.Orchestrator == nil {
		t.appendItem(rollout.ResponseItem{ItemType: "function_call_output", CallID: mi.CallID, Payload: marshalItem(map[string]any{"success": false, "content": "no tool runtime configured"})})
		return
	}

	out, err := t.Orchestrator.Invoke(ctx, t, tool.Invocation{
		SessionID: t.ID,
		CallID:    mi.CallID,
		ToolName:  mi.ToolName,
		Payload:   mi.Arguments,
		Tracker:   t.DiffTracker,
	})
	if err != nil {
		out = tool.Output{Success: false, Content: err.Error()}
	}
	t.appendItem(rollout.ResponseItem{ItemType: "function_call_output", CallID: mi.CallID, Payload: marshalItem(out)})

	t.mu.Lock()
	t.subState = SubAwaitingModel
	t.mu.Unlock()
}

func (t *Thread) finishWithError(ctx context.Context, err error) {
	t.publish("Error", map[string]string{"message": err.Error()})
	t.mu.Lock()
	t.state = StateSystemError
	t.subState = SubNone
	t.mu.Unlock()
}

func (t *Thread) finishInterrupted() {
	t.publish("TurnAborted", map[string]string{"reason": "Interrupted"})
	t.mu.Lock()
	t.state = StateIdle
	t.subState = SubNone
	t.mu.Unlock()
}

// handleInterrupt implements §4.5.3 step 4: cancel the in-flight stream
// and any running tool.
func (t *Thread) handleInterrupt() {
	t.mu.Lock()
	cancel := t.cancelTurn
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleApprove resolves a pending approval raised by the tool runtime.
func (t *Thread) handleApprove(a *ApproveOp) {
	if a == nil {
		return
	}
	t.mu.Lock()
	p, ok := t.pending[a.CallID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.resultCh <- a.Decision:
	default:
	}
}

// handleRollback implements §4.5.3 step 6. Per the decision recorded for
// the renumbering open question, the live transcript is only truncated
// here; turn-id renumbering is entirely replay's responsibility.
func (t *Thread) handleRollback(r *ThreadRollbackOp) {
	if r == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.Writer.Append(rollout.Item{Type: rollout.ItemEventMsg, EventMsg: &rollout.EventMsg{
		Kind:    rollout.EventKindThreadRolledBack,
		Payload: marshalItem(rollout.ThreadRolledBack{NumTurns: r.NumTurns}),
	}})

	cut := findRollbackCut(t.transcript, r.NumTurns)
	t.transcript = t.transcript[:cut]
}

// handleShutdown implements §4.5.3 step 7.
func (t *Thread) handleShutdown() {
	t.mu.Lock()
	cancel := t.cancelTurn
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.turnWG.Wait()

	t.publish("ShutdownComplete", nil)
	t.mu.Lock()
	t.state = StateTerminated
	t.mu.Unlock()
	if t.Writer != nil {
		_ = t.Writer.Close()
	}
}

// --- tool.EventSink ---

func (t *Thread) ExecCommandBegin(callID string, command []string, cwd string) {
	t.publish("ExecCommandBegin", map[string]any{"call_id": callID, "command": command, "cwd": cwd})
}

func (t *Thread) ExecCommandOutputDelta(callID string, chunk []byte, stderr bool) {
	t.publish("ExecCommandOutputDelta", map[string]any{"call_id": callID, "chunk": string(chunk), "stderr": stderr})
}

func (t *Thread) ExecCommandEnd(callID string, exitCode int, duration time.Duration) {
	t.publish("ExecCommandEnd", map[string]any{"call_id": callID, "exit_code": exitCode, "duration_ms": duration.Milliseconds()})
}

func (t *Thread) ApprovalRequested(callID, approvalID string) {
	t.publish("ApprovalRequested", map[string]string{"call_id": callID, "approval_id": approvalID})
}

// --- tool.Approver ---

func (t *Thread) RequestExecApproval(ctx context.Context, callID string, command []string, cwd string, reason string, parsedCmd []string) (tool.ReviewDecision, error) {
	return t.awaitApproval(ctx, callID)
}

func (t *Thread) RequestPatchApproval(ctx context.Context, callID string, fileChanges map[string]string, reason string) (tool.ReviewDecision, error) {
	return t.awaitApproval(ctx, callID)
}

// RequestNetworkApproval implements tool.NetworkUserApprover, resolving a
// network-approval attempt through the same pending-approvals table as
// exec and patch approvals (§4.3 "Network-approval sub-contract"); the
// wire reply shape is identical, so it reuses awaitApproval's decision
// taxonomy instead of introducing a fourth one.
func (t *Thread) RequestNetworkApproval(ctx context.Context, sessionID, attemptID, host, protocol string) (approved, forSession bool, err error) {
	t.ApprovalRequested(attemptID, attemptID)
	dec, err := t.awaitApproval(ctx, attemptID)
	if err != nil {
		return false, false, err
	}
	switch dec.Kind {
	case tool.DecisionApproved, tool.DecisionApprovedExecpolicyAmendment:
		return true, false, nil
	case tool.DecisionApprovedForSession:
		return true, true, nil
	default:
		return false, false, nil
	}
}

func (t *Thread) awaitApproval(ctx context.Context, callID string) (tool.ReviewDecision, error) {
	t.mu.Lock()
	t.subState = SubAwaitingApproval
	ch := make(chan tool.ReviewDecision, 1)
	t.pending[callID] = &pendingApproval{resultCh: ch}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, callID)
		t.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return tool.ReviewDecision{Kind: tool.DecisionAbort}, ctx.Err()
	case dec := <-ch:
		return dec, nil
	}
}

// --- helpers ---

func messageItem(role, text string) rollout.ResponseItem {
	return rollout.ResponseItem{ItemType: "message", Payload: marshalItem(wireMessage{Role: role, Text: text})}
}

func marshalItem(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func userInputText(items []InputItem) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		if it.Text != "" {
			b.WriteString(it.Text)
		}
		if it.ImageURL != "" {
			b.WriteString(" [image: " + it.ImageURL + "]")
		}
		if it.ImagePath != "" {
			b.WriteString(" [image: " + it.ImagePath + "]")
		}
	}
	return b.String()
}

func permissionsSignature(approval, sandbox string, writableRoots []string) string {
	return approval + "|" + sandbox + "|" + strings.Join(writableRoots, ",")
}

func permissionsText(approval, sandbox string, writableRoots []string) string {
	return fmt.Sprintf("approval_policy=%s sandbox_policy=%s writable_roots=%s", approval, sandbox, strings.Join(writableRoots, ","))
}

func turnContextEqual(a, b rollout.TurnContext) bool {
	return a.Model == b.Model &&
		a.ReasoningEffort == b.ReasoningEffort &&
		a.SandboxPolicy == b.SandboxPolicy &&
		a.ApprovalPolicy == b.ApprovalPolicy &&
		a.Cwd == b.Cwd &&
		a.ShellEnvPolicy == b.ShellEnvPolicy &&
		a.DeveloperInstr == b.DeveloperInstr &&
		a.BaseInstructions == b.BaseInstructions
}

// compactionTokenBudget and compactionKeepRecent bound history compaction
// (§4.5.3 step 2, SUPPLEMENTED FEATURE "Compaction checkpoints"): once the
// transcript's estimated token cost exceeds the budget, every item but the
// most recent compactionKeepRecent is collapsed into one summary item.
const (
	compactionTokenBudget = 80_000
	compactionKeepRecent  = 20
)

// maybeCompact checks items against the token budget and, if it is
// exceeded, replaces everything but the most recent compactionKeepRecent
// items with a single summary item, logging a Compaction rollout line so
// replay can splice the same summary back in (§3.2, §4.5.4). Returns items
// unchanged when no compaction is needed.
func (t *Thread) maybeCompact(model string, items []rollout.ResponseItem) []rollout.ResponseItem {
	cut := len(items) - compactionKeepRecent
	if cut <= 0 || !overCompactionBudget(model, items) {
		return items
	}

	summary := summarizeForCompaction(items[:cut])
	var replacedCalls []string
	for _, it := range items[:cut] {
		if it.CallID != "" {
			replacedCalls = append(replacedCalls, it.CallID)
		}
	}

	comp := rollout.Compaction{Summary: summary, ReplacesUpTo: cut, ReplacedCalls: replacedCalls}
	_ = t.Writer.Append(rollout.Item{Type: rollout.ItemCompacted, Compaction: &comp})

	compacted := append([]rollout.ResponseItem{CompactionSummaryItem(summary)}, items[cut:]...)
	t.mu.Lock()
	t.transcript = compacted
	t.mu.Unlock()
	t.publish("HistoryCompacted", map[string]any{"replaces_up_to": cut, "summary": summary})
	return compacted
}

// CompactionSummaryItem builds the synthetic transcript item a compaction
// checkpoint replaces its prefix with, exported so threadmgr's
// replay-seeding can reproduce the exact shape maybeCompact writes live.
func CompactionSummaryItem(summary string) rollout.ResponseItem {
	return messageItem("developer", "Earlier conversation summarized: "+summary)
}

// overCompactionBudget sums modelstream.CountTokens across items' raw
// payloads as an approximation of the request's eventual token cost; exact
// wire-format accounting belongs to the ModelClient, not this package.
func overCompactionBudget(model string, items []rollout.ResponseItem) bool {
	total := 0
	for _, it := range items {
		total += modelstream.CountTokens(model, string(it.Payload))
		if total > compactionTokenBudget {
			return true
		}
	}
	return false
}

func summarizeForCompaction(items []rollout.ResponseItem) string {
	messages, toolCalls := 0, 0
	for _, it := range items {
		switch it.ItemType {
		case "message":
			messages++
		case "function_call":
			toolCalls++
		}
	}
	return fmt.Sprintf("%d earlier transcript items (%d messages, %d tool calls) summarized to stay within the model's context budget.", len(items), messages, toolCalls)
}

// FindRollbackCut exposes findRollbackCut for threadmgr, which must apply
// the same truncation when replaying a rollback into a resumed thread's
// seeded transcript.
func FindRollbackCut(items []rollout.ResponseItem, numTurns int) int {
	return findRollbackCut(items, numTurns)
}

// findRollbackCut returns the transcript index marking the start of the
// (numTurns)th-from-last user message, i.e. everything from there on is
// dropped. A "turn" boundary is a user-role message item.
func findRollbackCut(items []rollout.ResponseItem, numTurns int) int {
	if numTurns <= 0 {
		return len(items)
	}
	userIdx := make([]int, 0)
	for i, item := range items {
		if item.ItemType != "message" {
			continue
		}
		var wm wireMessage
		if err := json.Unmarshal(item.Payload, &wm); err == nil && wm.Role == "user" {
			userIdx = append(userIdx, i)
		}
	}
	if numTurns >= len(userIdx) {
		return 0
	}
	return userIdx[len(userIdx)-numTurns]
}
