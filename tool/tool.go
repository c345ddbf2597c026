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

// Package tool implements the uniform tool-invocation contract (§4.3): a
// single orchestrator that emits Begin/Output/End events, consults the
// policy evaluator for approval, and dispatches to a runtime-specific
// executor (shell, apply-patch, MCP, web-search), generalizing
// commandtool's streaming subprocess orchestration and approvaltool's
// approval-gated shape into a shared pipeline.
package tool

import (
	"context"
	"time"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/policy"
)

// Invocation is what the model-stream driver hands the orchestrator for
// one tool call (§4.3).
type Invocation struct {
	SessionID string
	TurnID    int
	CallID    string
	ToolName  string
	Payload   map[string]any
	Tracker   DiffTracker
}

// DiffTracker records apply-patch file changes for the turn's shared diff
// view; implemented by the threadmgr package.
type DiffTracker interface {
	RecordChange(path, before, after string)
}

// Output is the tool call's result as fed back into the model stream.
type Output struct {
	Content string
	Success bool
}

// Approver requests a user decision for a pending approval and blocks
// until resolved; implemented by the thread/rpcserver packages (the
// pending-approvals table in §3.3 lives there).
type Approver interface {
	RequestExecApproval(ctx context.Context, callID string, command []string, cwd string, reason string, parsedCmd []string) (ReviewDecision, error)
	RequestPatchApproval(ctx context.Context, callID string, fileChanges map[string]string, reason string) (ReviewDecision, error)
}

// ReviewDecision is a user's answer to an approval request (§6.1).
type ReviewDecision struct {
	Kind                   ReviewDecisionKind
	ExecpolicyAmendment    []string // set for ApprovedExecpolicyAmendment
}

// ReviewDecisionKind tags a ReviewDecision's variant.
type ReviewDecisionKind int

const (
	DecisionApproved ReviewDecisionKind = iota
	DecisionApprovedForSession
	DecisionApprovedExecpolicyAmendment
	DecisionDenied
	DecisionAbort
)

// EventSink receives Begin/Output/End and related notifications for
// broadcast to JSON-RPC subscribers; implemented by thread.Thread, which
// publishes them through its Broadcaster.
type EventSink interface {
	ExecCommandBegin(callID string, command []string, cwd string)
	ExecCommandOutputDelta(callID string, chunk []byte, stderr bool)
	ExecCommandEnd(callID string, exitCode int, duration time.Duration)
	ApprovalRequested(callID, approvalID string)
}

// Orchestrator is the tool runtime's single entry point.
type Orchestrator struct {
	Policy    *policy.Evaluator
	Sandbox   capability.Sandbox
	Network   capability.NetworkPolicyDecider
	Catalog   capability.ToolCatalog
	Sink      EventSink
	Shell     *ShellRunner
	Patch     *PatchRunner
	WebSearch *WebSearchRunner
	// Metrics ships per-call span/counter telemetry (§7, §9). Nil disables
	// instrumentation entirely rather than degrading to a no-op sink, so
	// tests that don't care about telemetry don't need to wire one.
	Metrics capability.EventSink
}

// Invoke runs the full §4.3 pipeline for one tool call: Begin event,
// policy+approval gate (for exec), dispatch, End event.
func (o *Orchestrator) Invoke(ctx context.Context, approver Approver, in Invocation) (Output, error) {
	if o.Metrics != nil {
		var end func()
		ctx, end = o.Metrics.Span(ctx, "tool.invoke")
		defer end()
	}

	out, err := o.dispatch(ctx, approver, in)

	if o.Metrics != nil {
		attrs := map[string]string{"tool": in.ToolName}
		if err != nil || !out.Success {
			o.Metrics.Counter("codex.tool.error", 1, attrs)
		}
		o.Metrics.Counter("codex.tool.invocation", 1, attrs)
	}
	return out, err
}

func (o *Orchestrator) dispatch(ctx context.Context, approver Approver, in Invocation) (Output, error) {
	switch in.ToolName {
	case "shell", "exec_command":
		return o.invokeShell(ctx, approver, in)
	case "apply_patch":
		return o.invokePatch(ctx, approver, in)
	case "web_search":
		return o.WebSearch.Run(ctx, in)
	default:
		if o.Catalog != nil {
			return o.invokeViaCatalog(ctx, in)
		}
		return Output{Success: false, Content: "unknown tool: " + in.ToolName}, nil
	}
}
