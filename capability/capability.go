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

// Package capability declares the polymorphic interfaces by which the core
// consumes its external collaborators: OS sandboxing, network policy
// decisions, auth token storage, the model backend's wire client, and the
// MCP tool catalog. Concrete OS sandboxes, auth stores and model clients
// (Seatbelt, Landlock, an OAuth store, an HTTP/SSE model client) are not
// implemented in this repository; they live outside the core and are wired
// in at process start, in process or as out-of-process plugins (see
// capability/plugin.go). The in-repo implementations are the MCP-backed
// ToolCatalog (tool.MCPForwarder), the NetworkPolicyDecider in
// tool.NetworkApprover, and the unsandboxed direct-exec Sandbox that
// cmd/codex uses when approvals and sandboxing are bypassed.
package capability

import (
	"context"
	"io"
	"time"
)

// ExecSpec describes a command a Sandbox is asked to run.
type ExecSpec struct {
	Argv           []string
	Cwd            string
	Env            []string
	Timeout        time.Duration
	WritableRoots  []string
	NetworkAllowed bool
	BypassSandbox  bool
}

// ExecResult is what the sandbox returns once the process exits, is killed,
// or times out.
type ExecResult struct {
	ExitCode int
	Stdout   io.Reader
	Stderr   io.Reader
	Duration time.Duration
	// Denied is set when the sandbox itself refused the action (killed the
	// process for a syscall violation, not a nonzero exit).
	Denied bool
	Reason string
}

// Sandbox runs a command in an OS-specific isolate. Concrete
// implementations (Seatbelt, Landlock/bwrap, Windows restricted tokens) are
// external collaborators; the core only calls this interface.
type Sandbox interface {
	Execute(ctx context.Context, spec ExecSpec) (*ExecResult, error)
}

// NetworkDecision is the outcome of a NetworkPolicyDecider call.
type NetworkDecision int

const (
	NetworkAllow NetworkDecision = iota
	NetworkDeny
	NetworkNeedsApproval
)

// NetworkRequest describes one outgoing connection attempt made by a
// sandboxed tool process, observed by the network proxy.
type NetworkRequest struct {
	AttemptID string
	Host      string
	Protocol  string
}

// NetworkPolicyDecider is called inline, once per outgoing connection, by
// the network proxy that fronts a sandboxed process. The concrete proxy
// lives outside the core; the core implements this interface to answer.
type NetworkPolicyDecider interface {
	Decide(ctx context.Context, req NetworkRequest) (NetworkDecision, error)
}

// AuthProvider resolves a bearer credential for outbound model requests.
// Token storage/refresh is external; the core only reads the current token.
type AuthProvider interface {
	Token(ctx context.Context) (string, error)
}

// ResponseEvent mirrors the wire events a ModelClient stream yields (§4.4).
type ResponseEvent struct {
	Type               ResponseEventType
	ResponseItem       any // populated for OutputItemAdded/OutputItemDone
	Text               string
	RateLimitSnapshot  map[string]any
	ModelsEtag         string
	Usage              map[string]any
	Err                error
}

// ResponseEventType tags a ResponseEvent's payload.
type ResponseEventType int

const (
	EventCreated ResponseEventType = iota
	EventOutputItemAdded
	EventOutputItemDone
	EventOutputTextDelta
	EventReasoningSummaryDelta
	EventReasoningContentDelta
	EventReasoningSummaryPartAdded
	EventRateLimits
	EventModelsEtag
	EventCompleted
	EventError
)

// ModelRequest is what the core sends to open a model stream.
type ModelRequest struct {
	Model              string
	ReasoningEffort    string
	SystemInstruction  string
	Messages           []any
	Tools              []any
	FinalOutputSchema  map[string]any
}

// ModelClient is the HTTP/SSE wire client to the model backend (out of
// scope per §1); the core only consumes this capability.
type ModelClient interface {
	Stream(ctx context.Context, req ModelRequest) (<-chan ResponseEvent, error)
}

// ToolDefinition is what a ToolCatalog exposes to the model-stream driver
// for inclusion in a request's tool list.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCatalog is the MCP tool-server plumbing (out of scope per §1); the
// core consumes it to list and invoke tools it does not implement itself.
type ToolCatalog interface {
	List(ctx context.Context) ([]ToolDefinition, error)
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// EventSink is the OTEL/metrics shipping capability (out of scope per §1).
// The core emits named counters (codex.db.error, codex.feature.state, ...)
// through this interface rather than depending on a concrete exporter.
type EventSink interface {
	Counter(name string, delta int64, attrs map[string]string)
	Span(ctx context.Context, name string) (context.Context, func())
}
