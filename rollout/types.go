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

// Package rollout implements the append-only, replayable per-thread event
// log (§3.2, §4.1): create/append/read/list/fork/rollback/archive, plus an
// advisory SQL secondary index for O(1) thread lookup.
package rollout

import (
	"encoding/json"
	"time"
)

// ItemType tags a RolloutItem's concrete payload (§3.2, §6.2).
type ItemType string

const (
	ItemSessionMeta  ItemType = "session_meta"
	ItemTurnContext  ItemType = "turn_context"
	ItemResponseItem ItemType = "response_item"
	ItemEventMsg     ItemType = "event_msg"
	ItemCompacted    ItemType = "compacted"
)

// Line is one newline-delimited record in a rollout file.
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Item      Item      `json:"item"`
}

// Item is the tagged union of rollout payloads. Exactly one of the typed
// fields is populated, selected by Type.
type Item struct {
	Type ItemType `json:"type"`

	SessionMeta  *SessionMeta  `json:"session_meta,omitempty"`
	TurnContext  *TurnContext  `json:"turn_context,omitempty"`
	ResponseItem *ResponseItem `json:"response_item,omitempty"`
	EventMsg     *EventMsg     `json:"event_msg,omitempty"`
	Compaction   *Compaction   `json:"compacted,omitempty"`
}

// SessionMeta is always the rollout file's first line (§3.2 invariant 1).
type SessionMeta struct {
	ThreadID   string    `json:"thread_id"`
	CreatedAt  time.Time `json:"created_at"`
	Source     string    `json:"source"` // "cli" | "app_server" | ...
	ProviderID string    `json:"provider_id"`
	Name       string    `json:"name,omitempty"`
}

// TurnContext is logged every time any of its fields changes (§3.3).
type TurnContext struct {
	Model              string          `json:"model"`
	ReasoningEffort    string          `json:"reasoning_effort,omitempty"`
	SandboxPolicy      string          `json:"sandbox_policy"`
	ApprovalPolicy     string          `json:"approval_policy"`
	Cwd                string          `json:"cwd"`
	ShellEnvPolicy     string          `json:"shell_env_policy,omitempty"`
	DeveloperInstr     string          `json:"developer_instructions,omitempty"`
	BaseInstructions   string          `json:"base_instructions,omitempty"`
	FinalOutputSchema  json.RawMessage `json:"final_output_schema,omitempty"`
}

// ResponseItem is a verbatim model-emitted item: message, reasoning, tool
// call, or tool output. Payload is kept opaque (raw JSON) since its shape
// is owned by the ModelClient capability, not by this package.
type ResponseItem struct {
	ItemType string          `json:"item_type"` // "message" | "reasoning" | "function_call" | "function_call_output" | ...
	CallID   string          `json:"call_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// EventMsg is a synthetic event of interest to subscribers (deltas,
// begin/end, approvals, status changes, ...).
type EventMsg struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Compaction is a summarization checkpoint: the transcript items it
// replaces are listed so replay can splice the summary back in.
type Compaction struct {
	Summary       string   `json:"summary"`
	ReplacesUpTo  int      `json:"replaces_up_to"` // index into the pre-compaction transcript
	ReplacedCalls []string `json:"replaced_calls,omitempty"`
}

// ThreadRolledBack is the EventMsg.Kind/Payload pair append for a
// rollback(); replay (§4.5.4) is where the actual turn renumbering happens.
type ThreadRolledBack struct {
	NumTurns int `json:"num_turns"`
}

const EventKindThreadRolledBack = "thread_rolled_back"
