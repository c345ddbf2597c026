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

// Package thread implements the per-thread state machine (§4.5): the turn
// algorithm, in-memory transcript, rollback, and the pure replay function
// that reconstructs a transcript from a rollout.
package thread

import (
	"github.com/kadirpekel/codex-core/tool"
)

// OpKind tags an Op's variant (§4.5.1).
type OpKind int

const (
	OpUserInput OpKind = iota
	OpInterrupt
	OpOverrideTurnContext
	OpShutdown
	OpThreadRollback
	OpApprove
)

// InputItem is one piece of a UserInput op: text or an image reference.
type InputItem struct {
	Text      string
	ImageURL  string
	ImagePath string
}

// UserInputOp is the payload of Op{Kind: OpUserInput}.
type UserInputOp struct {
	Items             []InputItem
	FinalOutputSchema any
}

// OverrideTurnContextOp carries the subset of TurnContext fields a caller
// wants to change; zero-value fields leave the current context unchanged.
type OverrideTurnContextOp struct {
	Model            string
	ReasoningEffort  string
	SandboxPolicy    string
	ApprovalPolicy   string
	Cwd              string
	ShellEnvPolicy   string
	DeveloperInstr   string
	BaseInstructions string
	WritableRoots    []string
}

// ThreadRollbackOp is the payload of Op{Kind: OpThreadRollback}.
type ThreadRollbackOp struct {
	NumTurns int
}

// ApproveOp resolves a pending approval raised during tool dispatch.
type ApproveOp struct {
	CallID   string
	Decision tool.ReviewDecision
}

// Op is one externally submitted control input (§4.5.1). Submissions are
// processed one at a time per thread; exactly one of the typed fields is
// populated, selected by Kind.
type Op struct {
	Kind         OpKind
	UserInput    *UserInputOp
	Override     *OverrideTurnContextOp
	Rollback     *ThreadRollbackOp
	Approve      *ApproveOp
	SubmissionID string
}
