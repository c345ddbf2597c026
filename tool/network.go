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

package tool

import (
	"context"
	"sync"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/policy"
)

// NetworkApprover resolves one outgoing-connection attempt from a
// sandboxed tool process via the NetworkPolicyDecider sub-contract
// (§4.3 "Network-approval sub-contract").
type NetworkApprover struct {
	Policy   *policy.Evaluator
	Approver NetworkUserApprover

	mu       sync.Mutex
	attempts map[string]*networkAttempt
}

// NetworkUserApprover prompts the user for a NetworkApprovalContext
// decision; implemented by thread.Thread and by threadmgr.NetworkApprover,
// which routes the prompt to the thread named by sessionID.
type NetworkUserApprover interface {
	RequestNetworkApproval(ctx context.Context, sessionID, attemptID, host, protocol string) (approved, forSession bool, err error)
}

type networkAttempt struct {
	sessionID string
	outcome   map[string]string // host -> "allowed" | "denied_by_user"
}

// NewNetworkApprover builds a NetworkApprover with an empty attempt table.
func NewNetworkApprover(p *policy.Evaluator, approver NetworkUserApprover) *NetworkApprover {
	return &NetworkApprover{Policy: p, Approver: approver, attempts: map[string]*networkAttempt{}}
}

// BeginAttempt registers a new network-approval attempt scoped to a single
// tool invocation.
func (n *NetworkApprover) BeginAttempt(attemptID, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts[attemptID] = &networkAttempt{sessionID: sessionID, outcome: map[string]string{}}
}

// EndAttempt releases the attempt's per-attempt caches and outcome table;
// returns the recorded outcomes so the tool's finalizer can convert any
// "denied_by_user" into a Rejected result (§4.3).
func (n *NetworkApprover) EndAttempt(attemptID string) map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.attempts[attemptID]
	delete(n.attempts, attemptID)
	n.Policy.EndAttempt(attemptID)
	if !ok {
		return nil
	}
	return a.outcome
}

// Decide implements capability.NetworkPolicyDecider, called inline by the
// network proxy for each outgoing connection attempt.
func (n *NetworkApprover) Decide(ctx context.Context, req capability.NetworkRequest) (capability.NetworkDecision, error) {
	n.mu.Lock()
	attempt, ok := n.attempts[req.AttemptID]
	n.mu.Unlock()
	if !ok {
		return capability.NetworkDeny, nil
	}

	if n.Policy.HostApprovedForSession(attempt.sessionID, req.Host) {
		return capability.NetworkAllow, nil
	}
	if n.Policy.HostApprovedForAttempt(req.AttemptID, req.Host) {
		return capability.NetworkAllow, nil
	}

	approved, forSession, err := n.Approver.RequestNetworkApproval(ctx, attempt.sessionID, req.AttemptID, req.Host, req.Protocol)
	if err != nil {
		return capability.NetworkDeny, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !approved {
		attempt.outcome[req.Host] = "denied_by_user"
		return capability.NetworkDeny, nil
	}
	if forSession {
		n.Policy.ApproveHostForSession(attempt.sessionID, req.Host)
	} else {
		n.Policy.ApproveHostForAttempt(req.AttemptID, req.Host)
	}
	attempt.outcome[req.Host] = "allowed"
	return capability.NetworkAllow, nil
}
