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
	"context"

	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// NetworkApprover adapts the manager to tool.NetworkUserApprover: unlike
// Sink (one per thread) a single tool.NetworkApprover is shared across
// every thread, since its own attempt table is already keyed by session
// id. This type only needs to route a resolved sessionID back to that
// thread's pending-approvals table.
type NetworkApprover struct {
	mgr *Manager
}

// NewNetworkApprover builds the manager-backed NetworkUserApprover.
func NewNetworkApprover(mgr *Manager) *NetworkApprover {
	return &NetworkApprover{mgr: mgr}
}

// RequestNetworkApproval implements tool.NetworkUserApprover by looking up
// the thread owning sessionID and forwarding the request to it.
func (a *NetworkApprover) RequestNetworkApproval(ctx context.Context, sessionID, attemptID, host, protocol string) (approved, forSession bool, err error) {
	th, ok := a.mgr.GetThread(sessionID)
	if !ok {
		return false, false, coreerr.New(coreerr.KindNotFound, "no such thread: "+sessionID)
	}
	return th.RequestNetworkApproval(ctx, sessionID, attemptID, host, protocol)
}
