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

package policy

import "sync"

// sessionCache holds per-session approved command prefixes and approved
// network hosts (§4.2 "per-session caches"), plus per-attempt host
// approvals scoped to a single tool invocation.
type sessionCache struct {
	mu             sync.Mutex
	approvedHosts  map[string]map[string]bool // session id -> host set
	approvedPrefix map[string][][]string      // session id -> prefixes
	attemptHosts   map[string]map[string]bool // attempt id -> host set
}

func newSessionCache() *sessionCache {
	return &sessionCache{
		approvedHosts:  map[string]map[string]bool{},
		approvedPrefix: map[string][][]string{},
		attemptHosts:   map[string]map[string]bool{},
	}
}

// ApproveHostForSession caches host as approved for every future request on
// sessionID ("approve for session" answer, §4.2).
func (c *sessionCache) ApproveHostForSession(sessionID, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.approvedHosts[sessionID]
	if !ok {
		set = map[string]bool{}
		c.approvedHosts[sessionID] = set
	}
	set[host] = true
}

// HostApprovedForSession reports whether host was previously approved for
// the session.
func (c *sessionCache) HostApprovedForSession(sessionID, host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approvedHosts[sessionID][host]
}

// ApproveHostForAttempt scopes a host approval to a single tool attempt; a
// long-running tool may ask about multiple hosts within one attempt.
func (c *sessionCache) ApproveHostForAttempt(attemptID, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.attemptHosts[attemptID]
	if !ok {
		set = map[string]bool{}
		c.attemptHosts[attemptID] = set
	}
	set[host] = true
}

// HostApprovedForAttempt reports whether host was approved within attemptID.
func (c *sessionCache) HostApprovedForAttempt(attemptID, host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptHosts[attemptID][host]
}

// EndAttempt discards an attempt's per-attempt host approvals once the
// tool invocation finalizes.
func (c *sessionCache) EndAttempt(attemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attemptHosts, attemptID)
}

// ApprovePrefixForSession records a command prefix approved for the
// session's remaining lifetime (distinct from the durable execpolicy
// amendment — this is process-lifetime only).
func (c *sessionCache) ApprovePrefixForSession(sessionID string, prefix []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approvedPrefix[sessionID] = append(c.approvedPrefix[sessionID], prefix)
}

// PrefixApprovedForSession reports whether argv begins with any prefix
// previously approved for the session.
func (c *sessionCache) PrefixApprovedForSession(sessionID string, argv []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, prefix := range c.approvedPrefix[sessionID] {
		if hasPrefix(argv, prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(argv, prefix []string) bool {
	if len(prefix) > len(argv) {
		return false
	}
	for i, p := range prefix {
		if argv[i] != p {
			return false
		}
	}
	return true
}

// ApprovePrefixForSession exposes sessionCache's method on Evaluator so
// callers outside the package don't need access to the unexported cache.
func (e *Evaluator) ApprovePrefixForSession(sessionID string, prefix []string) {
	e.sessions.ApprovePrefixForSession(sessionID, prefix)
}

// PrefixApprovedForSession reports whether argv is already covered by a
// session-approved prefix.
func (e *Evaluator) PrefixApprovedForSession(sessionID string, argv []string) bool {
	return e.sessions.PrefixApprovedForSession(sessionID, argv)
}

// ApproveHostForSession caches host as approved for sessionID.
func (e *Evaluator) ApproveHostForSession(sessionID, host string) {
	e.sessions.ApproveHostForSession(sessionID, host)
}

// HostApprovedForSession reports whether host is approved for sessionID.
func (e *Evaluator) HostApprovedForSession(sessionID, host string) bool {
	return e.sessions.HostApprovedForSession(sessionID, host)
}

// ApproveHostForAttempt caches host as approved for attemptID only.
func (e *Evaluator) ApproveHostForAttempt(attemptID, host string) {
	e.sessions.ApproveHostForAttempt(attemptID, host)
}

// HostApprovedForAttempt reports whether host is approved within attemptID.
func (e *Evaluator) HostApprovedForAttempt(attemptID, host string) bool {
	return e.sessions.HostApprovedForAttempt(attemptID, host)
}

// EndAttempt discards attemptID's per-attempt host approvals.
func (e *Evaluator) EndAttempt(attemptID string) {
	e.sessions.EndAttempt(attemptID)
}
