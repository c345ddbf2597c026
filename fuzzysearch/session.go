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

package fuzzysearch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// Sink receives a streaming session's result batches, one per completed
// scan; implemented by rpcserver to forward them as notifications, mirroring
// the tool package's EventSink shape for push-style results.
type Sink interface {
	FuzzyResults(sessionID string, results []Result)
}

type session struct {
	id     string
	roots  []string
	sink   Sink
	mu     sync.Mutex
	cancel context.CancelFunc
	// gen increments every time a new scan supersedes the previous one (or
	// the session is stopped); a scan only delivers results if its own
	// generation is still current when it finishes, since func values
	// can't be compared directly to detect supersession.
	gen int
}

// SessionManager holds the live streaming fuzzy-search sessions a client
// has open (§4.8 "start"/"update"/"stop"). Each session's Update
// supersedes any in-flight scan for that session: the previous scan's
// context is canceled before the new one starts, so a stale scan can never
// deliver results after a newer query has superseded it.
type SessionManager struct {
	svc *Service

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager builds a manager backed by svc.
func NewSessionManager(svc *Service) *SessionManager {
	return &SessionManager{svc: svc, sessions: map[string]*session{}}
}

// Start opens a new streaming session rooted at roots and runs an initial
// scan for query (if non-empty), returning the new session id.
func (m *SessionManager) Start(ctx context.Context, query string, roots []string, sink Sink) string {
	s := &session{id: uuid.NewString(), roots: roots, sink: sink}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if query != "" {
		m.runScan(ctx, s, query)
	}
	return s.id
}

// Update re-queries an existing session, canceling any scan already in
// flight for it before starting the new one (§4.8 coalescing).
func (m *SessionManager) Update(ctx context.Context, sessionID, query string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	m.runScan(ctx, s, query)
	return nil
}

// Stop cancels any in-flight scan and discards sessionID.
func (m *SessionManager) Stop(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return coreerr.New(coreerr.KindNotFound, "fuzzy file search session not found: "+sessionID)
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	s.mu.Unlock()
	return nil
}

func (m *SessionManager) get(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, coreerr.New(coreerr.KindNotFound, "fuzzy file search session not found: "+sessionID)
	}
	return s, nil
}

// runScan cancels s's prior in-flight scan (if any) and starts a new one
// for query on a background goroutine, delivering results through s.sink
// unless a still-newer scan has since superseded it.
func (m *SessionManager) runScan(ctx context.Context, s *session, query string) {
	scanCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.gen++
	myGen := s.gen
	s.mu.Unlock()

	go func() {
		results, err := m.svc.Search(scanCtx, query, s.roots)
		if err != nil || scanCtx.Err() != nil {
			// Canceled (superseded) or failed scans never deliver: a
			// stale notification would contradict a newer query the
			// client already issued.
			return
		}
		s.mu.Lock()
		stillCurrent := s.gen == myGen
		s.mu.Unlock()
		if stillCurrent && s.sink != nil {
			s.sink.FuzzyResults(s.id, results)
		}
	}()
}
