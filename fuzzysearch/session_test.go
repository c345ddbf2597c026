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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Result
}

func (s *recordingSink) FuzzyResults(sessionID string, results []Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, results)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestSessionManagerStartDeliversResults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/main.go")

	sink := &recordingSink{}
	m := NewSessionManager(NewService())
	id := m.Start(context.Background(), "main", []string{dir}, sink)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionManagerUpdateUnknownSessionErrors(t *testing.T) {
	m := NewSessionManager(NewService())
	err := m.Update(context.Background(), "missing", "main")
	require.Error(t, err)
}

func TestSessionManagerStopUnknownSessionErrors(t *testing.T) {
	m := NewSessionManager(NewService())
	err := m.Stop("missing")
	require.Error(t, err)
}

func TestSessionManagerStopPreventsFurtherDelivery(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/main.go")

	sink := &recordingSink{}
	m := NewSessionManager(NewService())
	id := m.Start(context.Background(), "main", []string{dir}, sink)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(id))

	// A stale scan in flight at Stop time must never deliver: the
	// generation counter bumped by Stop invalidates it even though the
	// goroutine may still be mid-walk.
	before := sink.count()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, sink.count())

	require.Error(t, m.Update(context.Background(), id, "main"))
}

func TestSessionManagerUpdateCoalescesRapidRequeries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/main.go")

	sink := &recordingSink{}
	m := NewSessionManager(NewService())
	id := m.Start(context.Background(), "", []string{dir}, sink) // no initial scan

	// Fire a burst of updates; each Update supersedes the scan before it,
	// and a superseded scan's results are dropped. A scan that finishes
	// before the next Update arrives may still deliver, so the burst can
	// produce more than one batch; the test checks that at least one lands.
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Update(context.Background(), id, "main"))
	}

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)
}
