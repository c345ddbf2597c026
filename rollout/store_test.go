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

package rollout

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAppendRead(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	w, err := store.Create(SessionMeta{Source: "cli", ProviderID: "openai"})
	require.NoError(t, err)
	defer w.Close()

	payload, _ := json.Marshal(map[string]string{"text": "hi"})
	require.NoError(t, w.Append(Item{
		Type:     ItemEventMsg,
		EventMsg: &EventMsg{Kind: "UserMessage", Payload: payload},
	}))

	lines, err := ReadAll(w.Path())
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, ItemSessionMeta, lines[0].Item.Type)
	require.Equal(t, ItemEventMsg, lines[1].Item.Type)
	require.Equal(t, "UserMessage", lines[1].Item.EventMsg.Kind)
}

func TestListOrderingAndFilter(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	// A session with no user message is excluded from listing.
	empty, err := store.Create(SessionMeta{Source: "cli", ProviderID: "openai"})
	require.NoError(t, err)
	empty.Close()

	full, err := store.Create(SessionMeta{Source: "cli", ProviderID: "openai"})
	require.NoError(t, err)
	payload, _ := json.Marshal(map[string]string{"text": "hi"})
	require.NoError(t, full.Append(Item{Type: ItemEventMsg, EventMsg: &EventMsg{Kind: "UserMessage", Payload: payload}}))
	full.Close()

	page, err := store.List(10, "", nil)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
}

func TestForkCopiesUpToNthUserMessage(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	w, err := store.Create(SessionMeta{Source: "cli", ProviderID: "openai"})
	require.NoError(t, err)

	um := func(text string) Item {
		p, _ := json.Marshal(map[string]string{"text": text})
		return Item{Type: ItemEventMsg, EventMsg: &EventMsg{Kind: "UserMessage", Payload: p}}
	}
	require.NoError(t, w.Append(um("first")))
	require.NoError(t, w.Append(um("second")))
	require.NoError(t, w.Append(um("third")))
	w.Close()

	forkPath, err := store.Fork(w.Path(), 2)
	require.NoError(t, err)

	lines, err := ReadAll(forkPath)
	require.NoError(t, err)
	// meta + first + second, "third" excluded since fork is exclusive of Nth.
	require.Len(t, lines, 3)

	orig, err := ReadAll(w.Path())
	require.NoError(t, err)
	require.Len(t, orig, 4)
}

func TestRollbackEmitsEvent(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	w, err := store.Create(SessionMeta{Source: "cli", ProviderID: "openai"})
	require.NoError(t, err)
	require.NoError(t, w.Rollback(2))
	w.Close()

	lines, err := ReadAll(w.Path())
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, EventKindThreadRolledBack, lines[1].Item.EventMsg.Kind)

	var payload ThreadRolledBack
	require.NoError(t, json.Unmarshal(lines[1].Item.EventMsg.Payload, &payload))
	require.Equal(t, 2, payload.NumTurns)
}

func TestArchiveExcludesFromList(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	w, err := store.Create(SessionMeta{Source: "cli", ProviderID: "openai"})
	require.NoError(t, err)
	p, _ := json.Marshal(map[string]string{"text": "hi"})
	require.NoError(t, w.Append(Item{Type: ItemEventMsg, EventMsg: &EventMsg{Kind: "UserMessage", Payload: p}}))
	path := w.Path()
	w.Close()

	page, err := store.List(10, "", nil)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)

	archivedPath, err := store.Archive(path)
	require.NoError(t, err)
	require.NotEqual(t, path, archivedPath)

	page, err = store.List(10, "", nil)
	require.NoError(t, err)
	require.Len(t, page.Entries, 0)
}
