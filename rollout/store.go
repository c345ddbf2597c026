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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// Store is the filesystem-backed rollout store rooted at a codex_home's
// sessions/ directory. The rollout files are always the source of truth;
// an attached Index only accelerates lookup (§4.1 "the index is advisory").
type Store struct {
	root  string
	index *Index
}

// NewStore returns a Store rooted at root (typically "<codex_home>/sessions").
func NewStore(root string) *Store {
	return &Store{root: root}
}

// SetIndex attaches idx so Create/Archive keep it in sync and Lookup can use
// it for O(1) resolution. A nil Store never touches idx again once unset.
func (s *Store) SetIndex(idx *Index) { s.index = idx }

// Writer owns exclusive append access to one thread's rollout file (§3.4).
type Writer struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// pathFor computes the sessions/YYYY/MM/DD/rollout-<ts>-<uuid>.jsonl path
// (§3.2 invariant 3).
func pathFor(root string, createdAt time.Time, threadID string) string {
	createdAt = createdAt.UTC()
	dir := filepath.Join(root,
		fmt.Sprintf("%04d", createdAt.Year()),
		fmt.Sprintf("%02d", createdAt.Month()),
		fmt.Sprintf("%02d", createdAt.Day()),
	)
	ts := createdAt.Format("2006-01-02T15-04-05")
	return filepath.Join(dir, fmt.Sprintf("rollout-%s-%s.jsonl", ts, threadID))
}

// Create makes a new rollout file for threadID, writing meta as the first
// line, and returns a Writer exclusively owning it.
func (s *Store) Create(meta SessionMeta) (*Writer, error) {
	if meta.ThreadID == "" {
		meta.ThreadID = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	path := pathFor(s.root, meta.CreatedAt, meta.ThreadID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "mkdir rollout dir", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, coreerr.Wrap(coreerr.KindInternal, "rollout path collision: "+path, err)
		}
		return nil, coreerr.Wrap(coreerr.KindInternal, "create rollout file", err)
	}

	w := &Writer{path: path, f: f}
	if err := w.appendLocked(Line{
		Timestamp: meta.CreatedAt,
		Item:      Item{Type: ItemSessionMeta, SessionMeta: &meta},
	}); err != nil {
		f.Close()
		return nil, err
	}
	if s.index != nil {
		_ = s.index.Upsert(Entry{
			ThreadID:  meta.ThreadID,
			Path:      path,
			CreatedAt: meta.CreatedAt,
			MutatedAt: meta.CreatedAt,
			Source:    meta.Source,
		}, meta.ProviderID)
	}
	return w, nil
}

// Lookup resolves threadID to its rollout path, preferring the attached
// Index when present and falling back to a directory scan (the index may be
// absent, stale, or missing the row) rather than treating a miss as fatal.
func (s *Store) Lookup(threadID string) (string, error) {
	if s.index != nil {
		if path, err := s.index.Lookup(threadID); err == nil {
			return path, nil
		}
	}
	page, err := s.List(0, "", nil)
	if err != nil {
		return "", err
	}
	for _, e := range page.Entries {
		if e.ThreadID == threadID {
			return e.Path, nil
		}
	}
	return "", coreerr.New(coreerr.KindNotFound, "no such thread: "+threadID)
}

// Open reattaches a Writer to an existing rollout file for further appends
// (used when resuming a thread).
func (s *Store) Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "open rollout file for append", err)
	}
	return &Writer{path: path, f: f}, nil
}

// Path returns the writer's backing file path.
func (w *Writer) Path() string { return w.path }

// Append serializes item with the current timestamp and writes+flushes it.
// Appends through one Writer are ordered; cross-thread appends (different
// Writers) are independent (§4.1).
func (w *Writer) Append(item Item) error {
	return w.appendLocked(Line{Timestamp: time.Now().UTC(), Item: item})
}

func (w *Writer) appendLocked(line Line) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(line)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "marshal rollout line", err)
	}
	data = append(data, '\n')
	if _, err := w.f.Write(data); err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "write rollout line", err)
	}
	if err := w.f.Sync(); err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "fsync rollout file", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Read lazily parses path line by line, invoking fn for each Line in file
// order. Returning an error from fn stops iteration and is propagated.
func Read(path string, fn func(Line) error) error {
	f, err := os.Open(path)
	if err != nil {
		return coreerr.Wrap(coreerr.KindNotFound, "open rollout file", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			return coreerr.Wrap(coreerr.KindInternal, "parse rollout line", err)
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "scan rollout file", err)
	}
	return nil
}

// ReadAll loads every line of path into memory. Prefer Read for large
// files; ReadAll is convenient for tests and replay.
func ReadAll(path string) ([]Line, error) {
	var lines []Line
	err := Read(path, func(l Line) error {
		lines = append(lines, l)
		return nil
	})
	return lines, err
}

// Page is one page of a List call.
type Page struct {
	Entries []Entry
	Cursor  string // "ts|uuid", empty when exhausted
}

// Entry summarizes one rollout file for listing purposes.
type Entry struct {
	Path      string
	ThreadID  string
	CreatedAt time.Time
	MutatedAt time.Time
	Source    string
	Archived  bool
}

const listScanCap = 10000

// List performs newest-first paginated iteration over root, ordered by
// (filename timestamp DESC, uuid DESC), honoring the §4.1 scan cap and
// SessionMeta+user-message inclusion filter.
func (s *Store) List(pageSize int, cursor string, allowedSources map[string]bool) (Page, error) {
	var all []Entry
	scanned := 0

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".jsonl") || !strings.Contains(filepath.Base(path), "rollout-") {
			return nil
		}
		scanned++
		if scanned > listScanCap {
			return errScanCapped
		}

		entry, ok, ferr := inspect(path)
		if ferr != nil || !ok {
			return nil
		}
		if entry.Archived {
			return nil
		}
		if allowedSources != nil && len(allowedSources) > 0 && !allowedSources[entry.Source] {
			return nil
		}
		all = append(all, entry)
		return nil
	})

	capped := false
	if err != nil {
		if err == errScanCapped {
			capped = true
		} else {
			return Page{}, coreerr.Wrap(coreerr.KindInternal, "walk rollout root", err)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		ti, tj := all[i].CreatedAt.Truncate(time.Second), all[j].CreatedAt.Truncate(time.Second)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return all[i].ThreadID > all[j].ThreadID
	})

	start := 0
	if cursor != "" {
		ts, id, ok := strings.Cut(cursor, "|")
		if ok {
			for i, e := range all {
				key := e.CreatedAt.Format(time.RFC3339Nano) + "|" + e.ThreadID
				if key == ts+"|"+id {
					start = i + 1
					break
				}
			}
		}
	}

	end := start + pageSize
	if pageSize <= 0 || end > len(all) {
		end = len(all)
	}
	page := Page{Entries: all[start:end]}

	if end < len(all) || capped {
		last := all[end-1]
		page.Cursor = last.CreatedAt.Format(time.RFC3339Nano) + "|" + last.ThreadID
	}
	return page, nil
}

var errScanCapped = fmt.Errorf("rollout: list scan cap reached")

// inspect reads just enough of a rollout file to build its listing Entry,
// and reports ok=false for crash-truncated or empty sessions (no
// SessionMeta, or no user-message event).
func inspect(path string) (Entry, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, false, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Entry{}, false, err
	}

	var entry Entry
	entry.Path = path
	entry.MutatedAt = stat.ModTime()
	entry.Archived = strings.Contains(path, ".archived")

	hasMeta := false
	hasUserMsg := false

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var line Line
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		switch line.Item.Type {
		case ItemSessionMeta:
			hasMeta = true
			entry.ThreadID = line.Item.SessionMeta.ThreadID
			entry.CreatedAt = line.Item.SessionMeta.CreatedAt
			entry.Source = line.Item.SessionMeta.Source
		case ItemResponseItem:
			if line.Item.ResponseItem != nil && line.Item.ResponseItem.ItemType == "message" {
				var wm struct {
					Role string `json:"role"`
				}
				if json.Unmarshal(line.Item.ResponseItem.Payload, &wm) == nil && wm.Role == "user" {
					hasUserMsg = true
				}
			}
		case ItemEventMsg:
			if line.Item.EventMsg != nil && line.Item.EventMsg.Kind == "UserMessage" {
				hasUserMsg = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Entry{}, false, err
	}
	return entry, hasMeta && hasUserMsg, nil
}

// Fork copies path's lines up to (exclusive) the Nth user-message event,
// writes a new SessionMeta with a fresh ThreadId, and returns the new
// file's path. The original file is untouched.
func (s *Store) Fork(path string, upToNthUserMessage int) (string, error) {
	lines, err := ReadAll(path)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 || lines[0].Item.Type != ItemSessionMeta {
		return "", coreerr.New(coreerr.KindInternal, "fork source missing SessionMeta: "+path)
	}

	newID := uuid.NewString()
	now := time.Now().UTC()
	newMeta := *lines[0].Item.SessionMeta
	newMeta.ThreadID = newID
	newMeta.CreatedAt = now

	newPath := pathFor(s.root, now, newID)
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return "", coreerr.Wrap(coreerr.KindInternal, "mkdir fork dir", err)
	}
	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindInternal, "create fork file", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	writeLine := func(l Line) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = w.Write(data)
		return err
	}

	if err := writeLine(Line{Timestamp: now, Item: Item{Type: ItemSessionMeta, SessionMeta: &newMeta}}); err != nil {
		return "", coreerr.Wrap(coreerr.KindInternal, "write forked meta", err)
	}

	userMsgCount := 0
	for _, l := range lines[1:] {
		isUserMsg := l.Item.Type == ItemEventMsg && l.Item.EventMsg != nil && l.Item.EventMsg.Kind == "UserMessage"
		if isUserMsg {
			if userMsgCount >= upToNthUserMessage {
				break
			}
			userMsgCount++
		}
		if err := writeLine(l); err != nil {
			return "", coreerr.Wrap(coreerr.KindInternal, "write forked line", err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", coreerr.Wrap(coreerr.KindInternal, "flush forked file", err)
	}
	return newPath, nil
}

// Rollback emits a ThreadRolledBack event on the log; renumbering of
// already-emitted turns happens only in replay (§4.5.4), never here.
func (w *Writer) Rollback(numTurns int) error {
	payload, err := json.Marshal(ThreadRolledBack{NumTurns: numTurns})
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "marshal rollback payload", err)
	}
	return w.Append(Item{
		Type: ItemEventMsg,
		EventMsg: &EventMsg{
			Kind:    EventKindThreadRolledBack,
			Payload: payload,
		},
	})
}

// Archive renames path to mark it archived; List always excludes archived
// files.
func (s *Store) Archive(path string) (string, error) {
	if strings.Contains(path, ".archived") {
		return path, nil
	}
	newPath := strings.TrimSuffix(path, ".jsonl") + ".archived.jsonl"
	if err := os.Rename(path, newPath); err != nil {
		return "", coreerr.Wrap(coreerr.KindInternal, "archive rollout file", err)
	}
	if s.index != nil {
		if entry, ok, _ := inspect(newPath); ok {
			_ = s.index.MarkArchived(entry.ThreadID, newPath)
		}
	}
	return newPath, nil
}
