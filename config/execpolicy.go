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

package config

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// Decision is the rule outcome for a matched command (§6.3, §4.2).
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionPrompt    Decision = "prompt"
	DecisionForbidden Decision = "forbidden"
)

// Rule is one line of an execpolicy file: either a prefix_rule (matches any
// command beginning with Pattern) or an exact_rule (matches the whole
// argv).
type Rule struct {
	Exact    bool
	Pattern  []string
	Decision Decision
}

var ruleLine = regexp.MustCompile(`^(prefix_rule|exact_rule)\(pattern=\[(.*?)\],\s*decision="(allow|prompt|forbidden)"\)\s*$`)

// ParseRules reads an execpolicy file's text form (§6.3).
func ParseRules(text string) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := ruleLine.FindStringSubmatch(line)
		if m == nil {
			return nil, coreerr.New(coreerr.KindConfig, "malformed execpolicy line: "+line)
		}
		pattern, err := splitQuotedList(m[2])
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindConfig, "execpolicy pattern: "+line, err)
		}
		rules = append(rules, Rule{
			Exact:    m[1] == "exact_rule",
			Pattern:  pattern,
			Decision: Decision(m[3]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "scan execpolicy text", err)
	}
	return rules, nil
}

func splitQuotedList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if len(part) < 2 || part[0] != '"' || part[len(part)-1] != '"' {
			return nil, fmt.Errorf("expected quoted string, got %q", part)
		}
		out = append(out, part[1:len(part)-1])
	}
	return out, nil
}

// Format renders rules back to the text form a writer or amendment appends.
func Format(rules []Rule) string {
	var b strings.Builder
	for _, r := range rules {
		kind := "prefix_rule"
		if r.Exact {
			kind = "exact_rule"
		}
		quoted := make([]string, len(r.Pattern))
		for i, p := range r.Pattern {
			quoted[i] = fmt.Sprintf("%q", p)
		}
		fmt.Fprintf(&b, "%s(pattern=[%s], decision=%q)\n", kind, strings.Join(quoted, ", "), string(r.Decision))
	}
	return b.String()
}

// RuleSet is the read-mostly, hot-reloadable shared structure policy
// evaluation reads from. A single writer appends rules (via AppendAllow);
// many readers call Snapshot concurrently. An fsnotify watcher keeps it in
// sync with external edits to the backing file (§9: "single-writer/
// many-reader discipline, not a per-call snapshot").
type RuleSet struct {
	path string

	mu    sync.RWMutex
	rules []Rule

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadRuleSet reads path, treating a missing file as an empty rule set, and
// starts watching it for external changes. The watch is only set up when
// the file exists at load time; a file created later is not watched.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, coreerr.Wrap(coreerr.KindConfig, "read execpolicy "+path, err)
		}
		data = nil
	}
	rules, err := ParseRules(string(data))
	if err != nil {
		return nil, err
	}

	rs := &RuleSet{path: path, rules: rules, done: make(chan struct{})}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Hot reload is best-effort; a RuleSet without a live watcher still
		// serves its initially-loaded rules.
		return rs, nil
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return rs, nil
	}
	rs.watcher = w
	go rs.watchLoop()
	return rs, nil
}

func (rs *RuleSet) watchLoop() {
	for {
		select {
		case <-rs.done:
			return
		case ev, ok := <-rs.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			data, err := os.ReadFile(rs.path)
			if err != nil {
				continue
			}
			rules, err := ParseRules(string(data))
			if err != nil {
				continue
			}
			rs.mu.Lock()
			rs.rules = rules
			rs.mu.Unlock()
		case _, ok := <-rs.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the background watcher.
func (rs *RuleSet) Close() error {
	close(rs.done)
	if rs.watcher != nil {
		return rs.watcher.Close()
	}
	return nil
}

// Snapshot returns the currently-loaded rules. Callers must not mutate the
// returned slice.
func (rs *RuleSet) Snapshot() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.rules
}

// AppendAllow appends a prefix_rule(decision="allow") line for prefix to
// the backing file and to the in-memory snapshot (§6.3: "a writer supports
// appending an allow rule for a prefix"). This is the single-writer path;
// callers must serialize their own calls (policy evaluation holds one
// writer per codex_home).
func (rs *RuleSet) AppendAllow(prefix []string) error {
	rule := Rule{Pattern: prefix, Decision: DecisionAllow}

	f, err := os.OpenFile(rs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.KindConfig, "open execpolicy for append", err)
	}
	defer f.Close()
	if _, err := f.WriteString(Format([]Rule{rule})); err != nil {
		return coreerr.Wrap(coreerr.KindConfig, "append execpolicy rule", err)
	}

	rs.mu.Lock()
	rs.rules = append(rs.rules, rule)
	rs.mu.Unlock()
	return nil
}
