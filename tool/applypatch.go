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
	"os"
	"path/filepath"
	"strings"
)

// Change is one file mutation within a patch envelope.
type Change struct {
	Path   string
	Before string // "" for a new file
	After  string // "" for a deletion
}

// PatchRunner applies a parsed patch envelope's changes under the
// sandbox's writable set (§4.3 "Apply-patch").
type PatchRunner struct {
	WritableRoots []string
}

func (o *Orchestrator) invokePatch(ctx context.Context, approver Approver, in Invocation) (Output, error) {
	rawChanges, _ := in.Payload["file_changes"].(map[string]string)
	grantRoot, _ := in.Payload["grant_root"].(bool)

	decision, err := approver.RequestPatchApproval(ctx, in.CallID, rawChanges, "")
	if err != nil {
		return Output{}, err
	}
	if decision.Kind == DecisionDenied || decision.Kind == DecisionAbort {
		return Output{Success: false, Content: "patch rejected by user"}, nil
	}

	changes := make([]Change, 0, len(rawChanges))
	for path, after := range rawChanges {
		changes = append(changes, Change{Path: path, After: after})
	}

	// grant_root is read from the payload and otherwise unused: it is not
	// stored on the approval record and does not widen PatchRunner's
	// writable set (see DESIGN.md open-question decision (a)).
	_ = grantRoot

	return o.Patch.Apply(in.Tracker, changes)
}

// Apply writes each change to disk under a writable root and records it on
// the turn's shared diff tracker.
func (p *PatchRunner) Apply(tracker DiffTracker, changes []Change) (Output, error) {
	for _, c := range changes {
		if !p.withinWritableRoots(c.Path) {
			return Output{Success: false, Content: "path outside writable roots: " + c.Path}, nil
		}

		before := ""
		if data, err := os.ReadFile(c.Path); err == nil {
			before = string(data)
		}

		if c.After == "" {
			if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
				return Output{Success: false, Content: err.Error()}, nil
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
				return Output{Success: false, Content: err.Error()}, nil
			}
			if err := os.WriteFile(c.Path, []byte(c.After), 0o644); err != nil {
				return Output{Success: false, Content: err.Error()}, nil
			}
		}

		if tracker != nil {
			tracker.RecordChange(c.Path, before, c.After)
		}
	}
	return Output{Success: true, Content: "applied"}, nil
}

func (p *PatchRunner) withinWritableRoots(path string) bool {
	if len(p.WritableRoots) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range p.WritableRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || filepathHasPrefix(abs, rootAbs) {
			return true
		}
	}
	return false
}

func filepathHasPrefix(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
