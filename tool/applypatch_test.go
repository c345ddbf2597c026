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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingTracker struct {
	changes []Change
}

func (r *recordingTracker) RecordChange(path, before, after string) {
	r.changes = append(r.changes, Change{Path: path, Before: before, After: after})
}

func TestPatchRunnerAppliesWithinWritableRoot(t *testing.T) {
	dir := t.TempDir()
	p := &PatchRunner{WritableRoots: []string{dir}}
	tracker := &recordingTracker{}

	target := filepath.Join(dir, "hello.txt")
	out, err := p.Apply(tracker, []Change{{Path: target, After: "hi"}})
	require.NoError(t, err)
	require.True(t, out.Success)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))
	require.Len(t, tracker.changes, 1)
}

func TestPatchRunnerRejectsOutsideWritableRoot(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "evil.txt")
	p := &PatchRunner{WritableRoots: []string{dir}}

	out, err := p.Apply(&recordingTracker{}, []Change{{Path: outside, After: "x"}})
	require.NoError(t, err)
	require.False(t, out.Success)
}
