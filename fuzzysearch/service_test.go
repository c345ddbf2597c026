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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, rel string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestServiceSearchRanksAcrossRoots(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/main.go")
	writeFile(t, dir, "src/other.go")
	writeFile(t, dir, ".git/HEAD")

	svc := NewService()
	results, err := svc.Search(context.Background(), "main", []string{dir})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Contains(t, results[0].Path, "main.go")
}

func TestServiceSearchEmptyQueryReturnsNoResults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/main.go")

	svc := NewService()
	results, err := svc.Search(context.Background(), "", []string{dir})
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestServiceSearchSkipsGitDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".git/main.go")

	svc := NewService()
	results, err := svc.Search(context.Background(), "main", []string{dir})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestServiceSearchMissingRootIsNotAnError(t *testing.T) {
	svc := NewService()
	results, err := svc.Search(context.Background(), "main", []string{filepath.Join(t.TempDir(), "does-not-exist")})
	require.NoError(t, err)
	require.Empty(t, results)
}
