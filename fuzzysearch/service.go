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
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// MaxResults bounds how many scored candidates a search returns, the
// newest-first-style cap fuzzy pickers apply to keep the UI responsive.
const MaxResults = 200

// walkConcurrency bounds how many roots are scanned in parallel.
const walkConcurrency = 4

// Service runs one-shot fuzzy file searches (Search) over a set of roots.
// Cancelable streaming sessions are run by SessionManager on top of it.
type Service struct{}

// NewService builds a fuzzy-search service. It holds no state.
func NewService() *Service { return &Service{} }

// Search implements the one-shot fuzzy_file_search operation (§4.8): scans
// roots, scores every file against query, and returns the top-ranked
// matches. An empty query is the documented boundary case and always
// yields no results — nothing to rank a whole tree against.
func (s *Service) Search(ctx context.Context, query string, roots []string) ([]Result, error) {
	if query == "" {
		return nil, nil
	}

	candidates, err := walkRoots(ctx, roots)
	if err != nil {
		return nil, err
	}
	return rank(query, candidates), nil
}

// walkRoots lists every regular file under roots, deduplicated, scanning
// roots concurrently (bounded by walkConcurrency).
func walkRoots(ctx context.Context, roots []string) ([]string, error) {
	var (
		mu   sync.Mutex
		all  []string
		seen = map[string]struct{}{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(walkConcurrency)

	for _, root := range roots {
		root := root
		g.Go(func() error {
			return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				mu.Lock()
				if _, dup := seen[path]; !dup {
					seen[path] = struct{}{}
					all = append(all, path)
				}
				mu.Unlock()
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "walk fuzzy search roots", err)
	}
	return all, nil
}

func rank(query string, candidates []string) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if score, ok := Score(query, c); ok {
			results = append(results, Result{Path: c, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > MaxResults {
		results = results[:MaxResults]
	}
	return results
}
