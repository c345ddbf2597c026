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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScorePinned(t *testing.T) {
	cases := []struct {
		query, candidate string
		wantScore        int
		wantOK           bool
	}{
		{"main", "src/main.go", 62, true},
		{"main", "main.go", 62, true},
		{"mg", "main.go", 25, true},
		{"xyz", "main.go", 0, false},
		{"", "main.go", 0, false},
		{"MAIN", "main.go", 54, true},
		{"main", "remainder.go", 55, true},
	}
	for _, c := range cases {
		score, ok := Score(c.query, c.candidate)
		require.Equal(t, c.wantOK, ok, "query=%q candidate=%q", c.query, c.candidate)
		if c.wantOK {
			require.Equal(t, c.wantScore, score, "query=%q candidate=%q", c.query, c.candidate)
		}
	}
}

func TestScoreAgainstPrefersSegmentStartAndNoSkipPenalty(t *testing.T) {
	// "main" starting exactly at the candidate's front gets the
	// segment-boundary bonus and pays no skip penalty.
	atStart, ok := scoreAgainst("main", "main.go")
	require.True(t, ok)

	// "main" starting one character in pays a skip penalty and never
	// qualifies for the boundary bonus, so it must score strictly lower
	// despite matching the same four letters consecutively.
	midWord, ok := scoreAgainst("main", "xmain.go")
	require.True(t, ok)

	require.Greater(t, atStart, midWord)
}

func TestRankOrdersByScoreThenPath(t *testing.T) {
	results := rank("main", []string{"b/main.go", "a/main.go", "other.go"})
	require.Len(t, results, 2)
	require.Equal(t, "a/main.go", results[0].Path)
	require.Equal(t, "b/main.go", results[1].Path)
}
