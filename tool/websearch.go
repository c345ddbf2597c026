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
	"fmt"

	"github.com/kadirpekel/codex-core/capability"
)

// WebSearcher is the native or cached-results backend a WebSearchRunner
// forwards to; concrete implementations are external (§4.3: "forward to
// the model's native web search or a cached-results backend").
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SearchResult is one web-search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearchRunner forwards web-search tool calls, running each result
// fetch through the NetworkPolicyDecider approval sub-contract.
type WebSearchRunner struct {
	Searcher WebSearcher
	Network  capability.NetworkPolicyDecider
}

func (w *WebSearchRunner) Run(ctx context.Context, in Invocation) (Output, error) {
	query, _ := in.Payload["query"].(string)
	if query == "" {
		return Output{Success: false, Content: "query is required"}, nil
	}
	if w.Searcher == nil {
		return Output{Success: false, Content: "web search is not configured"}, nil
	}

	if approver, ok := w.Network.(*NetworkApprover); ok {
		approver.BeginAttempt(in.CallID, in.SessionID)
		defer approver.EndAttempt(in.CallID)
	}

	results, err := w.Searcher.Search(ctx, query)
	if err != nil {
		return Output{Success: false, Content: err.Error()}, nil
	}

	content := ""
	for i, r := range results {
		if i > 0 {
			content += "\n"
		}
		content += fmt.Sprintf("%s — %s\n%s", r.Title, r.URL, r.Snippet)
	}
	return Output{Success: true, Content: content}, nil
}
