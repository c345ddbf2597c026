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

package thread

import (
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/codex-core/rollout"
)

// TurnItem is one presentation-facing entry within a reconstructed Turn
// (§3.3 ThreadItem).
type TurnItem struct {
	Kind    string // "user_message" | "agent_message" | "reasoning" | "plan" | "compacted"
	Text    string
	Summary []string // reasoning summary parts, merged across consecutive events
	Content []string // reasoning content parts, merged across consecutive events
}

// Turn is the reconstructed, presentation-facing lifecycle from one user
// input through the next TurnComplete/TurnAborted (§3.3, §4.5.4).
type Turn struct {
	ID          string
	Items       []TurnItem
	Interrupted bool
}

// Reconstruct rebuilds the ordered list of Turns from a rollout's lines, a
// pure function of the event sequence (§4.5.4). It is the sole place
// synthetic turn ids are assigned or renumbered; the live Thread state
// machine never renumbers already-emitted ids (see rollback handling).
func Reconstruct(lines []rollout.Line) ([]Turn, error) {
	var turns []Turn
	var mergingReasoning bool

	closeReasoning := func() { mergingReasoning = false }

	for _, line := range lines {
		if line.Item.Type == rollout.ItemCompacted {
			closeReasoning()
			if line.Item.Compaction != nil {
				appendTurnItem(&turns, TurnItem{Kind: "compacted", Text: line.Item.Compaction.Summary})
			}
			continue
		}
		if line.Item.Type != rollout.ItemEventMsg || line.Item.EventMsg == nil {
			continue
		}
		em := line.Item.EventMsg

		switch em.Kind {
		case "UserMessage":
			closeReasoning()
			var p struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(em.Payload, &p)
			turns = append(turns, Turn{ID: fmt.Sprintf("turn-%d", len(turns)+1)})
			appendTurnItem(&turns, TurnItem{Kind: "user_message", Text: p.Text})

		case "AgentMessage":
			closeReasoning()
			var p struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(em.Payload, &p)
			appendTurnItem(&turns, TurnItem{Kind: "agent_message", Text: p.Text})

		case "AgentReasoning", "AgentReasoningRawContent":
			var p struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(em.Payload, &p)
			isSummary := em.Kind == "AgentReasoning"
			if mergingReasoning && len(turns) > 0 {
				last := len(turns[len(turns)-1].Items) - 1
				if last >= 0 && turns[len(turns)-1].Items[last].Kind == "reasoning" {
					mergeInto(&turns[len(turns)-1].Items[last], p.Text, isSummary)
					continue
				}
			}
			item := TurnItem{Kind: "reasoning"}
			mergeInto(&item, p.Text, isSummary)
			appendTurnItem(&turns, item)
			mergingReasoning = true

		case "ItemCompleted":
			closeReasoning()
			var p struct {
				Kind string `json:"kind"`
				Text string `json:"text"`
			}
			_ = json.Unmarshal(em.Payload, &p)
			if p.Kind == "plan" || p.Kind == "" {
				appendTurnItem(&turns, TurnItem{Kind: "plan", Text: p.Text})
			}

		case "TurnAborted":
			closeReasoning()
			if len(turns) > 0 {
				turns[len(turns)-1].Interrupted = true
			}

		case rollout.EventKindThreadRolledBack:
			closeReasoning()
			var p rollout.ThreadRolledBack
			_ = json.Unmarshal(em.Payload, &p)
			turns = dropLastTurns(turns, p.NumTurns)

		case "TokenCount", "ModelsEtagChanged", "EnteredReviewMode", "ExitedReviewMode", "UndoCompleted":
			// Non-message events; ignored for transcript reconstruction
			// per §4.5.4.
		}
	}

	return turns, nil
}

func appendTurnItem(turns *[]Turn, item TurnItem) {
	if len(*turns) == 0 {
		*turns = append(*turns, Turn{ID: "turn-1"})
	}
	last := &(*turns)[len(*turns)-1]
	last.Items = append(last.Items, item)
}

func mergeInto(item *TurnItem, text string, summary bool) {
	if summary {
		item.Summary = append(item.Summary, text)
	} else {
		item.Content = append(item.Content, text)
	}
}

// dropLastTurns removes the last n turns and renumbers the remainder's ids
// contiguously starting at 1 (§4.5.3 step 6c, performed here per the
// recorded decision that only replay renumbers).
func dropLastTurns(turns []Turn, n int) []Turn {
	if n <= 0 {
		return turns
	}
	if n >= len(turns) {
		return nil
	}
	kept := turns[:len(turns)-n]
	renumbered := make([]Turn, len(kept))
	for i, t := range kept {
		t.ID = fmt.Sprintf("turn-%d", i+1)
		renumbered[i] = t
	}
	return renumbered
}
