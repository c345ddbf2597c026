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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codex-core/rollout"
)

func eventLine(kind string, payload any) rollout.Line {
	data, _ := json.Marshal(payload)
	return rollout.Line{
		Timestamp: time.Now(),
		Item: rollout.Item{
			Type:     rollout.ItemEventMsg,
			EventMsg: &rollout.EventMsg{Kind: kind, Payload: data},
		},
	}
}

func TestReconstructOpensTurnOnUserMessage(t *testing.T) {
	lines := []rollout.Line{
		eventLine("UserMessage", map[string]string{"text": "hi"}),
		eventLine("AgentMessage", map[string]string{"text": "hello"}),
	}
	turns, err := Reconstruct(lines)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "turn-1", turns[0].ID)
	require.Len(t, turns[0].Items, 2)
	require.Equal(t, "user_message", turns[0].Items[0].Kind)
	require.Equal(t, "agent_message", turns[0].Items[1].Kind)
}

func TestReconstructMergesConsecutiveReasoning(t *testing.T) {
	lines := []rollout.Line{
		eventLine("UserMessage", map[string]string{"text": "hi"}),
		eventLine("AgentReasoning", map[string]string{"text": "step one"}),
		eventLine("AgentReasoning", map[string]string{"text": "step two"}),
		eventLine("AgentMessage", map[string]string{"text": "done"}),
	}
	turns, err := Reconstruct(lines)
	require.NoError(t, err)
	require.Len(t, turns[0].Items, 3)
	require.Equal(t, "reasoning", turns[0].Items[1].Kind)
	require.Equal(t, []string{"step one", "step two"}, turns[0].Items[1].Summary)
	require.Equal(t, "agent_message", turns[0].Items[2].Kind)
}

func TestReconstructDoesNotMergeReasoningAcrossOtherItems(t *testing.T) {
	lines := []rollout.Line{
		eventLine("UserMessage", map[string]string{"text": "hi"}),
		eventLine("AgentReasoning", map[string]string{"text": "step one"}),
		eventLine("AgentMessage", map[string]string{"text": "interleaved"}),
		eventLine("AgentReasoning", map[string]string{"text": "step two"}),
	}
	turns, err := Reconstruct(lines)
	require.NoError(t, err)
	require.Len(t, turns[0].Items, 4)
	require.Equal(t, "user_message", turns[0].Items[0].Kind)
	require.Equal(t, []string{"step one"}, turns[0].Items[1].Summary)
	require.Equal(t, "agent_message", turns[0].Items[2].Kind)
	require.Equal(t, []string{"step two"}, turns[0].Items[3].Summary)
}

func TestReconstructMarksTurnAborted(t *testing.T) {
	lines := []rollout.Line{
		eventLine("UserMessage", map[string]string{"text": "hi"}),
		eventLine("TurnAborted", map[string]string{"reason": "Interrupted"}),
	}
	turns, err := Reconstruct(lines)
	require.NoError(t, err)
	require.True(t, turns[0].Interrupted)
}

func TestReconstructIgnoresNonMessageEvents(t *testing.T) {
	lines := []rollout.Line{
		eventLine("UserMessage", map[string]string{"text": "hi"}),
		eventLine("TokenCount", map[string]int{"total": 10}),
		eventLine("EnteredReviewMode", nil),
		eventLine("ExitedReviewMode", nil),
		eventLine("UndoCompleted", nil),
	}
	turns, err := Reconstruct(lines)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Items, 1)
}

func TestReconstructRollbackRenumbersContiguously(t *testing.T) {
	lines := []rollout.Line{
		eventLine("UserMessage", map[string]string{"text": "turn 1"}),
		eventLine("UserMessage", map[string]string{"text": "turn 2"}),
		eventLine("UserMessage", map[string]string{"text": "turn 3"}),
		eventLine(rollout.EventKindThreadRolledBack, rollout.ThreadRolledBack{NumTurns: 1}),
	}
	turns, err := Reconstruct(lines)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "turn-1", turns[0].ID)
	require.Equal(t, "turn-2", turns[1].ID)
	require.Equal(t, "turn 1", turns[0].Items[0].Text)
	require.Equal(t, "turn 2", turns[1].Items[0].Text)
}

func TestReconstructRollbackExceedingCountClearsAll(t *testing.T) {
	lines := []rollout.Line{
		eventLine("UserMessage", map[string]string{"text": "turn 1"}),
		eventLine(rollout.EventKindThreadRolledBack, rollout.ThreadRolledBack{NumTurns: 5}),
	}
	turns, err := Reconstruct(lines)
	require.NoError(t, err)
	require.Empty(t, turns)
}
