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

package observability

const (
	AttrThreadID  = "thread.id"
	AttrTurnID    = "turn.id"
	AttrToolName  = "tool.name"
	AttrModel     = "model.name"
	AttrErrorType = "error.type"

	SpanTurn        = "turn.run"
	SpanToolInvoke  = "tool.invoke"
	SpanModelStream = "modelstream.open"
	SpanRolloutIO   = "rollout.io"

	// DB/feature counters named explicitly in §7.
	CounterDBError      = "codex.db.error"
	CounterFeatureState = "codex.feature.state"

	DefaultServiceName = "codex-core"
)
