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

package modelstream

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/rollout"
)

// TurnInput is the minimal shape the thread package hands to BuildRequest:
// the active turn context plus the transcript items to replay into the
// request (already compaction-collapsed by the caller, per §4.5.3 step 2).
type TurnInput struct {
	TurnContext rollout.TurnContext
	Items       []rollout.ResponseItem
	Tools       []capability.ToolDefinition
	FinalOutput any // Go struct/type whose schema becomes FinalOutputSchema, or nil
}

// BuildRequest turns a TurnInput into the wire-facing ModelRequest the
// driver issues against the ModelClient capability.
func BuildRequest(in TurnInput) capability.ModelRequest {
	req := capability.ModelRequest{
		Model:             in.TurnContext.Model,
		ReasoningEffort:   in.TurnContext.ReasoningEffort,
		SystemInstruction: in.TurnContext.BaseInstructions,
	}

	req.Messages = make([]any, 0, len(in.Items))
	for _, item := range in.Items {
		req.Messages = append(req.Messages, item)
	}

	req.Tools = make([]any, 0, len(in.Tools))
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, t)
	}

	if in.FinalOutput != nil {
		req.FinalOutputSchema = schemaFor(in.FinalOutput)
	} else if len(in.TurnContext.FinalOutputSchema) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(in.TurnContext.FinalOutputSchema, &raw); err == nil {
			req.FinalOutputSchema = raw
		}
	}

	return req
}

// schemaFor generates a JSON Schema document for v's type, mirroring how a
// typed final_output_json_schema is derived from a caller-supplied Go type
// rather than handwritten per call site.
func schemaFor(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	s := reflector.Reflect(v)
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// tokenEncoders caches tiktoken encodings by model name; building one is
// relatively expensive (loads the BPE rank file).
var tokenEncoders = map[string]*tiktoken.Tiktoken{}

// CountTokens estimates the token cost of text for model, used by the
// thread package to decide when a turn's transcript needs compaction
// (§4.5.3 step 2). Falls back to the cl100k_base encoding if the model has
// no registered encoding, and to a len(text)/4 character estimate if that
// encoding cannot be loaded either.
func CountTokens(model, text string) int {
	enc, ok := tokenEncoders[model]
	if !ok {
		var err error
		enc, err = tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return estimateTokens(text)
			}
		}
		tokenEncoders[model] = enc
	}
	return len(enc.Encode(text, nil, nil))
}

func estimateTokens(text string) int {
	return len(text) / 4
}
