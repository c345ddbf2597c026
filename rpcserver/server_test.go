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

package rpcserver

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := strings.Split(strings.TrimSpace(buf.String()), "\n")
	for _, line := range sc {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestServeDispatchesRegisteredMethod(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	s.Register("ping", func(params json.RawMessage) (any, error) {
		return map[string]string{"pong": "ok"}, nil
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	require.NoError(t, s.Serve(in))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 1)
	require.Equal(t, float64(1), lines[0]["id"])
	result, ok := lines[0]["result"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ok", result["pong"])
}

func TestServeUnknownMethodReturnsError(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"nope"}` + "\n")
	require.NoError(t, s.Serve(in))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 1)
	errObj, ok := lines[0]["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(codeMethodNotFound), errObj["code"])
}

func TestServeMalformedLineDoesNotStopLoop(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	s.Register("ping", func(params json.RawMessage) (any, error) {
		return "pong", nil
	})

	in := strings.NewReader("not json\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n")
	require.NoError(t, s.Serve(in))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 2)
	_, isError := lines[0]["error"]
	require.True(t, isError)
	require.Equal(t, float64(2), lines[1]["id"])
}

func TestServeNotificationProducesNoResponse(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	called := false
	s.Register("fireAndForget", func(params json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"fireAndForget"}` + "\n")
	require.NoError(t, s.Serve(in))

	require.True(t, called)
	require.Empty(t, strings.TrimSpace(out.String()))
}

func TestNotifySendsUnsolicitedMessage(t *testing.T) {
	var out bytes.Buffer
	s := NewServer(&out, nil)
	require.NoError(t, s.Notify("codex/event", map[string]string{"kind": "test"}))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 1)
	require.Equal(t, "codex/event", lines[0]["method"])
}
