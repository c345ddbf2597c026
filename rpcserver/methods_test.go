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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/fuzzysearch"
	"github.com/kadirpekel/codex-core/modelstream"
	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/thread"
	"github.com/kadirpekel/codex-core/threadmgr"
	"github.com/kadirpekel/codex-core/tool"
)

type fakeSandbox struct {
	result *capability.ExecResult
}

func (s fakeSandbox) Execute(ctx context.Context, spec capability.ExecSpec) (*capability.ExecResult, error) {
	return s.result, nil
}

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	server := NewServer(&out, nil)

	store := rollout.NewStore(t.TempDir())
	mgr := threadmgr.New(threadmgr.Deps{
		Store:        store,
		NewDriver:    func() *modelstream.Driver { return modelstream.NewDriver(completingModelClient{}) },
		Orchestrator: &tool.Orchestrator{},
		Broadcaster:  NewSubscriptionHub(server),
	}, 4)

	app := &App{
		Server:    server,
		Manager:   mgr,
		Store:     store,
		Orch:      &tool.Orchestrator{Sandbox: fakeSandbox{result: &capability.ExecResult{ExitCode: 0, Stdout: strings.NewReader("hi"), Stderr: strings.NewReader("")}}},
		Fuzzy:     fuzzysearch.NewService(),
		FuzzySess: fuzzysearch.NewSessionManager(fuzzysearch.NewService()),
		Hub:       NewSubscriptionHub(server),
		Watch:     NewThreadWatchManager(server),
		UserAgent: "codex-core-test/1.0",
	}
	app.Register(server)
	return app, &out
}

func call(t *testing.T, app *App, out *bytes.Buffer, id int, method string, params any) map[string]any {
	t.Helper()
	p, err := json.Marshal(params)
	require.NoError(t, err)
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": json.RawMessage(p)}
	line, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, app.Server.Serve(strings.NewReader(string(line)+"\n")))

	lines := decodeLines(t, out)
	out.Reset()
	for _, l := range lines {
		if idVal, ok := l["id"]; ok && idVal == float64(id) {
			return l
		}
	}
	t.Fatalf("no response with id %d among %d lines", id, len(lines))
	return nil
}

func TestAppInitializeReturnsUserAgent(t *testing.T) {
	app, out := newTestApp(t)
	resp := call(t, app, out, 1, "initialize", map[string]any{})
	result := resp["result"].(map[string]any)
	require.Equal(t, "codex-core-test/1.0", result["user_agent"])
}

func TestAppNewConversationAndSendUserMessage(t *testing.T) {
	app, out := newTestApp(t)

	resp := call(t, app, out, 1, "newConversation", map[string]any{"source": "app_server"})
	result := resp["result"].(map[string]any)
	threadID := result["thread_id"].(string)
	require.NotEmpty(t, threadID)

	resp = call(t, app, out, 2, "sendUserMessage", map[string]any{
		"thread_id": threadID,
		"items":     []map[string]string{{"text": "hello"}},
	})
	result = resp["result"].(map[string]any)
	require.NotEmpty(t, result["submission_id"])
}

func TestAppSendUserMessageUnknownThreadReturnsNoSuchThreadCode(t *testing.T) {
	app, out := newTestApp(t)
	resp := call(t, app, out, 1, "sendUserMessage", map[string]any{"thread_id": "nope", "items": []map[string]string{}})
	errObj := resp["error"].(map[string]any)
	require.Equal(t, float64(-32600), errObj["code"])
}

func TestAppExecOneOffCommandReturnsCapturedOutput(t *testing.T) {
	app, out := newTestApp(t)
	resp := call(t, app, out, 1, "execOneOffCommand", map[string]any{"command": []string{"echo", "hi"}})
	result := resp["result"].(map[string]any)
	require.Equal(t, float64(0), result["exit_code"])
	require.Equal(t, "hi", result["stdout"])
}

func TestAppFuzzyFileSearchOneShot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))

	app, out := newTestApp(t)
	resp := call(t, app, out, 1, "fuzzyFileSearch", map[string]any{"query": "main", "roots": []string{dir}})
	result := resp["result"].(map[string]any)
	files := result["files"].([]any)
	require.Len(t, files, 1)
}

func TestAppAddAndRemoveConversationListener(t *testing.T) {
	app, out := newTestApp(t)
	resp := call(t, app, out, 1, "newConversation", map[string]any{})
	threadID := resp["result"].(map[string]any)["thread_id"].(string)

	resp = call(t, app, out, 2, "addConversationListener", map[string]any{"thread_id": threadID})
	listenerID := resp["result"].(map[string]any)["listener_id"].(string)
	require.NotEmpty(t, listenerID)

	resp = call(t, app, out, 3, "removeConversationListener", map[string]any{"listener_id": listenerID})
	require.NotContains(t, resp, "error")

	resp = call(t, app, out, 4, "removeConversationListener", map[string]any{"listener_id": listenerID})
	require.Contains(t, resp, "error")
}

func TestAppListAndArchiveConversation(t *testing.T) {
	app, out := newTestApp(t)
	resp := call(t, app, out, 1, "newConversation", map[string]any{})
	threadID := resp["result"].(map[string]any)["thread_id"].(string)

	id, err := app.Manager.SendOp(threadID, thread.Op{
		Kind:      thread.OpUserInput,
		UserInput: &thread.UserInputOp{Items: []thread.InputItem{{Text: "hello"}}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		th, ok := app.Manager.GetThread(threadID)
		if !ok {
			return false
		}
		st, _ := th.State()
		return st.String() == "idle"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, app.Manager.RemoveThread(threadID))

	resp = call(t, app, out, 2, "listConversations", map[string]any{})
	items := resp["result"].(map[string]any)["items"].([]any)
	require.Len(t, items, 1)
	path := items[0].(map[string]any)["path"].(string)

	resp = call(t, app, out, 3, "archiveConversation", map[string]any{"path": path})
	archivedPath := resp["result"].(map[string]any)["path"].(string)
	require.Contains(t, archivedPath, ".archived")
}
