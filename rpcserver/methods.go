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
	"context"
	"encoding/json"
	"time"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/fuzzysearch"
	"github.com/kadirpekel/codex-core/internal/coreerr"
	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/thread"
	"github.com/kadirpekel/codex-core/threadmgr"
	"github.com/kadirpekel/codex-core/tool"
)

// App wires the thread manager, fuzzy-search service, and approval/event
// fan-out into the JSON-RPC method table described by §4.7. Register binds
// every method (both the v1 camelCase and v2 slash/case name, where both
// exist) against a *Server.
type App struct {
	Server     *Server
	Manager    *threadmgr.Manager
	Store      *rollout.Store
	Orch       *tool.Orchestrator
	Fuzzy      *fuzzysearch.Service
	FuzzySess  *fuzzysearch.SessionManager
	Hub        *SubscriptionHub
	Watch      *ThreadWatchManager
	UserAgent  string
}

// Register installs every app-server method on s.
func (a *App) Register(s *Server) {
	reg := func(h Handler, names ...string) {
		for _, n := range names {
			s.Register(n, h)
		}
	}

	reg(a.initialize, "initialize")
	reg(a.newConversation, "newConversation", "thread/start")
	reg(a.resumeConversation, "resumeConversation", "thread/resume")
	reg(a.forkConversation, "forkConversation")
	reg(a.sendUserMessage, "sendUserMessage", "turn/start")
	reg(a.interruptConversation, "interruptConversation")
	reg(a.addConversationListener, "addConversationListener")
	reg(a.removeConversationListener, "removeConversationListener")
	reg(a.listConversations, "listConversations")
	reg(a.getConversationSummary, "getConversationSummary")
	reg(a.archiveConversation, "archiveConversation")
	reg(a.execOneOffCommand, "execOneOffCommand")
	reg(a.fuzzyFileSearch, "fuzzyFileSearch")
	reg(a.fuzzyFileSearchStart, "fuzzyFileSearch/start")
	reg(a.fuzzyFileSearchUpdate, "fuzzyFileSearch/update")
	reg(a.fuzzyFileSearchStop, "fuzzyFileSearch/stop")
	reg(a.execCommandApproval, "ExecCommandApproval")
	reg(a.applyPatchApproval, "ApplyPatchApproval")
	reg(a.networkApproval, "NetworkApproval")
}

// --- initialize -------------------------------------------------------

type initializeParams struct {
	ClientInfo   map[string]any `json:"client_info,omitempty"`
	Capabilities struct {
		OptOutNotificationMethods []string `json:"opt_out_notification_methods,omitempty"`
		ExperimentalRawEvents     bool     `json:"experimental_raw_events,omitempty"`
	} `json:"capabilities"`
}

type initializeResult struct {
	UserAgent string `json:"user_agent"`
}

func (a *App) initialize(raw json.RawMessage) (any, error) {
	var p initializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, coreerr.Wrap(coreerr.KindConfig, "parse initialize params", err)
		}
	}
	return initializeResult{UserAgent: a.UserAgent}, nil
}

// --- newConversation / thread/start ------------------------------------

type newConversationParams struct {
	Model            string `json:"model,omitempty"`
	ApprovalPolicy   string `json:"approval_policy,omitempty"`
	SandboxPolicy    string `json:"sandbox_policy,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	Source           string `json:"source,omitempty"`
	Name             string `json:"name,omitempty"`
}

type conversationResult struct {
	ThreadID string `json:"thread_id"`
	Path     string `json:"rollout_path,omitempty"`
}

func (a *App) newConversation(raw json.RawMessage) (any, error) {
	var p newConversationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse newConversation params", err)
	}
	source := p.Source
	if source == "" {
		source = "app_server"
	}
	th, err := a.Manager.StartThread(context.Background(), rollout.SessionMeta{
		Source: source,
		Name:   p.Name,
	})
	if err != nil {
		return nil, err
	}
	a.Watch.Watch(th)
	return conversationResult{ThreadID: th.ID}, nil
}

// --- resumeConversation / thread/resume --------------------------------

type resumeConversationParams struct {
	Path     string `json:"path,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (a *App) resumeConversation(raw json.RawMessage) (any, error) {
	var p resumeConversationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse resumeConversation params", err)
	}
	if p.Path == "" {
		return nil, coreerr.New(coreerr.KindConfig, "resumeConversation requires a rollout path")
	}
	th, err := a.Manager.ResumeThread(context.Background(), p.Path)
	if err != nil {
		return nil, err
	}
	a.Watch.Watch(th)
	return conversationResult{ThreadID: th.ID, Path: p.Path}, nil
}

// --- forkConversation ---------------------------------------------------

type forkConversationParams struct {
	Path               string `json:"path"`
	UpToNthUserMessage int    `json:"up_to_nth_user_message"`
}

func (a *App) forkConversation(raw json.RawMessage) (any, error) {
	var p forkConversationParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse forkConversation params", err)
	}
	th, err := a.Manager.ForkThread(context.Background(), p.Path, p.UpToNthUserMessage)
	if err != nil {
		return nil, err
	}
	a.Watch.Watch(th)
	return conversationResult{ThreadID: th.ID}, nil
}

// --- sendUserMessage / turn/start ---------------------------------------

type sendUserMessageParams struct {
	ThreadID string `json:"thread_id"`
	Items    []struct {
		Text      string `json:"text,omitempty"`
		ImageURL  string `json:"image_url,omitempty"`
		ImagePath string `json:"image_path,omitempty"`
	} `json:"items"`
}

type submissionResult struct {
	SubmissionID string `json:"submission_id"`
}

func (a *App) sendUserMessage(raw json.RawMessage) (any, error) {
	var p sendUserMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse sendUserMessage params", err)
	}
	items := make([]thread.InputItem, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, thread.InputItem{Text: it.Text, ImageURL: it.ImageURL, ImagePath: it.ImagePath})
	}
	id, err := a.Manager.SendOp(p.ThreadID, thread.Op{
		Kind:      thread.OpUserInput,
		UserInput: &thread.UserInputOp{Items: items},
	})
	if err != nil {
		return nil, err
	}
	return submissionResult{SubmissionID: id}, nil
}

// --- interruptConversation ------------------------------------------------

type threadIDParams struct {
	ThreadID string `json:"thread_id"`
}

func (a *App) interruptConversation(raw json.RawMessage) (any, error) {
	var p threadIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse interruptConversation params", err)
	}
	id, err := a.Manager.SendOp(p.ThreadID, thread.Op{Kind: thread.OpInterrupt})
	if err != nil {
		return nil, err
	}
	return submissionResult{SubmissionID: id}, nil
}

// --- addConversationListener / removeConversationListener ----------------

type addListenerParams struct {
	ThreadID               string `json:"thread_id"`
	ExperimentalRawEvents  bool   `json:"experimental_raw_events,omitempty"`
}

type addListenerResult struct {
	ListenerID string `json:"listener_id"`
}

func (a *App) addConversationListener(raw json.RawMessage) (any, error) {
	var p addListenerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse addConversationListener params", err)
	}
	if _, ok := a.Manager.GetThread(p.ThreadID); !ok {
		return nil, coreerr.New(coreerr.KindNotFound, "no such thread: "+p.ThreadID)
	}
	return addListenerResult{ListenerID: a.Hub.AddListener(p.ThreadID)}, nil
}

type removeListenerParams struct {
	ListenerID string `json:"listener_id"`
}

func (a *App) removeConversationListener(raw json.RawMessage) (any, error) {
	var p removeListenerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse removeConversationListener params", err)
	}
	if !a.Hub.RemoveListener(p.ListenerID) {
		return nil, coreerr.New(coreerr.KindNotFound, "no such listener: "+p.ListenerID)
	}
	return struct{}{}, nil
}

// --- listConversations ----------------------------------------------------

type listConversationsParams struct {
	PageSize int      `json:"page_size,omitempty"`
	Cursor   string   `json:"cursor,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

type conversationEntry struct {
	Path      string    `json:"path"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
	MutatedAt time.Time `json:"mutated_at"`
	Source    string    `json:"source"`
}

type listConversationsResult struct {
	Items  []conversationEntry `json:"items"`
	Cursor string              `json:"cursor,omitempty"`
}

func (a *App) listConversations(raw json.RawMessage) (any, error) {
	var p listConversationsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, coreerr.Wrap(coreerr.KindConfig, "parse listConversations params", err)
		}
	}
	var allowed map[string]bool
	if len(p.Sources) > 0 {
		allowed = make(map[string]bool, len(p.Sources))
		for _, s := range p.Sources {
			allowed[s] = true
		}
	}
	page, err := a.Store.List(p.PageSize, p.Cursor, allowed)
	if err != nil {
		return nil, err
	}
	items := make([]conversationEntry, 0, len(page.Entries))
	for _, e := range page.Entries {
		items = append(items, conversationEntry{
			Path: e.Path, ThreadID: e.ThreadID, CreatedAt: e.CreatedAt,
			MutatedAt: e.MutatedAt, Source: e.Source,
		})
	}
	return listConversationsResult{Items: items, Cursor: page.Cursor}, nil
}

// --- getConversationSummary ------------------------------------------------

type pathParams struct {
	Path string `json:"path"`
}

type conversationSummary struct {
	ThreadID    string `json:"thread_id"`
	Source      string `json:"source"`
	Name        string `json:"name,omitempty"`
	MessageCount int   `json:"message_count"`
	Preview     string `json:"preview,omitempty"`
}

func (a *App) getConversationSummary(raw json.RawMessage) (any, error) {
	var p pathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse getConversationSummary params", err)
	}
	lines, err := rollout.ReadAll(p.Path)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 || lines[0].Item.Type != rollout.ItemSessionMeta || lines[0].Item.SessionMeta == nil {
		return nil, coreerr.New(coreerr.KindNotFound, "rollout missing SessionMeta: "+p.Path)
	}
	meta := lines[0].Item.SessionMeta

	summary := conversationSummary{ThreadID: meta.ThreadID, Source: meta.Source, Name: meta.Name}
	for _, l := range lines[1:] {
		if l.Item.Type != rollout.ItemResponseItem || l.Item.ResponseItem == nil {
			continue
		}
		if l.Item.ResponseItem.ItemType != "message" {
			continue
		}
		var wm struct {
			Role string `json:"role"`
			Text string `json:"text"`
		}
		if json.Unmarshal(l.Item.ResponseItem.Payload, &wm) != nil {
			continue
		}
		summary.MessageCount++
		if wm.Role == "user" && summary.Preview == "" {
			summary.Preview = wm.Text
		}
	}
	return summary, nil
}

// --- archiveConversation ---------------------------------------------------

type archiveResult struct {
	Path string `json:"path"`
}

func (a *App) archiveConversation(raw json.RawMessage) (any, error) {
	var p pathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse archiveConversation params", err)
	}
	newPath, err := a.Store.Archive(p.Path)
	if err != nil {
		return nil, err
	}
	return archiveResult{Path: newPath}, nil
}

// --- execOneOffCommand ------------------------------------------------------

type execOneOffParams struct {
	Command []string `json:"command"`
	Cwd     string   `json:"cwd,omitempty"`
	Timeout int      `json:"timeout_seconds,omitempty"`
}

type execOneOffResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// execOneOffCommand runs a command directly through the Sandbox capability,
// outside any thread's transcript (§4.7 table): it shares the sandbox
// policy a turn's shell calls use, but skips the approval gate and the
// rollout/transcript side effects since there is no thread to attribute
// them to.
func (a *App) execOneOffCommand(raw json.RawMessage) (any, error) {
	var p execOneOffParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse execOneOffCommand params", err)
	}
	if len(p.Command) == 0 {
		return nil, coreerr.New(coreerr.KindConfig, "command is required")
	}
	timeout := time.Duration(p.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := a.Orch.Sandbox.Execute(ctx, capability.ExecSpec{
		Argv:    p.Command,
		Cwd:     p.Cwd,
		Timeout: timeout,
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "execOneOffCommand", err)
	}
	out := execOneOffResult{ExitCode: res.ExitCode}
	if res.Denied {
		out.ExitCode = -1
		out.Stderr = "sandbox denied: " + res.Reason
		return out, nil
	}
	out.Stdout = readAllString(res.Stdout)
	out.Stderr = readAllString(res.Stderr)
	return out, nil
}

// --- fuzzyFileSearch + session variants -------------------------------------

type fuzzySearchParams struct {
	Query string   `json:"query"`
	Roots []string `json:"roots"`
}

type fuzzySearchResult struct {
	Files []fuzzysearch.Result `json:"files"`
}

func (a *App) fuzzyFileSearch(raw json.RawMessage) (any, error) {
	var p fuzzySearchParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse fuzzyFileSearch params", err)
	}
	results, err := a.Fuzzy.Search(context.Background(), p.Query, p.Roots)
	if err != nil {
		return nil, err
	}
	return fuzzySearchResult{Files: results}, nil
}

type fuzzySessionSink struct {
	app *App
}

func (s fuzzySessionSink) FuzzyResults(sessionID string, results []fuzzysearch.Result) {
	_ = s.app.Server.Notify("fuzzyFileSearch/results", fuzzyResultsParams{SessionID: sessionID, Files: results})
}

type fuzzyResultsParams struct {
	SessionID string               `json:"session_id"`
	Files     []fuzzysearch.Result `json:"files"`
}

type fuzzySearchStartParams struct {
	Query string   `json:"query,omitempty"`
	Roots []string `json:"roots"`
}

type fuzzySearchSessionResult struct {
	SessionID string `json:"session_id"`
}

func (a *App) fuzzyFileSearchStart(raw json.RawMessage) (any, error) {
	var p fuzzySearchStartParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse fuzzyFileSearch/start params", err)
	}
	id := a.FuzzySess.Start(context.Background(), p.Query, p.Roots, fuzzySessionSink{app: a})
	return fuzzySearchSessionResult{SessionID: id}, nil
}

type fuzzySearchUpdateParams struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

func (a *App) fuzzyFileSearchUpdate(raw json.RawMessage) (any, error) {
	var p fuzzySearchUpdateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse fuzzyFileSearch/update params", err)
	}
	if err := a.FuzzySess.Update(context.Background(), p.SessionID, p.Query); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type fuzzySearchStopParams struct {
	SessionID string `json:"session_id"`
}

func (a *App) fuzzyFileSearchStop(raw json.RawMessage) (any, error) {
	var p fuzzySearchStopParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse fuzzyFileSearch/stop params", err)
	}
	if err := a.FuzzySess.Stop(p.SessionID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// --- approval resolutions: ExecCommandApproval / ApplyPatchApproval / NetworkApproval --

type approvalParams struct {
	ThreadID string `json:"thread_id"`
	CallID   string `json:"call_id"`
	Decision string `json:"decision"` // "approved" | "approved_for_session" | "approved_execpolicy_amendment" | "denied" | "abort"
	ExecpolicyAmendment []string `json:"execpolicy_amendment,omitempty"`
}

func parseDecision(p approvalParams) tool.ReviewDecision {
	d := tool.ReviewDecision{ExecpolicyAmendment: p.ExecpolicyAmendment}
	switch p.Decision {
	case "approved_for_session":
		d.Kind = tool.DecisionApprovedForSession
	case "approved_execpolicy_amendment":
		d.Kind = tool.DecisionApprovedExecpolicyAmendment
	case "denied":
		d.Kind = tool.DecisionDenied
	case "abort":
		d.Kind = tool.DecisionAbort
	default:
		d.Kind = tool.DecisionApproved
	}
	return d
}

func (a *App) resolveApproval(raw json.RawMessage) (any, error) {
	var p approvalParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "parse approval params", err)
	}
	id, err := a.Manager.SendOp(p.ThreadID, thread.Op{
		Kind: thread.OpApprove,
		Approve: &thread.ApproveOp{
			CallID:   p.CallID,
			Decision: parseDecision(p),
		},
	})
	if err != nil {
		return nil, err
	}
	return submissionResult{SubmissionID: id}, nil
}

// execCommandApproval, applyPatchApproval, and networkApproval are three
// names for the same client->core reply shape (§4.7 table); the tool
// runtime only distinguishes exec vs. patch approval by which Approver
// method raised the request, not by which wire method resolved it.
func (a *App) execCommandApproval(raw json.RawMessage) (any, error) { return a.resolveApproval(raw) }
func (a *App) applyPatchApproval(raw json.RawMessage) (any, error)  { return a.resolveApproval(raw) }
func (a *App) networkApproval(raw json.RawMessage) (any, error)     { return a.resolveApproval(raw) }
