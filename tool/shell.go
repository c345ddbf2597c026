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
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/policy"
)

// ShellRunner executes a shell command inside the configured Sandbox,
// streaming stdout/stderr to the EventSink as ExecCommandOutputDelta
// events, adapting commandtool's streaming-subprocess idiom from a direct
// os/exec invocation to one brokered through the Sandbox capability.
type ShellRunner struct {
	Sandbox capability.Sandbox
	Sink    EventSink
	Timeout time.Duration
}

func (o *Orchestrator) invokeShell(ctx context.Context, approver Approver, in Invocation) (Output, error) {
	command, _ := in.Payload["command"].([]string)
	cwd, _ := in.Payload["cwd"].(string)
	if len(command) == 0 {
		return Output{Success: false, Content: "command is required"}, nil
	}

	o.Sink.ExecCommandBegin(in.CallID, command, cwd)

	req := o.Policy.Evaluate(policy.Input{
		Command:            command,
		ApprovalPolicy:      policy.ApprovalOnRequest,
		AllowPrefixFeature:  true,
	})

	bypassSandbox := false
	switch req.Kind {
	case policy.RequireForbidden:
		o.Sink.ExecCommandEnd(in.CallID, -1, 0)
		return Output{Success: false, Content: "forbidden: " + req.Reason}, nil
	case policy.RequireNeedsApproval:
		approvalID := in.CallID
		o.Sink.ApprovalRequested(in.CallID, approvalID)
		decision, err := approver.RequestExecApproval(ctx, in.CallID, command, cwd, req.Reason, command)
		if err != nil {
			return Output{}, err
		}
		switch decision.Kind {
		case DecisionDenied, DecisionAbort:
			o.Sink.ExecCommandEnd(in.CallID, -1, 0)
			return Output{Success: false, Content: "command rejected by user"}, nil
		case DecisionApprovedExecpolicyAmendment:
			prefix := decision.ExecpolicyAmendment
			if len(prefix) == 0 {
				prefix = req.AllowPrefix
			}
			if err := o.Policy.AmendAllow(prefix); err != nil {
				return Output{}, err
			}
			bypassSandbox = true
		case DecisionApprovedForSession:
			o.Policy.ApprovePrefixForSession(in.SessionID, command)
		}
	case policy.RequireSkip:
		bypassSandbox = req.BypassSandbox
	}

	return o.Shell.Execute(ctx, in, command, cwd, bypassSandbox)
}

// Execute runs command via the Sandbox capability and streams output.
func (s *ShellRunner) Execute(ctx context.Context, in Invocation, command []string, cwd string, bypassSandbox bool) (Output, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := s.Sandbox.Execute(execCtx, capability.ExecSpec{
		Argv:          command,
		Cwd:           cwd,
		Timeout:       timeout,
		BypassSandbox: bypassSandbox,
	})
	if err != nil {
		s.Sink.ExecCommandEnd(in.CallID, -1, time.Since(start))
		return Output{Success: false, Content: err.Error()}, nil
	}

	var out strings.Builder
	var wg sync.WaitGroup
	if res.Stdout != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.streamInto(in.CallID, res.Stdout, &out, false) }()
	}
	if res.Stderr != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.streamInto(in.CallID, res.Stderr, &out, true) }()
	}
	wg.Wait()

	s.Sink.ExecCommandEnd(in.CallID, res.ExitCode, res.Duration)

	if res.Denied {
		return Output{Success: false, Content: "sandbox denied: " + res.Reason}, nil
	}
	return Output{Success: res.ExitCode == 0, Content: out.String()}, nil
}

func (s *ShellRunner) streamInto(callID string, r io.Reader, acc *strings.Builder, stderr bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text() + "\n"
		acc.WriteString(line)
		s.Sink.ExecCommandOutputDelta(callID, []byte(line), stderr)
	}
}
