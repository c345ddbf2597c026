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

package main

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/internal/coreerr"
	"github.com/kadirpekel/codex-core/tool"
)

// unconfiguredSandbox, unconfiguredModelClient, and unconfiguredWebSearcher
// fail clearly rather than silently degrading. Concrete backends for these
// capabilities are external collaborators (§1, capability/capability.go);
// this CLI wires them only when an operator supplies one (a sandbox
// plugin binary, an in-process embed, or --dangerously-bypass-...).

type unconfiguredSandbox struct{}

func (unconfiguredSandbox) Execute(context.Context, capability.ExecSpec) (*capability.ExecResult, error) {
	return nil, coreerr.New(coreerr.KindConfig, "no sandbox configured: pass --sandbox-plugin or --dangerously-bypass-approvals-and-sandbox")
}

type unconfiguredModelClient struct{}

func (unconfiguredModelClient) Stream(context.Context, capability.ModelRequest) (<-chan capability.ResponseEvent, error) {
	return nil, coreerr.New(coreerr.KindConfig, "no model client configured: the wire client to the model backend is an external collaborator (§1) wired in at process start")
}

type unconfiguredWebSearcher struct{}

func (unconfiguredWebSearcher) Search(context.Context, string) ([]tool.SearchResult, error) {
	return nil, coreerr.New(coreerr.KindConfig, "no web search backend configured")
}

// directExecSandbox runs commands directly on the host, bypassing any
// isolation. Only wired when the operator passes
// --dangerously-bypass-approvals-and-sandbox, mirroring the teacher's own
// explicit-opt-in escape hatch for already-isolated environments.
type directExecSandbox struct{}

func (directExecSandbox) Execute(ctx context.Context, spec capability.ExecSpec) (*capability.ExecResult, error) {
	if len(spec.Argv) == 0 {
		return nil, coreerr.New(coreerr.KindConfig, "empty argv")
	}
	execCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	started := time.Now()
	cmd := exec.CommandContext(execCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := &capability.ExecResult{
		Duration: time.Since(started),
		Stdout:   bytes.NewReader(stdout.Bytes()),
		Stderr:   bytes.NewReader(stderr.Bytes()),
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "direct exec", err)
	}
	return res, nil
}
