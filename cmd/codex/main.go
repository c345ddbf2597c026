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

// Command codex is the CLI boundary (§6.4) over the core: it resolves
// config/profile/CLI layering, wires the thread manager, tool
// orchestrator, and fuzzy-search service together, and hands the result
// to rpcserver's stdio JSON-RPC duplex. It owns no business logic itself.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// CLI is the top-level kong command tree. Global flags are declared here
// so they parse regardless of whether a subcommand follows.
type CLI struct {
	Prompt string    `arg:"" optional:"" help:"Initial prompt; omitted starts an interactive session over stdio."`
	Resume ResumeCmd `cmd:"" help:"Resume a previous conversation."`

	CodexHome            string   `name:"codex-home" short:"C" type:"path" help:"Path to the codex home directory (default: $CODEX_HOME or ~/.codex)."`
	Model                string   `help:"Override the configured model."`
	Sandbox              string   `help:"Sandbox policy: read-only, workspace-write, danger-full-access." enum:"read-only,workspace-write,danger-full-access,"`
	SkipGitRepoCheck     bool     `name:"skip-git-repo-check" help:"Allow running outside a git repository."`
	DangerouslyBypass    bool     `name:"dangerously-bypass-approvals-and-sandbox" help:"Disable both the approval gate and the sandbox. Use only in already-isolated environments."`
	JSON                 bool     `help:"Emit log lines as JSON (same as --log-format json)."`
	ConfigOverride       []string `name:"config" short:"c" placeholder:"KEY=VALUE" help:"Override a config key, e.g. --config model=o3."`
	SandboxPlugin        string   `name:"sandbox-plugin" type:"path" help:"Path to an out-of-process Sandbox capability plugin binary (§9)."`
	LogLevel             string   `name:"log-level" default:"info" help:"debug, info, warn, or error."`
	LogFormat            string   `name:"log-format" default:"text" help:"text or json."`
	ObserveMetrics       bool     `name:"observe-metrics" help:"Expose a Prometheus /metrics endpoint."`
	ObserveTraceEndpoint string   `name:"observe-trace-endpoint" help:"OTLP/gRPC collector endpoint; enables tracing when set."`
	HTTPAddr             string   `name:"http-addr" default:"127.0.0.1:0" help:"Address for the /health and /metrics sidecar HTTP server."`
}

// Run is the default command: start (or seed-and-start) a session over
// the stdio JSON-RPC duplex.
func (c *CLI) Run(ctx context.Context) error {
	env, err := newEnvironment(ctx, c)
	if err != nil {
		return err
	}
	defer env.Close(ctx)
	return runServe(ctx, env, c.Prompt)
}

// ResumeCmd resumes an existing rollout file, by id or by --last.
type ResumeCmd struct {
	ID    string   `arg:"" optional:"" help:"Thread id, or a path to a rollout file."`
	Last  bool     `help:"Resume the most recently modified conversation."`
	All   bool     `help:"List all resumable conversations and exit."`
	Image []string `help:"Attach an image file to the resumed conversation's next turn." type:"path"`
}

func (c *ResumeCmd) Run(ctx context.Context, cli *CLI) error {
	env, err := newEnvironment(ctx, cli)
	if err != nil {
		return err
	}
	defer env.Close(ctx)
	return runResume(ctx, env, c)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("codex"),
		kong.Description("Codex coding-agent core: thread management, tool execution, and JSON-RPC over stdio."),
		kong.UsageOnError(),
	)

	kctx.FatalIfErrorf(kctx.Run(ctx))
}
