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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/kadirpekel/codex-core/capability"
	"github.com/kadirpekel/codex-core/config"
	"github.com/kadirpekel/codex-core/fuzzysearch"
	"github.com/kadirpekel/codex-core/internal/coreerr"
	"github.com/kadirpekel/codex-core/internal/logging"
	"github.com/kadirpekel/codex-core/modelstream"
	"github.com/kadirpekel/codex-core/observability"
	"github.com/kadirpekel/codex-core/policy"
	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/rpcserver"
	"github.com/kadirpekel/codex-core/threadmgr"
	"github.com/kadirpekel/codex-core/tool"
)

// environment bundles everything newEnvironment wires up: the resolved
// config, the collaborators threadmgr.Deps needs, and the JSON-RPC App.
// Every field is built once at process start and torn down by Close.
type environment struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *rollout.Store
	rules   *config.RuleSet
	obs     *observability.Manager
	sink    *observability.Sink
	manager *threadmgr.Manager
	app     *rpcserver.App

	httpAddr       string
	sandboxCleanup func()
	rolloutIndex   *rollout.Index
}

// newEnvironment resolves config, sets up logging and observability, and
// wires the thread manager and JSON-RPC App from the collaborators
// available at process start (§6.4). The Sandbox is a direct, unsandboxed
// executor when approvals and sandboxing are bypassed, an out-of-process
// plugin when --sandbox-plugin is set, and a clearly-erroring stub
// otherwise. ModelClient and WebSearcher are always clearly-erroring
// stubs, and no ToolCatalog is wired — the core never fabricates a backend
// for an external collaborator (§1).
func newEnvironment(ctx context.Context, cli *CLI) (*environment, error) {
	cfg, err := config.Load(cli.CodexHome, cli.ConfigOverride)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.Model != "" {
		cfg.Model = cli.Model
	}
	if cli.Sandbox != "" {
		cfg.Sandbox = cli.Sandbox
	}
	if cli.DangerouslyBypass {
		cfg.BypassApprovals = true
	}
	logLevel := cli.LogLevel
	if logLevel == "" || logLevel == "info" {
		if cfg.LogLevel != "" {
			logLevel = cfg.LogLevel
		}
	}
	logFormat := cli.LogFormat
	if logFormat == "" || logFormat == "text" {
		if cfg.LogFormat != "" {
			logFormat = cfg.LogFormat
		}
	}
	if cli.JSON {
		logFormat = "json"
	}
	logger := logging.Init(logging.Options{Level: logLevel, Format: logFormat, Output: os.Stderr})

	if err := os.MkdirAll(cfg.CodexHome, 0o700); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "create codex_home", err)
	}

	obsCfg := &observability.Config{
		Metrics: observability.MetricsConfig{Enabled: cli.ObserveMetrics},
		Tracing: observability.TracingConfig{
			Enabled:  cli.ObserveTraceEndpoint != "",
			Endpoint: cli.ObserveTraceEndpoint,
		},
	}
	obsMgr, err := observability.NewManager(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	sink := observability.NewSink(obsMgr)

	registry := config.NewRegistry()
	enabled, warnings := registry.Resolve(cfg.Features)
	for _, w := range warnings {
		logger.Warn("feature flag", "flag", w.Key, "detail", w.Message)
	}
	obsMgr.RecordFeatureFlags(registry, enabled)

	store := rollout.NewStore(filepath.Join(cfg.CodexHome, "sessions"))
	var rolloutIndex *rollout.Index
	if cfg.Storage != "" && cfg.Storage != "inmemory" {
		idx, err := rollout.OpenIndex(cfg.Storage, cfg.StorageDSN)
		if err != nil {
			logger.Warn("rollout index disabled", "err", err)
		} else {
			rolloutIndex = idx
			store.SetIndex(idx)
		}
	}

	policyDir := filepath.Join(cfg.CodexHome, "policy")
	if err := os.MkdirAll(policyDir, 0o700); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "create policy dir", err)
	}
	rules, err := config.LoadRuleSet(filepath.Join(policyDir, "default.codexpolicy"))
	if err != nil {
		return nil, fmt.Errorf("load execpolicy rules: %w", err)
	}

	var sandbox capability.Sandbox
	var sandboxCleanup func()
	switch {
	case cfg.BypassApprovals:
		sandbox = directExecSandbox{}
	case cli.SandboxPlugin != "":
		loader := &capability.Loader{Logger: hclog.New(&hclog.LoggerOptions{Name: "sandbox-plugin", Output: os.Stderr})}
		sb, cleanup, err := loader.LoadSandbox(cli.SandboxPlugin)
		if err != nil {
			return nil, fmt.Errorf("load sandbox plugin: %w", err)
		}
		sandbox, sandboxCleanup = sb, cleanup
	default:
		sandbox = unconfiguredSandbox{}
	}

	orch := &tool.Orchestrator{
		Policy:  policy.NewEvaluator(rules),
		Sandbox: sandbox,
		Shell:   &tool.ShellRunner{Sandbox: sandbox, Timeout: 0},
		Patch:   &tool.PatchRunner{},
		WebSearch: &tool.WebSearchRunner{
			Searcher: unconfiguredWebSearcher{},
		},
		Metrics: sink,
	}

	fuzzySvc := fuzzysearch.NewService()
	fuzzySess := fuzzysearch.NewSessionManager(fuzzySvc)

	server := rpcserver.NewServer(os.Stdout, logger)
	hub := rpcserver.NewSubscriptionHub(server)
	watch := rpcserver.NewThreadWatchManager(server)

	deps := threadmgr.Deps{
		Store:        store,
		Orchestrator: orch,
		Policy:       orch.Policy,
		Broadcaster:  hub,
		Metrics:      sink,
		NewDriver: func() *modelstream.Driver {
			return modelstream.NewDriver(unconfiguredModelClient{})
		},
	}
	manager := threadmgr.New(deps, 0)

	netApprover := tool.NewNetworkApprover(orch.Policy, threadmgr.NewNetworkApprover(manager))
	orch.Network = netApprover
	orch.WebSearch.Network = netApprover

	app := &rpcserver.App{
		Server:    server,
		Manager:   manager,
		Store:     store,
		Orch:      orch,
		Fuzzy:     fuzzySvc,
		FuzzySess: fuzzySess,
		Hub:       hub,
		Watch:     watch,
		UserAgent: "codex-core",
	}
	app.Register(server)

	httpAddr := cli.HTTPAddr
	if httpAddr == "" {
		httpAddr = "127.0.0.1:0"
	}

	return &environment{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		rules:          rules,
		obs:            obsMgr,
		sink:           sink,
		manager:        manager,
		app:            app,
		httpAddr:       httpAddr,
		sandboxCleanup: sandboxCleanup,
		rolloutIndex:   rolloutIndex,
	}, nil
}

// Close releases every resource newEnvironment acquired, in reverse order.
func (e *environment) Close(ctx context.Context) {
	if e.sandboxCleanup != nil {
		e.sandboxCleanup()
	}
	if e.rolloutIndex != nil {
		_ = e.rolloutIndex.Close()
	}
	if e.rules != nil {
		_ = e.rules.Close()
	}
	if e.obs != nil {
		_ = e.obs.Shutdown(ctx)
	}
}
