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

package capability

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is shared by the host and every out-of-process capability
// plugin; it is intentionally coarse (one protocol version for the whole
// capability set) since plugins are trusted, locally-configured binaries,
// not a public plugin marketplace.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CODEX_CAPABILITY_PLUGIN",
	MagicCookieValue: "codex-capability-v1",
}

// SandboxPluginName is the key under which a Sandbox capability is served.
const SandboxPluginName = "sandbox"

// SandboxPlugin adapts a Sandbox to hashicorp/go-plugin's net/rpc transport.
// go-plugin requires gob-friendly arg/reply structs, so ExecSpec/ExecResult
// cross the wire as-is (io.Reader fields are read into memory first).
type SandboxPlugin struct {
	goplugin.NetRPCPlugin
	Impl Sandbox
}

func (p *SandboxPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &sandboxRPCServer{impl: p.Impl}, nil
}

func (p *SandboxPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &sandboxRPCClient{client: c}, nil
}

type sandboxExecArgs struct {
	Spec ExecSpec
}

type sandboxExecReply struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	DurationNanos int64
	Denied   bool
	Reason   string
}

type sandboxRPCServer struct {
	impl Sandbox
}

func (s *sandboxRPCServer) Execute(args sandboxExecArgs, reply *sandboxExecReply) error {
	res, err := s.impl.Execute(context.Background(), args.Spec)
	if err != nil {
		return err
	}
	reply.ExitCode = res.ExitCode
	reply.Denied = res.Denied
	reply.Reason = res.Reason
	reply.DurationNanos = res.Duration.Nanoseconds()
	if res.Stdout != nil {
		reply.Stdout, _ = readAll(res.Stdout)
	}
	if res.Stderr != nil {
		reply.Stderr, _ = readAll(res.Stderr)
	}
	return nil
}

type sandboxRPCClient struct {
	client *rpc.Client
}

func (c *sandboxRPCClient) Execute(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	var reply sandboxExecReply
	if err := c.client.Call("Plugin.Execute", sandboxExecArgs{Spec: spec}, &reply); err != nil {
		return nil, fmt.Errorf("capability plugin: sandbox execute: %w", err)
	}
	return &ExecResult{
		ExitCode: reply.ExitCode,
		Stdout:   newByteReader(reply.Stdout),
		Stderr:   newByteReader(reply.Stderr),
		Duration: time.Duration(reply.DurationNanos),
		Denied:   reply.Denied,
		Reason:   reply.Reason,
	}, nil
}

// Loader launches and connects to a single out-of-process capability
// plugin binary over go-plugin's net/rpc transport.
type Loader struct {
	Logger hclog.Logger
}

// LoadSandbox starts the plugin binary at path and returns a Sandbox that
// proxies calls to it, plus a cleanup function the caller must invoke on
// shutdown.
func (l *Loader) LoadSandbox(path string, args ...string) (Sandbox, func(), error) {
	logger := l.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			SandboxPluginName: &SandboxPlugin{},
		},
		Cmd:    exec.Command(path, args...),
		Logger: logger,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("capability plugin: dial %s: %w", path, err)
	}

	raw, err := rpcClient.Dispense(SandboxPluginName)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("capability plugin: dispense sandbox: %w", err)
	}

	sandbox, ok := raw.(Sandbox)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("capability plugin: %s does not implement Sandbox", path)
	}

	return sandbox, client.Kill, nil
}
