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
	"net"
	"net/http"
	"os"

	"github.com/kadirpekel/codex-core/rollout"
	"github.com/kadirpekel/codex-core/rpcserver"
	"github.com/kadirpekel/codex-core/thread"
)

// runServe starts the HTTP sidecar (health/metrics) in the background and
// runs the JSON-RPC duplex over stdio (§4.7) until EOF, a read error, or
// ctx is canceled. If the CLI was given an initial prompt, it seeds one
// conversation and turn before handing control to the stdio loop, so a
// `codex "fix the bug"` invocation behaves like the first message of an
// interactive session rather than a one-shot batch command.
func runServe(ctx context.Context, env *environment, prompt string) error {
	httpSrv := &http.Server{
		Handler: rpcserver.NewHTTPRouter(env.obs.MetricsHandler(), env.sink),
	}
	if ln, err := net.Listen("tcp", env.httpAddr); err != nil {
		env.logger.Warn("sidecar http listener disabled", "err", err)
	} else {
		go func() {
			if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				env.logger.Warn("sidecar http server exited", "err", err)
			}
		}()
		env.logger.Info("sidecar http listening", "addr", ln.Addr().String())
		go func() {
			<-ctx.Done()
			_ = httpSrv.Close()
		}()
	}

	if prompt != "" {
		seedPrompt(ctx, env, prompt)
	}

	done := make(chan error, 1)
	go func() { done <- env.app.Server.Serve(os.Stdin) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

// seedPrompt starts a conversation and submits prompt as its first user
// message. Errors are logged rather than fatal since the stdio duplex
// is still usable for the rest of the session afterward.
func seedPrompt(ctx context.Context, env *environment, prompt string) {
	th, err := env.manager.StartThread(ctx, rollout.SessionMeta{Source: "cli"})
	if err != nil {
		env.logger.Error("seed conversation failed", "err", err)
		return
	}
	env.app.Watch.Watch(th)
	if _, err := env.manager.SendOp(th.ID, thread.Op{
		Kind:      thread.OpUserInput,
		UserInput: &thread.UserInputOp{Items: []thread.InputItem{{Text: prompt}}},
	}); err != nil {
		env.logger.Error("seed turn failed", "err", err)
	}
}
