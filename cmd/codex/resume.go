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
	"os"
	"text/tabwriter"

	"github.com/kadirpekel/codex-core/internal/coreerr"
	"github.com/kadirpekel/codex-core/thread"
)

// runResume handles `codex resume`: --all lists resumable conversations
// and exits, --last or a bare id/path resolves to a rollout file and
// resumes it, then falls into the same stdio JSON-RPC duplex runServe
// uses for a fresh session.
func runResume(ctx context.Context, env *environment, cmd *ResumeCmd) error {
	if cmd.All {
		return listConversations(env)
	}

	path, err := resolveResumePath(env, cmd)
	if err != nil {
		return err
	}

	th, err := env.manager.ResumeThread(ctx, path)
	if err != nil {
		return fmt.Errorf("resume %s: %w", path, err)
	}
	env.app.Watch.Watch(th)
	env.logger.Info("resumed conversation", "thread_id", th.ID, "path", path)

	if len(cmd.Image) > 0 {
		items := make([]thread.InputItem, len(cmd.Image))
		for i, p := range cmd.Image {
			items[i] = thread.InputItem{ImagePath: p}
		}
		if _, err := env.manager.SendOp(th.ID, thread.Op{
			Kind:      thread.OpUserInput,
			UserInput: &thread.UserInputOp{Items: items},
		}); err != nil {
			env.logger.Error("attach resume images failed", "err", err)
		}
	}

	return runServe(ctx, env, "")
}

func resolveResumePath(env *environment, cmd *ResumeCmd) (string, error) {
	page, err := env.store.List(200, "", nil)
	if err != nil {
		return "", fmt.Errorf("list rollouts: %w", err)
	}
	if len(page.Entries) == 0 {
		return "", coreerr.New(coreerr.KindNotFound, "no resumable conversations")
	}
	if cmd.Last || cmd.ID == "" {
		latest := page.Entries[0]
		for _, e := range page.Entries[1:] {
			if e.MutatedAt.After(latest.MutatedAt) {
				latest = e
			}
		}
		return latest.Path, nil
	}
	for _, e := range page.Entries {
		if e.ThreadID == cmd.ID || e.Path == cmd.ID {
			return e.Path, nil
		}
	}
	return "", coreerr.New(coreerr.KindNotFound, "no conversation matching "+cmd.ID)
}

func listConversations(env *environment) error {
	page, err := env.store.List(200, "", nil)
	if err != nil {
		return fmt.Errorf("list rollouts: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD ID\tSOURCE\tMODIFIED\tPATH")
	for _, e := range page.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ThreadID, e.Source, e.MutatedAt.Format("2006-01-02 15:04"), e.Path)
	}
	return w.Flush()
}
