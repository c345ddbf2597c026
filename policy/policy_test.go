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

package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codex-core/config"
)

func TestDecomposeSafeOperators(t *testing.T) {
	subs := Decompose([]string{"bash", "-lc", "cargo build && cargo test"})
	require.Equal(t, [][]string{{"cargo", "build"}, {"cargo", "test"}}, subs)
}

func TestDecomposeFallsBackOnMetacharacters(t *testing.T) {
	argv := []string{"bash", "-lc", "cargo build > out.log"}
	subs := Decompose(argv)
	require.Equal(t, [][]string{argv}, subs)
}

func TestEvaluateAllowRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.codexpolicy")
	rs, err := config.LoadRuleSet(path)
	require.NoError(t, err)
	defer rs.Close()
	require.NoError(t, rs.AppendAllow([]string{"cargo", "build"}))

	ev := NewEvaluator(rs)
	req := ev.Evaluate(Input{Command: []string{"cargo", "build"}, ApprovalPolicy: ApprovalOnRequest})
	require.Equal(t, RequireSkip, req.Kind)
	require.True(t, req.BypassSandbox)
}

func TestEvaluateForbiddenRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.codexpolicy")
	require.NoError(t, writeRules(path, []config.Rule{{Pattern: []string{"rm"}, Decision: config.DecisionForbidden}}))
	rs, err := config.LoadRuleSet(path)
	require.NoError(t, err)
	defer rs.Close()

	ev := NewEvaluator(rs)
	req := ev.Evaluate(Input{Command: []string{"rm", "-rf", "/"}, ApprovalPolicy: ApprovalOnRequest})
	require.Equal(t, RequireForbidden, req.Kind)
}

func TestEvaluatePromptUnderNeverPolicyBecomesForbidden(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.codexpolicy")
	require.NoError(t, writeRules(path, []config.Rule{{Pattern: []string{"curl"}, Decision: config.DecisionPrompt}}))
	rs, err := config.LoadRuleSet(path)
	require.NoError(t, err)
	defer rs.Close()

	ev := NewEvaluator(rs)
	req := ev.Evaluate(Input{Command: []string{"curl", "example.com"}, ApprovalPolicy: ApprovalNever})
	require.Equal(t, RequireForbidden, req.Kind)
}

func TestEvaluateNoMatchHeuristic(t *testing.T) {
	ev := NewEvaluator(nil)
	req := ev.Evaluate(Input{Command: []string{"sudo", "reboot"}, ApprovalPolicy: ApprovalOnRequest})
	require.Equal(t, RequireNeedsApproval, req.Kind)
}

func TestSessionCacheApprovedPrefix(t *testing.T) {
	ev := NewEvaluator(nil)
	ev.ApprovePrefixForSession("sess1", []string{"cargo", "build"})
	require.True(t, ev.PrefixApprovedForSession("sess1", []string{"cargo", "build", "--release"}))
	require.False(t, ev.PrefixApprovedForSession("sess2", []string{"cargo", "build"}))
}

func writeRules(path string, rules []config.Rule) error {
	return os.WriteFile(path, []byte(config.Format(rules)), 0o644)
}
