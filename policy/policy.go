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

// Package policy evaluates a candidate shell command against the compiled
// execpolicy rule set and the active approval/sandbox policy (§4.2),
// generalizing commandtool's fixed denylist/allowlist pipeline into a
// hot-reloadable, rule-file-driven evaluator.
package policy

import (
	"regexp"
	"strings"
	"sync"

	"github.com/kadirpekel/codex-core/config"
)

// ApprovalPolicy controls when a command needs a user decision.
type ApprovalPolicy string

const (
	ApprovalNever         ApprovalPolicy = "never"
	ApprovalOnRequest     ApprovalPolicy = "on_request"
	ApprovalUnlessTrusted ApprovalPolicy = "unless_trusted"
)

// SandboxPolicy names the OS isolate configuration in force.
type SandboxPolicy struct {
	Kind          string // "read_only" | "workspace_write" | "danger_full_access" | "external_sandbox"
	WritableRoots []string
	NetworkAllowed bool
}

// matchResult is the per-rule-set outcome before mapping to an
// ExecApprovalRequirement.
type matchResult int

const (
	matchNoMatch matchResult = iota
	matchAllow
	matchPrompt
	matchForbidden
)

// strictest picks the most restrictive of two match results
// (Forbidden > Prompt > Allow > NoMatch, §4.2 step 2).
func strictest(a, b matchResult) matchResult {
	if a > b {
		return a
	}
	return b
}

// RequirementKind tags an ExecApprovalRequirement's variant.
type RequirementKind int

const (
	RequireForbidden RequirementKind = iota
	RequireNeedsApproval
	RequireSkip
)

// ExecApprovalRequirement is the evaluator's verdict for one command
// (§4.2 step 3).
type ExecApprovalRequirement struct {
	Kind          RequirementKind
	Reason        string
	AllowPrefix   []string // set only for NeedsApproval when single-command + feature enabled
	BypassSandbox bool     // set only for Skip
}

// Input bundles everything Evaluate needs for one decision (§4.2).
type Input struct {
	Command            []string
	ApprovalPolicy      ApprovalPolicy
	Sandbox             SandboxPolicy
	EscalationRequested bool
	AllowPrefixFeature  bool // "execpolicy enforcement"-style feature gate for allow_prefix suggestions
}

// Evaluator evaluates commands against a RuleSet plus built-in heuristics.
type Evaluator struct {
	mu       sync.RWMutex
	rules    *config.RuleSet
	sessions *sessionCache
}

// NewEvaluator builds an Evaluator backed by rules (may be nil for a
// heuristic-only evaluator, e.g. in tests).
func NewEvaluator(rules *config.RuleSet) *Evaluator {
	return &Evaluator{rules: rules, sessions: newSessionCache()}
}

// Evaluate runs the full §4.2 algorithm: decompose, match, map to a
// requirement.
func (e *Evaluator) Evaluate(in Input) ExecApprovalRequirement {
	subcommands := Decompose(in.Command)

	result := matchNoMatch
	var reason string
	for _, sub := range subcommands {
		r, why := e.matchOne(sub)
		if r > result {
			result = r
			reason = why
		}
	}

	switch result {
	case matchForbidden:
		return ExecApprovalRequirement{Kind: RequireForbidden, Reason: reason}
	case matchPrompt:
		if in.ApprovalPolicy == ApprovalNever {
			return ExecApprovalRequirement{Kind: RequireForbidden, Reason: reason}
		}
		return ExecApprovalRequirement{Kind: RequireNeedsApproval, Reason: reason}
	case matchAllow:
		return ExecApprovalRequirement{Kind: RequireSkip, BypassSandbox: true}
	default: // NoMatch
		if isHeuristicallyDangerous(in.Command) {
			if in.ApprovalPolicy != ApprovalNever {
				req := ExecApprovalRequirement{Kind: RequireNeedsApproval, Reason: "heuristically flagged as dangerous"}
				if in.AllowPrefixFeature && len(subcommands) == 1 {
					req.AllowPrefix = subcommands[0]
				}
				return req
			}
			return ExecApprovalRequirement{Kind: RequireSkip, BypassSandbox: false}
		}
		return ExecApprovalRequirement{Kind: RequireSkip, BypassSandbox: false}
	}
}

// matchOne checks a single decomposed sub-command's argv against the rule
// set, returning the strictest matching rule's decision.
func (e *Evaluator) matchOne(argv []string) (matchResult, string) {
	if e.rules == nil || len(argv) == 0 {
		return matchNoMatch, ""
	}

	result := matchNoMatch
	reason := ""
	for _, rule := range e.rules.Snapshot() {
		if !ruleMatches(rule, argv) {
			continue
		}
		var r matchResult
		switch rule.Decision {
		case config.DecisionAllow:
			r = matchAllow
		case config.DecisionPrompt:
			r = matchPrompt
		case config.DecisionForbidden:
			r = matchForbidden
		default:
			continue
		}
		if r > result {
			result = r
			reason = "matched rule pattern " + strings.Join(rule.Pattern, " ")
		}
	}
	return result, reason
}

func ruleMatches(rule config.Rule, argv []string) bool {
	if rule.Exact {
		if len(rule.Pattern) != len(argv) {
			return false
		}
		for i, p := range rule.Pattern {
			if p != argv[i] {
				return false
			}
		}
		return true
	}
	if len(rule.Pattern) > len(argv) {
		return false
	}
	for i, p := range rule.Pattern {
		if p != argv[i] {
			return false
		}
	}
	return true
}

// AmendAllow appends an allow_prefix rule for prefix to the backing
// execpolicy file and hot-updates the in-memory rule set (§4.2 step 4).
func (e *Evaluator) AmendAllow(prefix []string) error {
	if e.rules == nil {
		return nil
	}
	return e.rules.AppendAllow(prefix)
}

// builtin dangerous-command heuristic patterns, platform-neutral subset
// (Windows-specific PowerShell/CMD recognition lives behind the same
// heuristic hook, added by a platform-specific Evaluator option if needed).
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-rf|-fr|--recursive)\b`),
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)--no-preserve-root`),
	regexp.MustCompile(`(?i)remove-item\s+.*-force`), // Windows PowerShell Remove-Item -Force
	regexp.MustCompile(`(?i)\bstart\s+https?://`),     // Windows CMD URL-launching
}

func isHeuristicallyDangerous(argv []string) bool {
	joined := strings.Join(argv, " ")
	for _, p := range dangerousPatterns {
		if p.MatchString(joined) {
			return true
		}
	}
	return false
}
