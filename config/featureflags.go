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

package config

import "sort"

// Stage is a feature flag's maturity level (§7.1).
type Stage int

const (
	UnderDevelopment Stage = iota
	Experimental
	Stable
	Deprecated
	Removed
)

func (s Stage) String() string {
	switch s {
	case UnderDevelopment:
		return "under_development"
	case Experimental:
		return "experimental"
	case Stable:
		return "stable"
	case Deprecated:
		return "deprecated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// defaultEnabled reports whether a flag at this stage is on absent any
// override: under-development and experimental flags default off, stable
// defaults on, deprecated stays on (for compatibility) until removed.
func (s Stage) defaultEnabled() bool {
	switch s {
	case Stable, Deprecated:
		return true
	default:
		return false
	}
}

// Flag describes one named feature switch.
type Flag struct {
	Key         string
	Stage       Stage
	Description string
	// RenamedFrom lists legacy keys that now resolve to this flag; a config
	// using one of them produces a migration Warning (§7.1).
	RenamedFrom []string
}

// Registry is the core's built-in set of named feature flags, e.g. "unified
// exec", "execpolicy enforcement", "request compression", "personality".
type Registry struct {
	flags map[string]Flag
}

// NewRegistry builds the registry with the core's built-in flag set.
func NewRegistry() *Registry {
	r := &Registry{flags: map[string]Flag{}}
	for _, f := range builtinFlags {
		r.flags[f.Key] = f
	}
	return r
}

var builtinFlags = []Flag{
	{Key: "unified_exec", Stage: Experimental, Description: "route all shell tool calls through a single long-lived exec session"},
	{Key: "execpolicy_enforcement", Stage: Stable, Description: "enforce execpolicy rule files instead of logging only"},
	{Key: "request_compression", Stage: UnderDevelopment, Description: "gzip large model requests before transport"},
	{Key: "personality", Stage: Experimental, Description: "apply a configurable response personality prompt layer"},
	{Key: "legacy_sandbox_mode", Stage: Deprecated, Description: "pre-capability-interface sandbox selection", RenamedFrom: []string{"sandbox_mode_v1"}},
}

// Warning is a one-shot notice to surface via the session-configured event.
type Warning struct {
	Key     string
	Message string
}

// Resolve applies overrides (config.features, then profile, then CLI, in
// the order callers pass them — later entries win) on top of stage
// defaults, and returns the resolved enabled-set plus any warnings to emit
// once at session configuration (§7.1: under-development flags and
// deprecated-key usage both warn).
func (r *Registry) Resolve(overrides ...map[string]string) (enabled map[string]bool, warnings []Warning) {
	enabled = make(map[string]bool, len(r.flags))
	for key, f := range r.flags {
		enabled[key] = f.Stage.defaultEnabled()
	}

	legacy := map[string]string{}
	for _, f := range r.flags {
		for _, old := range f.RenamedFrom {
			legacy[old] = f.Key
		}
	}

	for _, layer := range overrides {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := layer[k]
			target := k
			if newKey, isLegacy := legacy[k]; isLegacy {
				target = newKey
				warnings = append(warnings, Warning{
					Key:     k,
					Message: "config key \"" + k + "\" is deprecated; use \"" + newKey + "\"",
				})
			}
			if _, known := r.flags[target]; !known {
				continue
			}
			enabled[target] = v == "true" || v == "1" || v == "on" || v == "enabled"
		}
	}

	for key, on := range enabled {
		if !on {
			continue
		}
		if f, ok := r.flags[key]; ok && f.Stage == UnderDevelopment {
			warnings = append(warnings, Warning{
				Key:     key,
				Message: "feature \"" + key + "\" is under development and may change or be removed",
			})
		}
	}

	sort.Slice(warnings, func(i, j int) bool { return warnings[i].Key < warnings[j].Key })
	return enabled, warnings
}

// Flags returns the registry's flags sorted by key, for introspection/CLI
// listing.
func (r *Registry) Flags() []Flag {
	keys := make([]string, 0, len(r.flags))
	for k := range r.flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Flag, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.flags[k])
	}
	return out
}
